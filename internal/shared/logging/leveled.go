package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel converts a level name to a Level. Unknown names map to Info.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// leveledLogger writes component-tagged lines to a single writer.
// Format: 2006-01-02 15:04:05 [INFO] [Scheduler] message
type leveledLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     Level
	component string
}

// New returns a leveled logger writing to stderr.
func New(component string, level Level) Logger {
	return NewWriter(os.Stderr, component, level)
}

// NewWriter returns a leveled logger writing to out. Tests pass a buffer.
func NewWriter(out io.Writer, component string, level Level) Logger {
	if out == nil {
		out = os.Stderr
	}
	return &leveledLogger{out: out, level: level, component: component}
}

func (l *leveledLogger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	component := l.component
	if component == "" {
		component = "ordinaut"
	}
	line := fmt.Sprintf("%s [%s] [%s] %s\n",
		time.Now().Format("2006-01-02 15:04:05"), level, component,
		fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.out, line) //nolint:errcheck
}

func (l *leveledLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *leveledLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *leveledLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *leveledLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }
