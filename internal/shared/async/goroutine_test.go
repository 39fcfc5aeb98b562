package async

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Error(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func TestGoRunsFunction(t *testing.T) {
	logger := &recordingLogger{}
	done := make(chan struct{})

	Go(logger, "plain", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine never ran")
	}
	if logger.contains("panic") {
		t.Fatalf("unexpected panic log: %v", logger.lines)
	}
}

func TestGoLogsPanic(t *testing.T) {
	logger := &recordingLogger{}
	done := make(chan struct{})

	Go(logger, "exploder", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine never ran")
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for !logger.contains("goroutine panic [exploder]") {
		if time.Now().After(deadline) {
			t.Fatalf("expected panic log, got %v", logger.lines)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecoverNilLogger(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("panic escaped Recover: %v", r)
		}
	}()

	func() {
		defer Recover(nil, "no-logger")
		panic("boom")
	}()
}
