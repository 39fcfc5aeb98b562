package async

import (
	"runtime/debug"
)

// ErrorLogger is the minimal logging surface needed to report a panic.
type ErrorLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on a new goroutine and converts a panic into an error log
// instead of crashing the process. name identifies the goroutine in the log.
func Go(logger ErrorLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs a recovered panic with its stack. It must be invoked
// directly as a deferred call: defer Recover(logger, "name").
func Recover(logger ErrorLogger, name string) {
	r := recover()
	if r == nil {
		return
	}
	if logger == nil {
		return
	}
	logger.Error("goroutine panic [%s]: %v\n%s", name, r, debug.Stack())
}
