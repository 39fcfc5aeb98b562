package main

// ExitCodeError wraps an error with a specific process exit code.
//
// Most failures are startup failures and exit with code 1. The daemons use
// this only for errors raised after startup succeeded (exit 2), so a
// supervisor can tell a broken deployment from a run that died later.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// runtimeFailure marks err as a post-startup failure.
func runtimeFailure(err error) error {
	if err == nil {
		return nil
	}
	return &ExitCodeError{Code: 2, Err: err}
}
