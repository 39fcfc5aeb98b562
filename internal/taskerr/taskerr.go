// Package taskerr classifies every failure the orchestrator can surface in
// run records and audit entries, and decides which of them are worth
// retrying.
package taskerr

import (
	"errors"
	"fmt"
)

// Kind names a failure class. The string values appear verbatim in
// TaskRun.error and in audit details, so they are part of the public
// contract.
type Kind string

const (
	// KindValidation - descriptor or pipeline document rejected before persistence.
	KindValidation Kind = "validation"
	// KindTemplate - selector unresolved, duplicate save_as, non-boolean condition.
	KindTemplate Kind = "template"
	// KindSchema - tool input or output failed JSON-schema validation.
	KindSchema Kind = "schema"
	// KindTool - the tool returned a structured error.
	KindTool Kind = "tool"
	// KindTimeout - a step exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindCanceled - the task was canceled mid-flight.
	KindCanceled Kind = "canceled"
	// KindLeaseLost - the worker could not renew its lease.
	KindLeaseLost Kind = "lease_lost"
	// KindStore - durable-store failure during bookkeeping.
	KindStore Kind = "store"
)

// Error is a classified orchestrator failure.
type Error struct {
	Kind      Kind
	Message   string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error of the given kind with that kind's default
// retryability (timeouts and store failures retry, the rest do not).
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: defaultRetryable(kind),
	}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Err:       err,
		Retryable: defaultRetryable(kind),
	}
}

// Validation reports a rejected descriptor or pipeline document.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// Template reports a selector or save_as failure. The offending selector
// text belongs in the message.
func Template(format string, args ...any) *Error {
	return New(KindTemplate, format, args...)
}

// Schema reports an input/output schema mismatch.
func Schema(format string, args ...any) *Error {
	return New(KindSchema, format, args...)
}

// Tool reports a structured tool error; the tool decides retryability.
func Tool(retryable bool, format string, args ...any) *Error {
	e := New(KindTool, format, args...)
	e.Retryable = retryable
	return e
}

// Timeout reports an exceeded step deadline.
func Timeout(format string, args ...any) *Error {
	return New(KindTimeout, format, args...)
}

// Canceled reports a task canceled mid-flight.
func Canceled(taskID string) *Error {
	return New(KindCanceled, "task %s canceled", taskID)
}

// LeaseLost reports a failed lease renewal; the run is abandoned.
func LeaseLost(workItemID int64) *Error {
	return New(KindLeaseLost, "lease on work item %d lost", workItemID)
}

// Store wraps a durable-store failure.
func Store(err error, format string, args ...any) *Error {
	return Wrap(KindStore, err, format, args...)
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindStore:
		return true
	default:
		return false
	}
}

// KindOf returns the kind of a classified error, or "" when err carries
// no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is classified with the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether an attempt loop should run the pipeline
// again after err. Unclassified errors fall back to transport-level
// transience (network hiccups, 5xx replies).
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return IsTransient(err)
}
