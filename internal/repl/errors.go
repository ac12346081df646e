package repl

import (
	"errors"
	"fmt"
)

// Sentinel errors for classifying execution failures.
var (
	// ErrSyntax indicates the snippet could not be parsed. Nothing ran.
	ErrSyntax = errors.New("syntax error")

	// ErrRuntime indicates the snippet raised an exception while running.
	ErrRuntime = errors.New("runtime error")

	// ErrScheduler indicates the suspension scheduler could not drive a
	// unit to completion, for example because nothing could ever wake it.
	ErrScheduler = errors.New("scheduler error")

	// ErrCanceled indicates the caller's context ended before the snippet finished.
	ErrCanceled = errors.New("execution canceled")

	// ErrBusy is returned when an Execute call could not obtain the
	// environment before its context ended.
	ErrBusy = errors.New("environment busy")

	// ErrClosed is returned by operations on a closed environment.
	ErrClosed = errors.New("environment closed")

	// ErrConfiguration indicates an invalid environment option.
	ErrConfiguration = errors.New("configuration error")
)

// Kind classifies an ExecutionError.
type Kind int

const (
	KindSyntax Kind = iota
	KindRuntime
	KindScheduler
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindSyntax:
		return "syntax"
	case KindRuntime:
		return "runtime"
	case KindScheduler:
		return "scheduler"
	case KindCanceled:
		return "canceled"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) sentinel() error {
	switch k {
	case KindSyntax:
		return ErrSyntax
	case KindRuntime:
		return ErrRuntime
	case KindScheduler:
		return ErrScheduler
	case KindCanceled:
		return ErrCanceled
	}
	return nil
}

// ExecutionError describes a failed snippet. The original message of the
// underlying exception is preserved in Message.
type ExecutionError struct {
	Kind Kind

	// Message is the interpreter's description of the failure.
	Message string

	// Line is the 1-based line in the snippet. Zero when unknown.
	Line int

	// Column is the 1-based column in the snippet. Zero when unknown.
	Column int

	// Err is the underlying error, if any.
	Err error
}

// Error returns the message, including the location when known.
func (e *ExecutionError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s (line %d, col %d)", e.Kind, e.Message, e.Line, e.Column)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is and errors.As.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *ExecutionError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf returns the kind of err when it is an ExecutionError.
func KindOf(err error) (Kind, bool) {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return 0, false
}

func newError(kind Kind, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: err.Error(), Err: err}
}
