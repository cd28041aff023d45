// Package faults defines the error taxonomy shared by every pipeline stage.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindGeneration    Kind = "generation"
	KindExecution     Kind = "execution"
	KindReport        Kind = "report"
)

// Sentinels for errors.Is checks against a kind.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrGeneration    = errors.New("generation error")
	ErrExecution     = errors.New("execution error")
	ErrReport        = errors.New("report error")

	// ErrTimeout tags execution errors caused by the wall-clock bound.
	ErrTimeout = errors.New("timeout")
)

// Error is a classified pipeline failure.
type Error struct {
	Kind    Kind
	Op      string
	Msg     string
	Cause   error
	Timeout bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error", e.Kind)
	if e.Op != "" {
		msg += " in " + e.Op
	}
	if e.Timeout {
		msg += " (timeout)"
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the kind sentinels and ErrTimeout.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	case ErrGeneration:
		return e.Kind == KindGeneration
	case ErrExecution:
		return e.Kind == KindExecution
	case ErrReport:
		return e.Kind == KindReport
	case ErrTimeout:
		return e.Timeout
	}
	return false
}

// Configuration returns a configuration error.
func Configuration(op, msg string, cause error) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Msg: msg, Cause: cause}
}

// Generation returns a generation error.
func Generation(op, msg string, cause error) *Error {
	return &Error{Kind: KindGeneration, Op: op, Msg: msg, Cause: cause}
}

// Execution returns an execution error.
func Execution(op, msg string, cause error) *Error {
	return &Error{Kind: KindExecution, Op: op, Msg: msg, Cause: cause}
}

// ExecutionTimeout returns an execution error tagged as a timeout.
func ExecutionTimeout(op, msg string, cause error) *Error {
	return &Error{Kind: KindExecution, Op: op, Msg: msg, Cause: cause, Timeout: true}
}

// Report returns a report error.
func Report(op, msg string, cause error) *Error {
	return &Error{Kind: KindReport, Op: op, Msg: msg, Cause: cause}
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
