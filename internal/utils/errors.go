package utils

import (
	"errors"
	"fmt"
)

// Kind classifies a failure according to the agent's recovery policy.
// Every kind except KindConfiguration is recoverable: the loop converts it
// into a typed result at the component boundary and keeps running.
type Kind string

const (
	KindObservation   Kind = "observation_failure"
	KindReasoning     Kind = "reasoning_failure"
	KindPolicy        Kind = "policy_violation"
	KindExecution     Kind = "execution_failure"
	KindStore         Kind = "store_unavailable"
	KindConfiguration Kind = "configuration_error"
	KindUnknown       Kind = "unknown"
)

// AppError wraps an operation, a classification, a human-facing message and
// the underlying error.
type AppError struct {
	Op   string
	Kind Kind
	Msg  string
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// E constructs a classified AppError.
func E(op string, kind Kind, msg string, err error) error {
	return &AppError{Op: op, Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the classification from an error chain, returning
// KindUnknown for plain errors and nil.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// IsFatal reports whether the error must abort startup rather than be
// absorbed by the loop.
func IsFatal(err error) bool {
	return KindOf(err) == KindConfiguration
}
