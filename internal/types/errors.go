package types

import (
	"errors"
	"fmt"
)

// ErrorKind names a class in the error taxonomy.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindDuplicate  ErrorKind = "duplicate"
	KindPrecedence ErrorKind = "precedence"
	KindConflict   ErrorKind = "conflict"
	KindNotFound   ErrorKind = "not_found"
	KindExternal   ErrorKind = "external"
	KindInternal   ErrorKind = "internal"
)

// Error is the structured error returned by every core operation.
// State carries the record or status snapshot at the time of failure so
// a client can reconcile without a follow-up read.
type Error struct {
	Kind   ErrorKind
	Op     string
	Reason string
	State  any
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind, so errors.Is(err, ErrConflict) works for
// any conflict regardless of op or reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Reason == "" && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrDuplicate  = &Error{Kind: KindDuplicate}
	ErrPrecedence = &Error{Kind: KindPrecedence}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrExternal   = &Error{Kind: KindExternal}
)

// NewValidationError reports a malformed input.
func NewValidationError(op, reason string) *Error {
	return &Error{Kind: KindValidation, Op: op, Reason: reason}
}

// NewPrecedenceError reports an override requested against a higher one.
func NewPrecedenceError(op, reason string, state any) *Error {
	return &Error{Kind: KindPrecedence, Op: op, Reason: reason, State: state}
}

// NewConflictError reports a transition attempted from the wrong state.
func NewConflictError(op string, expected, actual ApprovalStatus, state any) *Error {
	return &Error{
		Kind:   KindConflict,
		Op:     op,
		Reason: fmt.Sprintf("expected status %s, found %s", expected, actual),
		State:  state,
	}
}

// NewNotFoundError reports an unknown id.
func NewNotFoundError(op, what, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Reason: fmt.Sprintf("%s %q not found", what, id)}
}

// NewExternalError wraps a collaborator failure or timeout.
func NewExternalError(op string, err error) *Error {
	return &Error{Kind: KindExternal, Op: op, Reason: "external service failed", Err: err}
}

// KindOf returns the taxonomy kind of err, or KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the human-readable reason carried by err.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// StateOf returns the state snapshot carried by err, if any.
func StateOf(err error) any {
	var e *Error
	if errors.As(err, &e) {
		return e.State
	}
	return nil
}
