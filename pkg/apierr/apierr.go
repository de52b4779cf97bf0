// Package apierr defines the error taxonomy shared by every keel subsystem.
//
// Every error surfaced across a service boundary (network allocator,
// container service, build scheduler, DNS server) is wrapped with one of the
// sentinel kinds below so callers can branch with errors.Is instead of
// string matching.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories from the error-handling design.
type Kind string

const (
	NotFound        Kind = "not_found"
	Exists          Kind = "exists"
	InvalidArgument Kind = "invalid_argument"
	InvalidState    Kind = "invalid_state"
	Unsupported     Kind = "unsupported"
	Timeout         Kind = "timeout"
	Internal        Kind = "internal"
	Corruption      Kind = "corruption"
	Cancelled       Kind = "cancelled"
)

// sentinels, so errors.Is(err, apierr.ErrNotFound) works after wrapping.
var (
	ErrNotFound        = errors.New(string(NotFound))
	ErrExists          = errors.New(string(Exists))
	ErrInvalidArgument = errors.New(string(InvalidArgument))
	ErrInvalidState    = errors.New(string(InvalidState))
	ErrUnsupported     = errors.New(string(Unsupported))
	ErrTimeout         = errors.New(string(Timeout))
	ErrInternal        = errors.New(string(Internal))
	ErrCorruption      = errors.New(string(Corruption))
	ErrCancelled       = errors.New(string(Cancelled))
)

func sentinel(k Kind) error {
	switch k {
	case NotFound:
		return ErrNotFound
	case Exists:
		return ErrExists
	case InvalidArgument:
		return ErrInvalidArgument
	case InvalidState:
		return ErrInvalidState
	case Unsupported:
		return ErrUnsupported
	case Timeout:
		return ErrTimeout
	case Corruption:
		return ErrCorruption
	case Cancelled:
		return ErrCancelled
	default:
		return ErrInternal
	}
}

// Error is a taxonomy-tagged error carrying a human-readable message and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return sentinel(e.Kind)
}

// Is lets errors.Is(err, apierr.ErrNotFound) succeed without a wrapped cause.
func (e *Error) Is(target error) bool {
	return target == sentinel(e.Kind)
}

// New builds a taxonomy error with a formatted message.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a taxonomy kind, preserving it as the cause.
func Wrap(k Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Of returns the Kind carried by err, or Internal if err isn't an *Error and
// doesn't match any sentinel.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range []Kind{NotFound, Exists, InvalidArgument, InvalidState, Unsupported, Timeout, Corruption, Cancelled} {
		if errors.Is(err, sentinel(k)) {
			return k
		}
	}
	return Internal
}

// MultiError collects a partial failure: N attempted operations where M
// failed. Per the error-handling design, each item's outcome is tracked so
// callers can print one failure per stderr line and still exit nonzero.
type MultiError struct {
	Succeeded []string
	Failed    map[string]error
}

// NewMultiError builds an empty MultiError.
func NewMultiError() *MultiError {
	return &MultiError{Failed: make(map[string]error)}
}

// AddSuccess records a successfully processed item.
func (m *MultiError) AddSuccess(id string) {
	m.Succeeded = append(m.Succeeded, id)
}

// AddFailure records a failed item and its cause.
func (m *MultiError) AddFailure(id string, err error) {
	m.Failed[id] = err
}

// HasErrors reports whether any item failed.
func (m *MultiError) HasErrors() bool {
	return len(m.Failed) > 0
}

func (m *MultiError) Error() string {
	if !m.HasErrors() {
		return ""
	}
	msg := fmt.Sprintf("%d of %d operations failed", len(m.Failed), len(m.Failed)+len(m.Succeeded))
	for id, err := range m.Failed {
		msg += fmt.Sprintf("\n%s: %v", id, err)
	}
	return msg
}

// ErrorOrNil returns nil if no item failed, or the MultiError itself otherwise.
func (m *MultiError) ErrorOrNil() error {
	if !m.HasErrors() {
		return nil
	}
	return m
}
