// Package fault defines the governance error taxonomy shared by every
// component and surface. Errors carry a Kind that maps onto an
// HTTP-analogous status code; callers never see a bare internal error.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	KindAuthority      Kind = "authority"
	KindValidation     Kind = "validation"
	KindClassification Kind = "classification"
	KindGovernance     Kind = "governance"
	KindTransient      Kind = "transient"
	KindEvaluation     Kind = "evaluation"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindInternal       Kind = "internal"
)

// Error is a structured error with a kind and a caller-safe message.
// Err holds the underlying cause and is never rendered to callers.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and message to err. A nil err yields nil.
func Wrap(err error, kind Kind, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

func Authority(format string, args ...any) *Error  { return New(KindAuthority, format, args...) }
func Validation(format string, args ...any) *Error { return New(KindValidation, format, args...) }
func Governance(format string, args ...any) *Error { return New(KindGovernance, format, args...) }
func NotFound(format string, args ...any) *Error   { return New(KindNotFound, format, args...) }
func Conflict(format string, args ...any) *Error   { return New(KindConflict, format, args...) }

// Transient marks err as retryable.
func Transient(err error) error { return Wrap(err, KindTransient, "transient failure") }

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the caller-safe message. Unclassified errors collapse to
// a generic message so internal detail never leaks.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Kind == KindEvaluation || fe.Kind == KindInternal {
			return "internal evaluation failure"
		}
		return fe.Message
	}
	return "internal evaluation failure"
}

// Status maps err's kind to an HTTP-analogous status code.
func Status(err error) int {
	switch KindOf(err) {
	case KindAuthority, KindGovernance:
		return http.StatusForbidden
	case KindValidation, KindClassification:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
