package moderation

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every error returned by the service wraps one of these so
// callers can classify it with errors.Is.
var (
	ErrValidation        = errors.New("moderation: validation failed")
	ErrInvalidReason     = errors.New("moderation: invalid report reason")
	ErrUnauthenticated   = errors.New("moderation: unauthenticated")
	ErrForbidden         = errors.New("moderation: forbidden")
	ErrNotFound          = errors.New("moderation: not found")
	ErrConflict          = errors.New("moderation: conflict")
	ErrAlreadyRestricted = errors.New("moderation: already restricted")
	ErrAlreadyReversed   = errors.New("moderation: already reversed")
	ErrInvalidTransition = errors.New("moderation: invalid transition")
	ErrDuplicateReport   = errors.New("moderation: duplicate report")
	ErrReportFrozen      = errors.New("moderation: report frozen")
	ErrImmutable         = errors.New("moderation: immutability violation")
	ErrTransient         = errors.New("moderation: transient failure")
)

// Error carries the details a caller needs to act on a failure.
type Error struct {
	Kind    error
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, code, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Details: details}
}

func validationError(field, message string) *Error {
	return newError(ErrValidation, "VALIDATION_ERROR", message, map[string]any{"field": field})
}

func forbidden(message string) *Error {
	return newError(ErrForbidden, "FORBIDDEN", message, nil)
}

func notFound(entity, id string) *Error {
	return newError(ErrNotFound, "NOT_FOUND", entity+" not found", map[string]any{"id": id})
}

// IsConflict reports whether err means the caller's view of state was stale.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrAlreadyRestricted) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicateReport) ||
		errors.Is(err, ErrReportFrozen)
}

// IsTransient reports whether the operation may succeed if retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
