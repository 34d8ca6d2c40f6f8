package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"modledger/api/internal/auth"
	"modledger/api/internal/moderation"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// statusFor maps a moderation sentinel to its HTTP status.
func statusFor(kind error) (int, string, string, bool) {
	switch {
	case errors.Is(kind, moderation.ErrInvalidReason):
		return http.StatusUnprocessableEntity, "INVALID_REASON", "Invalid report reason", true
	case errors.Is(kind, moderation.ErrValidation):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Validation failed", true
	case errors.Is(kind, moderation.ErrUnauthenticated):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", true
	case errors.Is(kind, moderation.ErrImmutable):
		// Never say which guard tripped; the security log has the details.
		return http.StatusForbidden, "IMMUTABLE", "This record can no longer be modified", true
	case errors.Is(kind, moderation.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", true
	case errors.Is(kind, moderation.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", true
	case errors.Is(kind, moderation.ErrAlreadyRestricted):
		return http.StatusConflict, "ALREADY_RESTRICTED", "User already has an active restriction of this kind", true
	case errors.Is(kind, moderation.ErrAlreadyReversed):
		return http.StatusConflict, "ALREADY_REVERSED", "Action is already reversed", true
	case errors.Is(kind, moderation.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION", "Invalid status transition", true
	case errors.Is(kind, moderation.ErrDuplicateReport):
		return http.StatusConflict, "DUPLICATE_REPORT", "A pending report for this target already exists", true
	case errors.Is(kind, moderation.ErrReportFrozen):
		return http.StatusConflict, "REPORT_FROZEN", "Report is frozen", true
	case errors.Is(kind, moderation.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Conflict", true
	case errors.Is(kind, moderation.ErrTransient):
		return http.StatusServiceUnavailable, "UNAVAILABLE", "Temporarily unavailable, retry later", true
	}
	return 0, "", "", false
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var modErr *moderation.Error
	if errors.As(err, &modErr) {
		status, code, message, _ = statusFor(modErr.Kind)
		if status == 0 {
			return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
		}
		if errors.Is(modErr.Kind, moderation.ErrImmutable) {
			return status, code, message, nil
		}
		if modErr.Code != "" {
			code = modErr.Code
		}
		if modErr.Message != "" {
			message = modErr.Message
		}
		if modErr.Details != nil {
			details = modErr.Details
		}
		return status, code, message, details
	}
	if status, code, message, ok := statusFor(err); ok {
		return status, code, message, nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code, httpCode(httpErr.Code), http.StatusText(httpErr.Code), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func httpCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_BODY"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	}
	return "HTTP_ERROR"
}
