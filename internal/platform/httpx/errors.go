// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnavailable is a temporary condition; the same request may succeed
	// after RetryAfterSeconds.
	ErrUnavailable = errors.New("temporarily unavailable")
	// ErrInvariant marks a broken ledger invariant. The request is aborted and
	// nothing is committed.
	ErrInvariant = errors.New("invariant violation")
)

// Violation describes a single failed precondition.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every violated precondition of one request.
type ValidationError struct {
	Violations []Violation
}

// NewValidationError builds a ValidationError from the supplied violations.
func NewValidationError(violations ...Violation) *ValidationError {
	return &ValidationError{Violations: violations}
}

// Add appends a violation.
func (e *ValidationError) Add(field, message string) {
	e.Violations = append(e.Violations, Violation{Field: field, Message: message})
}

// Empty reports whether no violation was collected.
func (e *ValidationError) Empty() bool {
	return e == nil || len(e.Violations) == 0
}

// Err returns nil when no violation was collected.
func (e *ValidationError) Err() error {
	if e.Empty() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// RetryAfterSeconds is advertised with every 503 response.
const RetryAfterSeconds = 2

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		JSON(w, http.StatusBadRequest, ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: err.Error(),
			Errors: verr.Violations,
		})
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, ErrUnavailable):
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
		Problem(w, http.StatusServiceUnavailable, "Service Unavailable", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// LogError records failures that surface as 5xx responses. Client errors are
// expected traffic and are not logged.
func LogError(logger *slog.Logger, r *http.Request, err error) {
	if logger == nil || err == nil {
		return
	}
	if errors.Is(err, ErrInvariant) {
		logger.Error("ledger invariant violated",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		return
	}
	if IsClientError(err) {
		return
	}
	if errors.Is(err, ErrUnavailable) {
		logger.Warn("request deferred", slog.String("path", r.URL.Path), slog.Any("error", err))
		return
	}
	logger.Error("request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
}

// IsClientError reports whether err maps to a 4xx response.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrUnauthorized)
}
