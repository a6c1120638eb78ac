// Package apperr holds the error taxonomy shared by the settlement core and
// its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrConflict               = errors.New("conflict")
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrPaymentProcessor       = errors.New("payment processor error")
	ErrPaymentRequired        = errors.New("payment capture failed")
	ErrConfiguration          = errors.New("configuration error")
	ErrForbidden              = errors.New("forbidden")
	ErrUnauthorized           = errors.New("unauthorized")
)

// Validation wraps ErrValidation with a client-facing message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func NotFound(what string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}

func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

func Unauthorized(reason string) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, reason)
}

func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// TransitionError describes a rejected lifecycle transition.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// ProcessorError is returned by the escrow processor client. Retryable marks
// transient failures (network, 5xx, rate limiting) as opposed to declines.
type ProcessorError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor %s: %v", e.Op, e.Err)
}

func (e *ProcessorError) Unwrap() []error { return []error{ErrPaymentProcessor, e.Err} }

// IsRetryable reports whether err is a transient processor failure.
func IsRetryable(err error) bool {
	var pe *ProcessorError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// HTTPStatus maps an error from the core to a response status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, ErrPaymentRequired):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrPaymentProcessor):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text safe to show a client. Internal errors are
// collapsed so storage details do not leak.
func PublicMessage(err error) string {
	if HTTPStatus(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
