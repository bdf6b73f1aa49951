// Package apperr holds the error kinds shared by every layer. Services wrap
// these sentinels with fmt.Errorf("%w: ...") and handlers map them to
// transport codes with errors.Is.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation       = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrGone             = errors.New("gone")
	ErrPermission       = errors.New("permission denied")
	ErrTransientStorage = errors.New("storage unavailable")
	ErrDeliveryFailed   = errors.New("delivery failed")
)

// Category is the caller-facing class of an error.
type Category string

const (
	CategoryInvalidInput Category = "invalid_input"
	CategoryNotFound     Category = "not_found"
	CategoryGone         Category = "gone"
	CategoryForbidden    Category = "forbidden"
	CategoryUnavailable  Category = "unavailable"
	CategoryInternal     Category = "internal"
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(what string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}

func Gone(what string) error {
	return fmt.Errorf("%w: %s", ErrGone, what)
}

func Permission(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermission, fmt.Sprintf(format, args...))
}

// Transient wraps a storage driver error so that both the kind and the
// cause stay reachable through errors.Is.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTransientStorage, op, err)
}

// Retryable reports whether an idempotent operation may be retried after err.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrTransientStorage)
}

// CategoryOf classifies err.
func CategoryOf(err error) Category {
	switch {
	case errors.Is(err, ErrValidation):
		return CategoryInvalidInput
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrGone):
		return CategoryGone
	case errors.Is(err, ErrPermission):
		return CategoryForbidden
	case errors.Is(err, ErrTransientStorage),
		errors.Is(err, context.DeadlineExceeded):
		return CategoryUnavailable
	default:
		return CategoryInternal
	}
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch CategoryOf(err) {
	case CategoryInvalidInput:
		return http.StatusBadRequest
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryGone:
		return http.StatusGone
	case CategoryForbidden:
		return http.StatusForbidden
	case CategoryUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text safe to show a client. Internal errors are not
// echoed back.
func PublicMessage(err error) string {
	if CategoryOf(err) == CategoryInternal {
		return "internal error"
	}
	if CategoryOf(err) == CategoryUnavailable {
		return "temporarily unavailable, try again later"
	}
	return err.Error()
}
