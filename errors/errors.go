package errors

import (
	"errors"
	"fmt"
)

// Category classifies error types for targeted handling and monitoring.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryAdmission  Category = "admission"
	CategoryModel      Category = "model"
	CategoryEncode     Category = "encode"
	CategoryStorage    Category = "storage"
	CategoryExternal   Category = "external"
	CategoryInternal   Category = "internal"
)

// ServeError is the structured error type used throughout the module.
type ServeError struct {
	Category  Category
	Op        string // operation name
	Err       error
	Retryable bool
}

func (e *ServeError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

func (e *ServeError) Unwrap() error { return e.Err }

// New creates a non-retryable ServeError.
func New(category Category, op string, err error) *ServeError {
	return &ServeError{Category: category, Op: op, Err: err}
}

// Newf creates a non-retryable ServeError from a format string.
func Newf(category Category, op string, format string, args ...interface{}) *ServeError {
	return &ServeError{Category: category, Op: op, Err: fmt.Errorf(format, args...)}
}

// Transient creates a retryable ServeError.
func Transient(op string, err error) *ServeError {
	return &ServeError{Category: CategoryExternal, Op: op, Err: err, Retryable: true}
}

// Wrap wraps an existing error with context.
func Wrap(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(category, op, err)
}

// IsRetryable reports whether err represents a transient failure.
func IsRetryable(err error) bool {
	var se *ServeError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsCategory reports whether err belongs to the given category.
func IsCategory(err error, cat Category) bool {
	var se *ServeError
	if errors.As(err, &se) {
		return se.Category == cat
	}
	return false
}

// Sentinel errors for common failure modes.
var (
	ErrRequestTooLarge = errors.New("request exceeds VRAM limits")
	ErrNotFound        = errors.New("not found")
	ErrPoolNotReady    = errors.New("worker pool not ready")
	ErrStreamClosed    = errors.New("client stream closed")
	ErrEmptyInput      = errors.New("empty input")
	ErrShuttingDown    = errors.New("server shutting down")
)
