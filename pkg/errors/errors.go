package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error code
type ErrorCode int

// Category drives the orchestrator's retry-vs-compensate decision.
type Category int

const (
	// CategoryValidation rejects malformed input before any saga starts.
	CategoryValidation Category = iota
	// CategoryBusiness is a downstream decline (insufficient funds, fraud
	// block). Fatal to the saga: compensate, never retry.
	CategoryBusiness
	// CategoryTransient is a broker/network failure, retried with backoff.
	CategoryTransient
	// CategoryConflict is an optimistic-version mismatch. Re-read and retry,
	// never surfaced to the caller as a business error.
	CategoryConflict
	// CategoryCompensation marks a rollback step that itself failed.
	CategoryCompensation
	// CategoryInternal is everything else.
	CategoryInternal
)

// AppError represents an application error
type AppError struct {
	Code     ErrorCode `json:"code"`
	Category Category  `json:"-"`
	Message  string    `json:"message"`
	Err      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrBadRequest
	ErrConflict
	ErrInternal
	ErrBusinessRejected
	ErrTransient
	ErrCompensationFailed
	ErrInFlight
	ErrKeyReuse
)

func NewNotFound(resource string, err error) *AppError {
	return &AppError{
		Code:     ErrNotFound,
		Category: CategoryValidation,
		Message:  fmt.Sprintf("%s not found", resource),
		Err:      err,
	}
}

func NewBadRequest(message string, err error) *AppError {
	return &AppError{
		Code:     ErrBadRequest,
		Category: CategoryValidation,
		Message:  message,
		Err:      err,
	}
}

func NewInternal(err error) *AppError {
	return &AppError{
		Code:     ErrInternal,
		Category: CategoryInternal,
		Message:  "internal server error",
		Err:      err,
	}
}

// NewBusiness wraps a downstream decline. The orchestrator compensates on
// these instead of retrying.
func NewBusiness(message string, err error) *AppError {
	return &AppError{
		Code:     ErrBusinessRejected,
		Category: CategoryBusiness,
		Message:  message,
		Err:      err,
	}
}

// NewTransient wraps an infrastructure failure that is safe to retry.
func NewTransient(message string, err error) *AppError {
	return &AppError{
		Code:     ErrTransient,
		Category: CategoryTransient,
		Message:  message,
		Err:      err,
	}
}

// NewConflict wraps an optimistic-concurrency version mismatch.
func NewConflict(resource string, err error) *AppError {
	return &AppError{
		Code:     ErrConflict,
		Category: CategoryConflict,
		Message:  fmt.Sprintf("%s version conflict", resource),
		Err:      err,
	}
}

// NewCompensationFailed marks a rollback step that errored. Terminal for the
// saga; requires operator intervention.
func NewCompensationFailed(step string, err error) *AppError {
	return &AppError{
		Code:     ErrCompensationFailed,
		Category: CategoryCompensation,
		Message:  fmt.Sprintf("compensation %q failed", step),
		Err:      err,
	}
}

// IsRetryable reports whether err is a transient infrastructure failure.
func IsRetryable(err error) bool {
	return categoryOf(err) == CategoryTransient
}

// IsConflict reports whether err is an optimistic-concurrency conflict.
func IsConflict(err error) bool {
	return categoryOf(err) == CategoryConflict
}

// IsBusiness reports whether err is a downstream business rejection.
func IsBusiness(err error) bool {
	return categoryOf(err) == CategoryBusiness
}

func categoryOf(err error) Category {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Category
	}
	return CategoryInternal
}
