package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Each one is a sentinel that callers match with errors.Is.
var (
	ErrValidation          = errors.New("validation_error")
	ErrInsufficientStock   = errors.New("insufficient_stock")
	ErrOverReturn          = errors.New("over_return")
	ErrItemNotFound        = errors.New("item_not_found")
	ErrAllocationNotFound  = errors.New("allocation_not_found")
	ErrConcurrencyConflict = errors.New("concurrency_conflict")
	ErrClosedJob           = errors.New("closed_job")
	ErrStorageUnavailable  = errors.New("storage_unavailable")
)

var kinds = []error{
	ErrValidation,
	ErrInsufficientStock,
	ErrOverReturn,
	ErrItemNotFound,
	ErrAllocationNotFound,
	ErrConcurrencyConflict,
	ErrClosedJob,
	ErrStorageUnavailable,
}

// Error pairs a kind with a message that is safe to show to callers.
type Error struct {
	Kind    error
	Message string
}

func NewError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.Kind.Error() + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// KindOf returns the machine-readable kind of err, or "internal" when err
// does not carry one of the known kinds.
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "internal"
}

// SafeMessage returns the caller-facing message for err. Errors that did
// not originate as *Error get a generic message.
func SafeMessage(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "internal error"
}

// IsPermanent reports whether err is a domain rejection that must not be
// retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrOverReturn) ||
		errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrAllocationNotFound) ||
		errors.Is(err, ErrClosedJob)
}
