package relaygraph

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrAccessDenied         = errors.New("access denied")
	ErrConfirmationRequired = errors.New("confirmation required")
	ErrUnavailable          = errors.New("graph store unavailable")
	ErrConflict             = errors.New("content conflict")
	// ErrStaleWrite is returned by conditional store writes when the stored
	// content hash no longer matches the expected one.
	ErrStaleWrite    = errors.New("stale write")
	ErrUnknownAction = fmt.Errorf("%w: unknown repair action", ErrInvalidInput)
)

// ConflictError carries enough state for the caller to re-fetch and retry
// with an explicit strategy.
type ConflictError struct {
	CurrentHash    string
	IncomingHash   string
	BaselineHash   string
	LastModifiedBy string
	LastModifiedAt time.Time
}

func (e *ConflictError) Error() string {
	return "content conflict"
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Code maps an error onto the stable code string reported to callers.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "bad_request"
	case errors.Is(err, ErrAccessDenied):
		return "forbidden"
	case errors.Is(err, ErrConfirmationRequired):
		return "confirmation_required"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal_error"
	}
}

// invalidf wraps ErrInvalidInput with a caller-facing message.
func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
