package recordstore

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by store and query operations. Callers
// discriminate with errors.Is; detail is carried by the typed wrappers
// below and retrieved with errors.As.
var (
	// ErrNotFound is returned for an unknown (type, id) pair, a
	// soft-deleted record on read, or an unknown version.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned by create when the (type, id) pair is
	// already taken, including by a soft-deleted record.
	ErrConflict = errors.New("record id already exists")

	// ErrVersionConflict is returned by update when the caller-supplied
	// expected version does not match the stored version. The caller
	// must re-read and retry; the store never retries on its own.
	ErrVersionConflict = errors.New("record version conflict")

	// ErrBadRequest is returned for a malformed query: unknown
	// parameter name, operator/kind mismatch, or malformed value.
	ErrBadRequest = errors.New("bad request")

	// ErrValidationFailed is returned when the external validator
	// rejects a record body.
	ErrValidationFailed = errors.New("validation failed")

	// ErrStorageUnavailable is returned when the backing store cannot
	// be reached after the storage layer's own retry policy, if any,
	// is exhausted.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// BadRequestError wraps ErrBadRequest with the reason the request was
// rejected.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("bad request: %s", e.Reason)
}

func (e *BadRequestError) Unwrap() error { return ErrBadRequest }

// BadRequestf builds a BadRequestError from a format string.
func BadRequestf(format string, args ...any) error {
	return &BadRequestError{Reason: fmt.Sprintf(format, args...)}
}

// ValidationError wraps ErrValidationFailed with the validator's issues,
// surfaced verbatim to the caller.
type ValidationError struct {
	RecordType string
	Issues     []Issue
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %d issue(s)", e.RecordType, len(e.Issues))
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }
