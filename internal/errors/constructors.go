package errors

import "fmt"

// Validation creates a validation error for a single field.
func Validation(field, reason string) *Error {
	return New(ErrCodeValidation, fmt.Sprintf("invalid %s: %s", field, reason)).
		WithDetail("field", field)
}

// StoreUnavailable wraps a connectivity or timeout failure of the authoritative store.
func StoreUnavailable(op string, err error) *Error {
	return Wrap(err, ErrCodeStoreUnavailable, fmt.Sprintf("store unavailable during %s", op)).
		WithDetail("op", op)
}

// NotFound creates an error for a missing entity.
func NotFound(kind, id string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("%s '%s' not found", kind, id)).
		WithDetail("kind", kind).
		WithDetail("id", id)
}

// PartialIngestion reports that eventID was stored but a later step failed.
func PartialIngestion(eventID, step string, err error) *Error {
	return Wrap(err, ErrCodePartialIngestion,
		fmt.Sprintf("event %s stored but %s failed", eventID, step)).
		WithDetail("eventId", eventID).
		WithDetail("step", step)
}

// ConflictIgnored describes a lifecycle operation that changed nothing.
func ConflictIgnored(reason string) *Error {
	return New(ErrCodeConflictIgnored, reason)
}

// Internal wraps an unexpected failure.
func Internal(op string, err error) *Error {
	return Wrap(err, ErrCodeInternal, fmt.Sprintf("%s failed", op))
}
