package chat

import "errors"

var (
	// ErrValidation is returned for malformed input (empty body, bad participant set).
	// Callers must not retry without fixing the request.
	ErrValidation = errors.New("validation failed")

	// ErrForbidden is returned when the actor is not an active participant of the
	// conversation (or otherwise not authorized for the operation).
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned for unknown conversation or message ids.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a uniqueness constraint is violated
	// (duplicate participant pair, duplicate conversation for a participant set).
	// Callers should retry the find-or-create as a lookup.
	ErrConflict = errors.New("conflict")

	// ErrStorageUnavailable wraps transient storage failures. Idempotent reads
	// may be retried with backoff; sends are never silently retried without a
	// client message id.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
