package domain

import "github.com/cockroachdb/errors"

var (
	// Business errors. Never retried automatically.
	ErrInsufficientSeats      = errors.New("insufficient seats")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrIdempotencyKeyConflict = errors.New("idempotency key belongs to another request")
	ErrBookingNotFound        = errors.New("booking not found")
	ErrRouteNotFound          = errors.New("route not found")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrHoldActive             = errors.New("hold has not expired")

	// Transient errors. Callers may retry with backoff.
	ErrLockTimeout           = errors.New("seat pool lock timeout")
	ErrLockUnavailable       = errors.New("seat pool lock service unavailable")
	ErrIdempotencyInProgress = errors.New("request with this idempotency key is in progress")
	ErrPersistence           = errors.New("persistence failure")
	ErrSerializationFailure  = errors.New("serialization failure")

	// Adapter-level outcomes interpreted by the booking service.
	ErrStatusConflict          = errors.New("booking status changed concurrently")
	ErrSeatConflict            = errors.New("seat pool adjustment out of range")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrDuplicateReference      = errors.New("duplicate booking reference")
)

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	return errors.IsAny(err,
		ErrLockTimeout,
		ErrLockUnavailable,
		ErrIdempotencyInProgress,
		ErrPersistence,
		ErrSerializationFailure,
	)
}

// Invalid wraps ErrInvalidRequest with a field-specific message.
func Invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidRequest, format, args...)
}
