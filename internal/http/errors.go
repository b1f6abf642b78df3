package http

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ride-bookings/internal/domain"
	"github.com/robertarktes/ride-bookings/internal/observability"
	"github.com/robertarktes/ride-bookings/internal/payments"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps an error to an HTTP status, a stable code and whether the
// client should retry after a second.
func statusFor(err error) (int, string, bool) {
	switch {
	case errors.IsAny(err, domain.ErrInvalidRequest, payments.ErrMalformed):
		return http.StatusBadRequest, "invalid_request", false
	case errors.Is(err, domain.ErrBookingNotFound):
		return http.StatusNotFound, "booking_not_found", false
	case errors.Is(err, domain.ErrRouteNotFound):
		return http.StatusNotFound, "route_not_found", false
	case errors.Is(err, domain.ErrInsufficientSeats):
		return http.StatusConflict, "insufficient_seats", false
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", false
	case errors.Is(err, domain.ErrIdempotencyKeyConflict):
		return http.StatusConflict, "idempotency_key_conflict", false
	case errors.Is(err, domain.ErrHoldActive):
		return http.StatusConflict, "hold_active", false
	case errors.Is(err, domain.ErrIdempotencyInProgress):
		return http.StatusServiceUnavailable, "idempotency_in_progress", true
	case errors.IsAny(err, domain.ErrLockTimeout, domain.ErrSerializationFailure):
		return http.StatusServiceUnavailable, "busy", true
	case errors.Is(err, domain.ErrLockUnavailable):
		return http.StatusServiceUnavailable, "lock_unavailable", false
	default:
		return http.StatusInternalServerError, "internal", false
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, retry := statusFor(err)
	log := observability.LoggerFrom(r.Context(), h.logger).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		log.Error("request failed")
	} else {
		log.Debug("request rejected")
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	if retry {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}
