package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/ride-bookings/internal/booking"
	"github.com/robertarktes/ride-bookings/internal/domain"
	"github.com/robertarktes/ride-bookings/internal/observability"
	"github.com/robertarktes/ride-bookings/internal/payments"
	"github.com/shopspring/decimal"
)

// BookingService is what the API exposes of booking.Service.
type BookingService interface {
	Create(ctx context.Context, req booking.CreateRequest) (booking.CreateResult, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	Transition(ctx context.Context, id uuid.UUID, to domain.Status, reason string) (*domain.Booking, error)
	InitiatePayment(ctx context.Context, id uuid.UUID, paymentID string) (*domain.Booking, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (decimal.Decimal, error)
	CompleteRefund(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
}

// Check is a readiness probe for one dependency.
type Check func(ctx context.Context) error

type Handlers struct {
	svc     BookingService
	signals *payments.Listener
	checks  map[string]Check
	logger  observability.Logger
}

func NewHandlers(svc BookingService, signals *payments.Listener, checks map[string]Check, logger observability.Logger) *Handlers {
	return &Handlers{svc: svc, signals: signals, checks: checks, logger: logger}
}

type bookingResponse struct {
	ID                 uuid.UUID        `json:"id"`
	Reference          string           `json:"reference"`
	RiderID            string           `json:"rider_id"`
	DriverID           string           `json:"driver_id"`
	RouteID            string           `json:"route_id"`
	OriginStopID       string           `json:"origin_stop_id"`
	DestinationStopID  string           `json:"destination_stop_id"`
	TravelDate         string           `json:"travel_date"`
	DepartureAt        time.Time        `json:"departure_at"`
	SeatCount          int              `json:"seat_count"`
	SeatNumbers        []int            `json:"seat_numbers"`
	Currency           string           `json:"currency"`
	PricePerSeat       decimal.Decimal  `json:"price_per_seat"`
	PlatformFee        decimal.Decimal  `json:"platform_fee"`
	TotalPrice         decimal.Decimal  `json:"total_price"`
	Status             domain.Status    `json:"status"`
	PaymentID          *string          `json:"payment_id,omitempty"`
	PaymentStatus      string           `json:"payment_status"`
	CancellationReason *string          `json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time       `json:"cancelled_at,omitempty"`
	RefundAmount       *decimal.Decimal `json:"refund_amount,omitempty"`
	RefundStatus       string           `json:"refund_status"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	ExpiresAt          *time.Time       `json:"expires_at,omitempty"`
	ConfirmedAt        *time.Time       `json:"confirmed_at,omitempty"`
	Cancellable        bool             `json:"cancellable"`
	Terminal           bool             `json:"terminal"`
}

func toResponse(b *domain.Booking) bookingResponse {
	return bookingResponse{
		ID:                 b.ID,
		Reference:          b.Reference,
		RiderID:            b.RiderID,
		DriverID:           b.DriverID,
		RouteID:            b.RouteID,
		OriginStopID:       b.OriginStopID,
		DestinationStopID:  b.DestinationStopID,
		TravelDate:         domain.DateKey(b.TravelDate),
		DepartureAt:        b.DepartureAt,
		SeatCount:          b.SeatCount,
		SeatNumbers:        b.SeatNumbers,
		Currency:           b.Currency,
		PricePerSeat:       b.PricePerSeat,
		PlatformFee:        b.PlatformFee,
		TotalPrice:         b.TotalPrice,
		Status:             b.Status,
		PaymentID:          b.PaymentID,
		PaymentStatus:      string(b.PaymentStatus),
		CancellationReason: b.CancellationReason,
		CancelledAt:        b.CancelledAt,
		RefundAmount:       b.RefundAmount,
		RefundStatus:       string(b.RefundStatus),
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
		ExpiresAt:          b.ExpiresAt,
		ConfirmedAt:        b.ConfirmedAt,
		Cancellable:        b.Status.IsCancellable(),
		Terminal:           b.Status.IsTerminal(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.Invalid("malformed body: %v", err)
	}
	return nil
}

// decodeOptional accepts an empty body for requests whose fields are all
// optional.
func decodeOptional(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return domain.Invalid("malformed body: %v", err)
	}
	return nil
}

func bookingID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, domain.Invalid("invalid booking id")
	}
	return id, nil
}

func (h *Handlers) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RiderID           string `json:"rider_id"`
		RouteID           string `json:"route_id"`
		OriginStopID      string `json:"origin_stop_id"`
		DestinationStopID string `json:"destination_stop_id"`
		TravelDate        string `json:"travel_date"`
		Seats             int    `json:"seats"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	date, err := domain.ParseTravelDate(req.TravelDate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.svc.Create(r.Context(), booking.CreateRequest{
		RiderID:           req.RiderID,
		RouteID:           req.RouteID,
		OriginStopID:      req.OriginStopID,
		DestinationStopID: req.DestinationStopID,
		TravelDate:        date,
		Seats:             req.Seats,
		IdempotencyKey:    r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
		status = http.StatusOK
	}
	writeJSON(w, status, toResponse(res.Booking))
}

func (h *Handlers) GetBooking(w http.ResponseWriter, r *http.Request) {
	id, err := bookingID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	b, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(b))
}

func (h *Handlers) TransitionBooking(w http.ResponseWriter, r *http.Request) {
	id, err := bookingID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := domain.ParseStatus(req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	b, err := h.svc.Transition(r.Context(), id, to, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(b))
}

func (h *Handlers) CancelBooking(w http.ResponseWriter, r *http.Request) {
	id, err := bookingID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeOptional(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	amount, err := h.svc.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"refund_amount": amount})
}

func (h *Handlers) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	id, err := bookingID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		PaymentID string `json:"payment_id"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.PaymentID == "" {
		h.writeError(w, r, domain.Invalid("payment_id is required"))
		return
	}
	b, err := h.svc.InitiatePayment(r.Context(), id, req.PaymentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(b))
}

func (h *Handlers) CompleteRefund(w http.ResponseWriter, r *http.Request) {
	id, err := bookingID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	b, err := h.svc.CompleteRefund(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(b))
}

func (h *Handlers) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var sig payments.Signal
	if err := decode(r, &sig); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.signals.Dispatch(r.Context(), "", sig); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "unavailable", "failed": failed})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}
