package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ride-bookings/internal/adapters/memory"
	"github.com/robertarktes/ride-bookings/internal/booking"
	"github.com/robertarktes/ride-bookings/internal/domain"
	"github.com/robertarktes/ride-bookings/internal/idempotency"
	"github.com/robertarktes/ride-bookings/internal/lock"
	"github.com/robertarktes/ride-bookings/internal/observability"
	"github.com/robertarktes/ride-bookings/internal/payments"
	"github.com/robertarktes/ride-bookings/internal/rateLimit"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type server struct {
	t      *testing.T
	router http.Handler
	date   string
}

func newServer(t *testing.T, capacity int, checks map[string]Check) *server {
	t.Helper()
	route := domain.Route{
		ID:            "route-http",
		DriverID:      "driver-1",
		Stops:         []string{"north", "centre", "south"},
		SeatCapacity:  capacity,
		PricePerSeat:  decimal.RequireFromString("5.00"),
		PlatformFee:   decimal.RequireFromString("0.25"),
		Currency:      "USD",
		DepartureTime: "23:59",
		TimeZone:      "UTC",
	}
	logger := observability.NewNopLogger()
	svc := booking.NewService(booking.Deps{
		Store:     memory.NewStore(),
		Inventory: memory.NewInventory(),
		Catalog:   memory.NewCatalog(route),
		Locker:    lock.NewLocal(),
		Guard:     idempotency.NewGuard(idempotency.NewMemoryBackend(), time.Hour, 100*time.Millisecond),
		Logger:    logger,
	}, booking.DefaultConfig())

	h := NewHandlers(svc, payments.NewListener(svc, logger), checks, logger)
	return &server{
		t:      t,
		router: SetupRouter(h, logger, nil),
		date:   domain.DateKey(time.Now().UTC().Add(72 * time.Hour)),
	}
}

func (s *server) do(method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *server) create(rider string, seats int, headers ...string) *httptest.ResponseRecorder {
	return s.do(http.MethodPost, "/v1/bookings", map[string]interface{}{
		"rider_id":            rider,
		"route_id":            "route-http",
		"origin_stop_id":      "north",
		"destination_stop_id": "south",
		"travel_date":         s.date,
		"seats":               seats,
	}, headers...)
}

func decodeBooking(t *testing.T, rec *httptest.ResponseRecorder) bookingResponse {
	t.Helper()
	var b bookingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	return b
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var e errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestCreateAndGetBooking(t *testing.T) {
	s := newServer(t, 4, nil)

	rec := s.create("rider-1", 2)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBooking(t, rec)
	assert.Equal(t, domain.StatusHeld, created.Status)
	assert.Equal(t, []int{1, 2}, created.SeatNumbers)
	assert.True(t, decimal.RequireFromString("10.25").Equal(created.TotalPrice))
	assert.NotNil(t, created.ExpiresAt)
	assert.True(t, created.Cancellable)

	rec = s.do(http.MethodGet, "/v1/bookings/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.Reference, decodeBooking(t, rec).Reference)
}

func TestCreateBooking_IdempotentReplay(t *testing.T) {
	s := newServer(t, 4, nil)

	first := s.create("rider-1", 1, "Idempotency-Key", "http-key-0001")
	require.Equal(t, http.StatusCreated, first.Code)
	second := s.create("rider-1", 1, "Idempotency-Key", "http-key-0001")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, decodeBooking(t, first).ID, decodeBooking(t, second).ID)

	other := s.create("rider-2", 1, "Idempotency-Key", "http-key-0001")
	assert.Equal(t, http.StatusConflict, other.Code)
	assert.Equal(t, "idempotency_key_conflict", decodeError(t, other).Error)
}

func TestCreateBooking_Errors(t *testing.T) {
	s := newServer(t, 1, nil)

	rec := s.do(http.MethodPost, "/v1/bookings", map[string]interface{}{"rider_id": "r", "travel_date": "tomorrow"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.create("rider-1", 2)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_seats", decodeError(t, rec).Error)

	rec = s.create("rider-1", 1, "Idempotency-Key", "short")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/v1/bookings/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/v1/bookings/6f1c1a52-4a43-4d43-9d4c-3a1f1f3a2b11", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentFlowOverHTTP(t *testing.T) {
	s := newServer(t, 4, nil)
	b := decodeBooking(t, s.create("rider-1", 1))
	base := "/v1/bookings/" + b.ID.String()

	rec := s.do(http.MethodPost, base+"/payments", map[string]string{"payment_id": "pay-9"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StatusPaymentInitiated, decodeBooking(t, rec).Status)

	rec = s.do(http.MethodPost, "/v1/payments/callback", map[string]string{
		"booking_id": b.ID.String(),
		"payment_id": "pay-9",
		"status":     payments.StatusSucceeded,
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	got := decodeBooking(t, s.do(http.MethodGet, base, nil))
	assert.Equal(t, domain.StatusConfirmed, got.Status)
	assert.Equal(t, "SUCCEEDED", got.PaymentStatus)

	rec = s.do(http.MethodPost, base+"/transitions", map[string]string{"status": "CHECKED_IN"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(http.MethodPost, base+"/transitions", map[string]string{"status": "HELD"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = s.do(http.MethodPost, base+"/transitions", map[string]string{"status": "NOPE"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelOverHTTP(t *testing.T) {
	s := newServer(t, 2, nil)
	b := decodeBooking(t, s.create("rider-1", 2))
	base := "/v1/bookings/" + b.ID.String()

	rec := s.do(http.MethodPost, base+"/cancel", map[string]string{"reason": "plans changed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		RefundAmount decimal.Decimal `json:"refund_amount"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out.RefundAmount.IsZero())

	// seats are back
	assert.Equal(t, http.StatusCreated, s.create("rider-2", 2).Code)

	rec = s.do(http.MethodPost, base+"/cancel", map[string]string{"reason": "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, base+"/refund/complete", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "nothing to refund on an unpaid booking")
}

func TestCancelOverHTTP_EmptyBody(t *testing.T) {
	s := newServer(t, 1, nil)
	b := decodeBooking(t, s.create("rider-1", 1))
	base := "/v1/bookings/" + b.ID.String()

	rec := s.do(http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StatusCancelled, decodeBooking(t, rec).Status)

	rec = s.do(http.MethodPost, base+"/cancel", map[string]string{"why": "unknown field"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentCallback_Malformed(t *testing.T) {
	s := newServer(t, 1, nil)
	rec := s.do(http.MethodPost, "/v1/payments/callback", map[string]string{"status": "SUCCEEDED"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadyz(t *testing.T) {
	s := newServer(t, 1, map[string]Check{"crdb": func(context.Context) error { return nil }})
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/readyz", nil).Code)

	s = newServer(t, 1, map[string]Check{"redis": func(context.Context) error { return errors.New("down") }})
	rec := s.do(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
}

type denyAll struct{}

func (denyAll) IncrWindow(context.Context, string, time.Duration) (int64, error) { return 1 << 20, nil }

func TestRateLimit(t *testing.T) {
	s := newServer(t, 1, nil)
	rl := rateLimit.NewRateLimiter(denyAll{}, 5, time.Minute, observability.NewNopLogger())
	s.router = SetupRouter(NewHandlers(nil, nil, nil, observability.NewNopLogger()), observability.NewNopLogger(), rl)

	rec := s.do(http.MethodGet, "/v1/bookings/6f1c1a52-4a43-4d43-9d4c-3a1f1f3a2b11", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", nil).Code, "probes bypass the limiter")
}

func TestStatusFor(t *testing.T) {
	status, _, retry := statusFor(domain.ErrLockTimeout)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.True(t, retry)

	status, _, retry = statusFor(domain.ErrIdempotencyInProgress)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.True(t, retry)

	status, _, _ = statusFor(domain.ErrPersistence)
	assert.Equal(t, http.StatusInternalServerError, status)

	status, _, _ = statusFor(domain.ErrRouteNotFound)
	assert.Equal(t, http.StatusNotFound, status)
}
