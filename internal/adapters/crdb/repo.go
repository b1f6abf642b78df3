package crdb

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ride-bookings/internal/domain"
	"github.com/robertarktes/ride-bookings/internal/observability"
	"github.com/shopspring/decimal"
)

const (
	SerializationFailureCode = "40001"
	UniqueViolationCode      = "23505"

	maxTxAttempts = 3
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Ping checks connectivity for readiness probes.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx runs fn in a SERIALIZABLE transaction, retrying serialization
// failures a few times before giving up with domain.ErrSerializationFailure.
func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	defer func() { observability.DBTxDuration.Observe(time.Since(start).Seconds()) }()

	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = r.tryTx(ctx, fn)
		if !errors.Is(err, domain.ErrSerializationFailure) {
			return err
		}
	}
	return err
}

func (r *Repository) tryTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return mapErr(err, "begin tx")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return mapErr(err, "set isolation")
	}

	if err := fn(tx); err != nil {
		return mapErr(err, "tx")
	}
	return mapErr(tx.Commit(ctx), "commit")
}

// mapErr translates driver errors into domain errors. Errors that already
// carry a domain meaning pass through.
func mapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.IsAny(err,
		domain.ErrSerializationFailure, domain.ErrStatusConflict, domain.ErrBookingNotFound,
		domain.ErrDuplicateIdempotencyKey, domain.ErrDuplicateReference, domain.ErrSeatConflict,
		domain.ErrPersistence,
	) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case SerializationFailureCode:
			return errors.Wrap(domain.ErrSerializationFailure, op)
		case UniqueViolationCode:
			name := pgErr.ConstraintName
			switch {
			case name == constraintIdempotencyKey || strings.Contains(pgErr.Message, constraintIdempotencyKey):
				return domain.ErrDuplicateIdempotencyKey
			case name == constraintReference || strings.Contains(pgErr.Message, constraintReference):
				return domain.ErrDuplicateReference
			}
		}
	}
	return errors.Mark(errors.Wrap(err, op), domain.ErrPersistence)
}

const bookingColumns = `
	id, reference, rider_id, driver_id, route_id, origin_stop_id, destination_stop_id,
	travel_date, departure_at, seat_count, seat_numbers, currency,
	price_per_seat::STRING, platform_fee::STRING, total_price::STRING,
	status, payment_id, payment_status, cancellation_reason, cancelled_at,
	refund_amount::STRING, refund_status, idempotency_key,
	created_at, updated_at, expires_at, confirmed_at`

// Create inserts a booking with its history and a creation outbox event.
func (r *Repository) Create(ctx context.Context, b *domain.Booking) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO bookings (
				id, reference, rider_id, driver_id, route_id, origin_stop_id, destination_stop_id,
				travel_date, departure_at, seat_count, seat_numbers, currency,
				price_per_seat, platform_fee, total_price,
				status, payment_id, payment_status, cancellation_reason, cancelled_at,
				refund_amount, refund_status, idempotency_key,
				created_at, updated_at, expires_at, confirmed_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7,
				$8, $9, $10, $11, $12,
				$13::DECIMAL, $14::DECIMAL, $15::DECIMAL,
				$16, $17, $18, $19, $20,
				$21::DECIMAL, $22, $23,
				$24, $25, $26, $27
			)
		`,
			b.ID, b.Reference, b.RiderID, b.DriverID, b.RouteID, b.OriginStopID, b.DestinationStopID,
			b.TravelDate, b.DepartureAt, b.SeatCount, seatsToDB(b.SeatNumbers), b.Currency,
			b.PricePerSeat.String(), b.PlatformFee.String(), b.TotalPrice.String(),
			string(b.Status), b.PaymentID, string(b.PaymentStatus), b.CancellationReason, b.CancelledAt,
			decimalToDB(b.RefundAmount), string(b.RefundStatus), b.IdempotencyKey,
			b.CreatedAt, b.UpdatedAt, b.ExpiresAt, b.ConfirmedAt,
		)
		if err != nil {
			return err
		}
		for i, h := range b.History {
			if err := insertHistory(ctx, tx, b.ID, i, h); err != nil {
				return err
			}
		}
		return insertBookingEvent(ctx, tx, b)
	})
}

// UpdateStatus writes b if the stored status is still expected, appending
// b's newest history entry and an outbox event in the same transaction.
func (r *Repository) UpdateStatus(ctx context.Context, b *domain.Booking, expected domain.Status) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE bookings SET
				status = $3, payment_id = $4, payment_status = $5,
				cancellation_reason = $6, cancelled_at = $7,
				refund_amount = $8::DECIMAL, refund_status = $9,
				updated_at = $10, expires_at = $11, confirmed_at = $12
			WHERE id = $1 AND status = $2
		`,
			b.ID, string(expected), string(b.Status), b.PaymentID, string(b.PaymentStatus),
			b.CancellationReason, b.CancelledAt,
			decimalToDB(b.RefundAmount), string(b.RefundStatus),
			b.UpdatedAt, b.ExpiresAt, b.ConfirmedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var current string
			err := tx.QueryRow(ctx, `SELECT status FROM bookings WHERE id = $1`, b.ID).Scan(&current)
			if errors.Is(err, pgx.ErrNoRows) {
				return errors.Wrapf(domain.ErrBookingNotFound, "booking %s", b.ID)
			}
			if err != nil {
				return err
			}
			return errors.Wrapf(domain.ErrStatusConflict, "booking %s is %s, expected %s", b.ID, current, expected)
		}

		if len(b.History) > 0 {
			last := len(b.History) - 1
			if err := insertHistory(ctx, tx, b.ID, last, b.History[last]); err != nil {
				return err
			}
		}
		return insertBookingEvent(ctx, tx, b)
	})
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	b, err := scanBooking(r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrBookingNotFound, "booking %s", id)
	}
	if err != nil {
		return nil, mapErr(err, "get booking")
	}

	rows, err := r.pool.Query(ctx, `
		SELECT from_status, to_status, reason, at
		FROM booking_status_history WHERE booking_id = $1 ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, mapErr(err, "get booking history")
	}
	defer rows.Close()

	for rows.Next() {
		var from *string
		var h domain.StatusChange
		var to string
		if err := rows.Scan(&from, &to, &h.Reason, &h.At); err != nil {
			return nil, mapErr(err, "scan booking history")
		}
		if from != nil {
			h.From = domain.Status(*from)
		}
		h.To = domain.Status(to)
		b.History = append(b.History, h)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err, "read booking history")
	}
	return b, nil
}

func (r *Repository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Booking, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT id FROM bookings WHERE idempotency_key = $1`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrBookingNotFound, "idempotency key %q", key)
	}
	if err != nil {
		return nil, mapErr(err, "get booking by idempotency key")
	}
	return r.Get(ctx, id)
}

func (r *Repository) OccupiedSeatNumbers(ctx context.Context, routeID string, travelDate time.Time) ([]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT seat_numbers FROM bookings
		WHERE route_id = $1 AND travel_date = $2 AND status = ANY($3)
	`, routeID, domain.TravelDate(travelDate), statusStrings(domain.OccupyingStatuses()))
	if err != nil {
		return nil, mapErr(err, "occupied seats")
	}
	defer rows.Close()

	var seats []int
	for rows.Next() {
		var nums []int64
		if err := rows.Scan(&nums); err != nil {
			return nil, mapErr(err, "scan occupied seats")
		}
		seats = append(seats, seatsFromDB(nums)...)
	}
	return seats, mapErr(rows.Err(), "read occupied seats")
}

func (r *Repository) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM bookings
		WHERE status = ANY($1) AND expires_at < $2
		ORDER BY expires_at ASC LIMIT $3
	`, statusStrings(domain.HoldStatuses()), now, limit)
	if err != nil {
		return nil, mapErr(err, "list expired holds")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr(err, "scan expired hold")
		}
		ids = append(ids, id)
	}
	return ids, mapErr(rows.Err(), "read expired holds")
}

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var (
		b                                 domain.Booking
		seats                             []int64
		price, fee, total                 string
		status, paymentStatus, refundStat string
		refund                            *string
	)
	err := row.Scan(
		&b.ID, &b.Reference, &b.RiderID, &b.DriverID, &b.RouteID, &b.OriginStopID, &b.DestinationStopID,
		&b.TravelDate, &b.DepartureAt, &b.SeatCount, &seats, &b.Currency,
		&price, &fee, &total,
		&status, &b.PaymentID, &paymentStatus, &b.CancellationReason, &b.CancelledAt,
		&refund, &refundStat, &b.IdempotencyKey,
		&b.CreatedAt, &b.UpdatedAt, &b.ExpiresAt, &b.ConfirmedAt,
	)
	if err != nil {
		return nil, err
	}

	b.SeatNumbers = seatsFromDB(seats)
	b.Status = domain.Status(status)
	b.PaymentStatus = domain.PaymentStatus(paymentStatus)
	b.RefundStatus = domain.RefundStatus(refundStat)
	b.TravelDate = domain.TravelDate(b.TravelDate)
	if b.PricePerSeat, err = decimal.NewFromString(price); err != nil {
		return nil, errors.Wrap(err, "price_per_seat")
	}
	if b.PlatformFee, err = decimal.NewFromString(fee); err != nil {
		return nil, errors.Wrap(err, "platform_fee")
	}
	if b.TotalPrice, err = decimal.NewFromString(total); err != nil {
		return nil, errors.Wrap(err, "total_price")
	}
	if refund != nil {
		amount, err := decimal.NewFromString(*refund)
		if err != nil {
			return nil, errors.Wrap(err, "refund_amount")
		}
		b.RefundAmount = &amount
	}
	return &b, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, id uuid.UUID, seq int, h domain.StatusChange) error {
	var from *string
	if h.From != "" {
		f := string(h.From)
		from = &f
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO booking_status_history (booking_id, seq, from_status, to_status, reason, at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, seq, from, string(h.To), h.Reason, h.At)
	return err
}

// BookingEvent is the outbox payload for every booking status change.
type BookingEvent struct {
	BookingID    uuid.UUID        `json:"booking_id"`
	Reference    string           `json:"reference"`
	RiderID      string           `json:"rider_id"`
	RouteID      string           `json:"route_id"`
	TravelDate   string           `json:"travel_date"`
	From         string           `json:"from,omitempty"`
	Status       string           `json:"status"`
	Reason       string           `json:"reason,omitempty"`
	SeatNumbers  []int            `json:"seat_numbers"`
	RefundAmount *decimal.Decimal `json:"refund_amount,omitempty"`
	At           time.Time        `json:"at"`
}

func insertBookingEvent(ctx context.Context, tx pgx.Tx, b *domain.Booking) error {
	last := b.LastChange()
	payload, err := json.Marshal(BookingEvent{
		BookingID:    b.ID,
		Reference:    b.Reference,
		RiderID:      b.RiderID,
		RouteID:      b.RouteID,
		TravelDate:   domain.DateKey(b.TravelDate),
		From:         string(last.From),
		Status:       string(b.Status),
		Reason:       last.Reason,
		SeatNumbers:  b.SeatNumbers,
		RefundAmount: b.RefundAmount,
		At:           b.UpdatedAt,
	})
	if err != nil {
		return errors.Wrap(err, "marshal booking event")
	}
	return InsertOutbox(ctx, tx, OutboxRecord{
		ID:            uuid.New(),
		AggregateType: "booking",
		AggregateID:   b.ID,
		EventType:     "booking." + strings.ToLower(string(b.Status)),
		Payload:       payload,
		DedupeKey:     b.ID.String() + ":" + string(b.Status) + ":" + b.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func seatsToDB(seats []int) []int64 {
	out := make([]int64, len(seats))
	for i, s := range seats {
		out[i] = int64(s)
	}
	return out
}

func seatsFromDB(seats []int64) []int {
	out := make([]int, len(seats))
	for i, s := range seats {
		out[i] = int(s)
	}
	return out
}

func decimalToDB(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func statusStrings(statuses []domain.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
