package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Constraint names the repository maps onto domain errors.
const (
	constraintIdempotencyKey = "bookings_idempotency_key_uq"
	constraintReference      = "bookings_reference_uq"
)

// Schema is the DDL the repository expects. Production migrations live
// outside this module; tests and local runs apply it with EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS bookings (
	id                  UUID PRIMARY KEY,
	reference           STRING NOT NULL,
	rider_id            STRING NOT NULL,
	driver_id           STRING NOT NULL DEFAULT '',
	route_id            STRING NOT NULL,
	origin_stop_id      STRING NOT NULL,
	destination_stop_id STRING NOT NULL,
	travel_date         DATE NOT NULL,
	departure_at        TIMESTAMPTZ NOT NULL,
	seat_count          INT8 NOT NULL CHECK (seat_count >= 1),
	seat_numbers        INT8[] NOT NULL,
	currency            STRING NOT NULL,
	price_per_seat      DECIMAL NOT NULL CHECK (price_per_seat >= 0),
	platform_fee        DECIMAL NOT NULL CHECK (platform_fee >= 0),
	total_price         DECIMAL NOT NULL CHECK (total_price >= 0),
	status              STRING NOT NULL,
	payment_id          STRING NULL,
	payment_status      STRING NOT NULL,
	cancellation_reason STRING NULL,
	cancelled_at        TIMESTAMPTZ NULL,
	refund_amount       DECIMAL NULL,
	refund_status       STRING NOT NULL,
	idempotency_key     STRING NULL,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	expires_at          TIMESTAMPTZ NULL,
	confirmed_at        TIMESTAMPTZ NULL,
	CONSTRAINT bookings_reference_uq UNIQUE (reference),
	CONSTRAINT bookings_idempotency_key_uq UNIQUE (idempotency_key),
	INDEX bookings_hold_expiry_idx (status, expires_at),
	INDEX bookings_route_date_idx (route_id, travel_date)
);

CREATE TABLE IF NOT EXISTS booking_status_history (
	booking_id  UUID NOT NULL REFERENCES bookings (id),
	seq         INT8 NOT NULL,
	from_status STRING NULL,
	to_status   STRING NOT NULL,
	reason      STRING NOT NULL DEFAULT '',
	at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (booking_id, seq)
);

CREATE TABLE IF NOT EXISTS seat_pools (
	route_id    STRING NOT NULL,
	travel_date DATE NOT NULL,
	capacity    INT8 NOT NULL,
	available   INT8 NOT NULL,
	PRIMARY KEY (route_id, travel_date),
	CONSTRAINT seat_pools_bounds CHECK (available >= 0 AND available <= capacity)
);

CREATE TABLE IF NOT EXISTS outbox (
	id             UUID PRIMARY KEY,
	aggregate_type STRING NOT NULL,
	aggregate_id   UUID NOT NULL,
	event_type     STRING NOT NULL,
	payload_json   JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at   TIMESTAMPTZ NULL,
	status         STRING NOT NULL DEFAULT 'NEW',
	dedupe_key     STRING NOT NULL UNIQUE,
	claimed_until  TIMESTAMPTZ NULL,
	INDEX outbox_status_idx (status, created_at)
);
`

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}
