package crdb

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type OutboxRecord struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Status        string // NEW, PUBLISHED
	DedupeKey     string
}

// InsertOutbox writes a record inside the caller's transaction.
func InsertOutbox(ctx context.Context, tx pgx.Tx, record OutboxRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, status, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, 'NEW', $6)
	`, record.ID, record.AggregateType, record.AggregateID, record.EventType, string(record.Payload), record.DedupeKey)
	return err
}

// ClaimOutbox leases up to limit of the oldest NEW records to the caller for
// lease. Rows locked or leased by another relay are skipped; a lease that
// runs out makes its rows claimable again.
func (r *Repository) ClaimOutbox(ctx context.Context, limit int, lease time.Duration) ([]OutboxRecord, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE outbox SET claimed_until = now() + $2::INT8 * INTERVAL '1 millisecond'
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = 'NEW' AND (claimed_until IS NULL OR claimed_until < now())
			ORDER BY created_at ASC LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_type, aggregate_id, event_type, payload_json::STRING, created_at, published_at, status, dedupe_key
	`, limit, lease.Milliseconds())
	if err != nil {
		return nil, mapErr(err, "claim outbox")
	}
	defer rows.Close()

	var records []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		var payload string
		err := rows.Scan(&rec.ID, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &payload, &rec.CreatedAt, &rec.PublishedAt, &rec.Status, &rec.DedupeKey)
		if err != nil {
			return nil, mapErr(err, "scan outbox")
		}
		rec.Payload = []byte(payload)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err, "read outbox")
	}
	// RETURNING does not keep the subquery order
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	return records, nil
}

func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1 AND status = 'NEW'
	`, id, publishedAt)
	return mapErr(err, "mark outbox published")
}
