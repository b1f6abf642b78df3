package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ride-bookings/internal/audit"
	"github.com/robertarktes/ride-bookings/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AuditLogger is an audit.Sink backed by the "audit_logs" collection.
type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID        string    `bson:"_id"`
	EventType string    `bson:"event_type"`
	BookingID string    `bson:"booking_id"`
	Actor     string    `bson:"actor"`
	Outcome   string    `bson:"outcome"`
	From      string    `bson:"from,omitempty"`
	To        string    `bson:"to,omitempty"`
	Reason    string    `bson:"reason,omitempty"`
	Error     string    `bson:"error,omitempty"`
	Timestamp time.Time `bson:"timestamp"`
}

func (a *AuditLogger) Write(ctx context.Context, r audit.Record) error {
	log := AuditLog{
		ID:        uuid.NewString(),
		EventType: r.EventType,
		BookingID: r.BookingID.String(),
		Actor:     r.Actor,
		Outcome:   r.Outcome,
		From:      r.From,
		To:        r.To,
		Reason:    r.Reason,
		Error:     r.Error,
		Timestamp: r.At,
	}
	_, err := a.coll.InsertOne(ctx, log)
	if err != nil {
		a.logger.WithError(err).Error("failed to insert audit log")
		return errors.Wrap(err, "insert audit log")
	}
	return nil
}

// History returns the audit trail of one booking, oldest first.
func (a *AuditLogger) History(ctx context.Context, bookingID uuid.UUID) ([]AuditLog, error) {
	cur, err := a.coll.Find(ctx,
		bson.M{"booking_id": bookingID.String()},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "find audit logs")
	}
	var logs []AuditLog
	if err := cur.All(ctx, &logs); err != nil {
		return nil, errors.Wrap(err, "decode audit logs")
	}
	return logs, nil
}

// EnsureIndexes creates the lookup index on booking_id.
func (a *AuditLogger) EnsureIndexes(ctx context.Context) error {
	_, err := a.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "booking_id", Value: 1}, {Key: "timestamp", Value: 1}},
	})
	return errors.Wrap(err, "create audit index")
}
