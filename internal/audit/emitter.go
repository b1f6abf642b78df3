// Package audit ships booking lifecycle records to a sink without ever
// blocking the caller.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ride-bookings/internal/observability"
)

const DefaultBufferSize = 1024

const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Record is one audited action on a booking.
type Record struct {
	EventType string    `bson:"event_type" json:"event_type"`
	BookingID uuid.UUID `bson:"booking_id" json:"booking_id"`
	Actor     string    `bson:"actor" json:"actor"`
	Outcome   string    `bson:"outcome" json:"outcome"`
	From      string    `bson:"from,omitempty" json:"from,omitempty"`
	To        string    `bson:"to,omitempty" json:"to,omitempty"`
	Reason    string    `bson:"reason,omitempty" json:"reason,omitempty"`
	Error     string    `bson:"error,omitempty" json:"error,omitempty"`
	At        time.Time `bson:"at" json:"at"`
}

// Sink persists records.
type Sink interface {
	Write(ctx context.Context, r Record) error
}

// Emitter buffers records and writes them to a Sink from a single worker.
type Emitter struct {
	sink    Sink
	logger  observability.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Record
	done   chan struct{}
}

func NewEmitter(sink Sink, logger observability.Logger, bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	e := &Emitter{
		sink:    sink,
		logger:  logger,
		timeout: 5 * time.Second,
		queue:   make(chan Record, bufferSize),
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit enqueues r. When the buffer is full the record is dropped.
func (e *Emitter) Emit(r Record) {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop(r, "emitter closed")
		return
	}
	select {
	case e.queue <- r:
	default:
		e.drop(r, "audit buffer full")
	}
}

func (e *Emitter) drop(r Record, why string) {
	observability.AuditDropped.Inc()
	e.logger.WithFields(map[string]interface{}{
		"event_type": r.EventType,
		"booking_id": r.BookingID.String(),
	}).Warn(why + ", record dropped")
}

func (e *Emitter) run() {
	defer close(e.done)
	for r := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		if err := e.sink.Write(ctx, r); err != nil {
			e.logger.WithError(err).WithField("event_type", r.EventType).Error("audit write failed")
		}
		cancel()
	}
}

// Close stops accepting records and waits for the buffer to drain or ctx to end.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes records to the logger. Used when no database is configured.
type LogSink struct {
	Logger observability.Logger
}

func (s LogSink) Write(_ context.Context, r Record) error {
	s.Logger.WithFields(map[string]interface{}{
		"event_type": r.EventType,
		"booking_id": r.BookingID.String(),
		"actor":      r.Actor,
		"outcome":    r.Outcome,
		"from":       r.From,
		"to":         r.To,
		"reason":     r.Reason,
		"error":      r.Error,
	}).Info("audit")
	return nil
}
