package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All collectors register with the default registry through promauto.
var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rides_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	BookingsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rides_bookings_created_total",
			Help: "Bookings created and held",
		},
	)

	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rides_booking_transitions_total",
			Help: "Booking status transitions by outcome",
		},
		[]string{"from", "to", "outcome"},
	)

	LockWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rides_lock_wait_seconds",
			Help:    "Time spent waiting for a seat pool lock",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		},
	)

	LockAcquire = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rides_lock_acquire_total",
			Help: "Seat pool lock acquisitions by outcome",
		},
		[]string{"outcome"},
	)

	LockReleaseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rides_lock_release_failures_total",
			Help: "Seat pool locks left to expire because release failed",
		},
	)

	IdempotentReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rides_idempotent_replays_total",
			Help: "Create requests answered from a previous result",
		},
	)

	HoldsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rides_holds_expired_total",
			Help: "Holds expired by the reaper",
		},
	)

	SeatReleaseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rides_seat_release_failures_total",
			Help: "Seat releases that could not be written back to the pool",
		},
	)

	AuditDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rides_audit_dropped_total",
			Help: "Audit records dropped because the buffer was full",
		},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rides_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rides_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rides_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rides_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
