package domain

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusHeld             Status = "HELD"
	StatusPaymentInitiated Status = "PAYMENT_INITIATED"
	StatusPaid             Status = "PAID"
	StatusConfirmed        Status = "CONFIRMED"
	StatusCheckedIn        Status = "CHECKED_IN"
	StatusCompleted        Status = "COMPLETED"
	StatusCancelled        Status = "CANCELLED"
	StatusRefunded         Status = "REFUNDED"
	StatusExpired          Status = "EXPIRED"
	StatusFailed           Status = "FAILED"
)

type statusSet map[Status]struct{}

func setOf(statuses ...Status) statusSet {
	s := make(statusSet, len(statuses))
	for _, st := range statuses {
		s[st] = struct{}{}
	}
	return s
}

// transitions is the complete edge table. A status missing from a set has no edge.
var transitions = map[Status]statusSet{
	StatusPending:          setOf(StatusHeld, StatusCancelled, StatusExpired),
	StatusHeld:             setOf(StatusPaymentInitiated, StatusCancelled, StatusExpired),
	StatusPaymentInitiated: setOf(StatusPaid, StatusCancelled, StatusExpired),
	StatusPaid:             setOf(StatusConfirmed, StatusRefunded),
	StatusConfirmed:        setOf(StatusCheckedIn, StatusCancelled, StatusRefunded),
	StatusCheckedIn:        setOf(StatusCompleted, StatusCancelled),
	StatusCancelled:        setOf(StatusRefunded),
	StatusCompleted:        setOf(),
	StatusRefunded:         setOf(),
	StatusExpired:          setOf(),
	StatusFailed:           setOf(),
}

var (
	holdStatuses     = setOf(StatusPending, StatusHeld, StatusPaymentInitiated)
	releasedStatuses = setOf(StatusCancelled, StatusRefunded, StatusExpired, StatusFailed)
)

// AllStatuses returns every known status in a stable order.
func AllStatuses() []Status {
	out := make([]Status, 0, len(transitions))
	for s := range transitions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseStatus converts s to a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", errors.Wrapf(ErrInvalidRequest, "unknown booking status %q", s)
	}
	return st, nil
}

func (s Status) String() string { return string(s) }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether the edge s -> target exists.
func (s Status) CanTransitionTo(target Status) bool {
	next, ok := transitions[s]
	if !ok {
		return false
	}
	_, ok = next[target]
	return ok
}

// IsTerminal reports whether s has no outgoing edges. Unknown statuses are terminal.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsCancellable reports whether a booking in s may be cancelled.
func (s Status) IsCancellable() bool {
	return s.CanTransitionTo(StatusCancelled)
}

// HoldsSeats reports whether s is a temporary hold that carries an expiry.
func (s Status) HoldsSeats() bool {
	_, ok := holdStatuses[s]
	return ok
}

// CarriesExpiry is an alias of HoldsSeats: expires_at is set exactly for hold states.
func (s Status) CarriesExpiry() bool { return s.HoldsSeats() }

// OccupiesSeats reports whether a booking in s counts against its seat pool.
func (s Status) OccupiesSeats() bool {
	if !s.Valid() {
		return false
	}
	_, released := releasedStatuses[s]
	return !released
}

// ReleasesSeats reports whether moving from -> to gives seats back to the pool.
func ReleasesSeats(from, to Status) bool {
	return from.OccupiesSeats() && !to.OccupiesSeats()
}

// HoldStatuses lists the statuses the reaper scans.
func HoldStatuses() []Status {
	return []Status{StatusPending, StatusHeld, StatusPaymentInitiated}
}

// OccupyingStatuses lists the statuses whose seats count against the pool.
func OccupyingStatuses() []Status {
	var out []Status
	for _, s := range AllStatuses() {
		if s.OccupiesSeats() {
			out = append(out, s)
		}
	}
	return out
}

// PaymentStatus tracks the provider-side payment state, independent of Status.
type PaymentStatus string

const (
	PaymentNotStarted PaymentStatus = "NOT_STARTED"
	PaymentPending    PaymentStatus = "PENDING"
	PaymentSucceeded  PaymentStatus = "SUCCEEDED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentRefunded   PaymentStatus = "REFUNDED"
)

// RefundStatus tracks whether a computed refund has been paid out.
type RefundStatus string

const (
	RefundNone    RefundStatus = "NONE"
	RefundPending RefundStatus = "PENDING"
	RefundDone    RefundStatus = "DONE"
)
