// internal/circulation/domain.go
package circulation

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanState is the lifecycle position of a loan.
type LoanState string

const (
	LoanActive   LoanState = "active"
	LoanOverdue  LoanState = "overdue"
	LoanReturned LoanState = "returned"
)

// Open reports whether the loan still holds a copy.
func (s LoanState) Open() bool {
	return s == LoanActive || s == LoanOverdue
}

// Loan is one copy of a title held by one patron.
type Loan struct {
	ID             uuid.UUID       `json:"id"`
	TitleID        uuid.UUID       `json:"title_id"`
	PatronID       uuid.UUID       `json:"patron_id"`
	BorrowedAt     time.Time       `json:"borrowed_at"`
	DueAt          time.Time       `json:"due_at"`
	ReturnedAt     *time.Time      `json:"returned_at,omitempty"`
	State          LoanState       `json:"state"`
	ExtensionCount int             `json:"extension_count"`
	Penalty        decimal.Decimal `json:"penalty"`
	// OverdueNotified is set once the overdue notice went out; it survives
	// an extension that brings the loan back to active.
	OverdueNotified bool `json:"overdue_notified"`
	ReminderSent    bool `json:"reminder_sent"`
	Version         int  `json:"version"`
}

// ReservationState is the lifecycle position of a reservation.
type ReservationState string

const (
	ReservationWaiting   ReservationState = "waiting"
	ReservationReady     ReservationState = "ready"
	ReservationExpired   ReservationState = "expired"
	ReservationCancelled ReservationState = "cancelled"
	ReservationFulfilled ReservationState = "fulfilled"
)

// Pending reports whether the reservation is still in the queue or holding a copy.
func (s ReservationState) Pending() bool {
	return s == ReservationWaiting || s == ReservationReady
}

// Reservation is a patron's place in the queue for a title.
type Reservation struct {
	ID          uuid.UUID `json:"id"`
	TitleID     uuid.UUID `json:"title_id"`
	PatronID    uuid.UUID `json:"patron_id"`
	RequestedAt time.Time `json:"requested_at"`
	// QueuePosition is 1-based and dense among waiting reservations of a
	// title. It is zero once the reservation left the waiting state.
	QueuePosition int              `json:"queue_position"`
	State         ReservationState `json:"state"`
	ReadyAt       *time.Time       `json:"ready_at,omitempty"`
	HoldExpiresAt *time.Time       `json:"hold_expires_at,omitempty"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
	Version       int              `json:"version"`
}

// HoldActive reports whether a ready reservation still has a claim on a copy at now.
func (r *Reservation) HoldActive(now time.Time) bool {
	return r.State == ReservationReady && r.HoldExpiresAt != nil && !r.HoldExpiresAt.Before(now)
}

// LoanFilter selects loans. Zero fields do not constrain.
type LoanFilter struct {
	TitleID   uuid.UUID
	PatronID  uuid.UUID
	States    []LoanState
	DueBefore time.Time
}

// Match reports whether l satisfies the filter.
func (f LoanFilter) Match(l *Loan) bool {
	if f.TitleID != uuid.Nil && l.TitleID != f.TitleID {
		return false
	}
	if f.PatronID != uuid.Nil && l.PatronID != f.PatronID {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, l.State) {
		return false
	}
	if !f.DueBefore.IsZero() && !l.DueAt.Before(f.DueBefore) {
		return false
	}
	return true
}

// ReservationFilter selects reservations. Zero fields do not constrain.
type ReservationFilter struct {
	TitleID           uuid.UUID
	PatronID          uuid.UUID
	States            []ReservationState
	HoldExpiresBefore time.Time
	RequestedBefore   time.Time
}

// Match reports whether r satisfies the filter.
func (f ReservationFilter) Match(r *Reservation) bool {
	if f.TitleID != uuid.Nil && r.TitleID != f.TitleID {
		return false
	}
	if f.PatronID != uuid.Nil && r.PatronID != f.PatronID {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, r.State) {
		return false
	}
	if !f.HoldExpiresBefore.IsZero() && (r.HoldExpiresAt == nil || !r.HoldExpiresAt.Before(f.HoldExpiresBefore)) {
		return false
	}
	if !f.RequestedBefore.IsZero() && !r.RequestedAt.Before(f.RequestedBefore) {
		return false
	}
	return true
}

var openLoanStates = []LoanState{LoanActive, LoanOverdue}

var pendingReservationStates = []ReservationState{ReservationWaiting, ReservationReady}
