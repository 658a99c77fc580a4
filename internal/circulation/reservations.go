// internal/circulation/reservations.go
package circulation

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/libranexus/lending/internal/notify"
)

// ReservationQueue owns the waiting queue and the holds of every title.
type ReservationQueue struct {
	*core
}

// NewReservationQueue creates a queue over the given collaborators.
func NewReservationQueue(opts Options) *ReservationQueue {
	return &ReservationQueue{core: newCore(opts)}
}

// Reserve puts the patron at the end of the title's waiting queue.
func (q *ReservationQueue) Reserve(ctx context.Context, patronID, titleID uuid.UUID) (*Reservation, error) {
	if patronID == uuid.Nil || titleID == uuid.Nil {
		return nil, fmt.Errorf("%w: patron and title are required", ErrInvalidRequest)
	}

	var res *Reservation
	err := q.update(ctx, titleID, patronID, func(tx Tx, out *outbox) error {
		now := q.clock.Now()
		_, title, err := q.loadBorrowable(ctx, tx, patronID, titleID)
		if err != nil {
			return err
		}

		pending, err := tx.ListReservations(ctx, ReservationFilter{TitleID: titleID, States: pendingReservationStates})
		if err != nil {
			return fmt.Errorf("failed to list reservations: %w", err)
		}
		if title.AvailableCopies-countHolds(pending, uuid.Nil, now) > 0 {
			return ErrCopyCurrentlyAvailable
		}
		for _, r := range pending {
			if r.PatronID == patronID {
				return ErrAlreadyReserved
			}
		}
		loans, err := tx.ListLoans(ctx, LoanFilter{TitleID: titleID, PatronID: patronID, States: openLoanStates})
		if err != nil {
			return fmt.Errorf("failed to list loans: %w", err)
		}
		if len(loans) > 0 {
			return ErrAlreadyBorrowed
		}

		waiting := 0
		for _, r := range pending {
			if r.State == ReservationWaiting {
				waiting++
			}
		}
		res = &Reservation{
			ID:            uuid.Must(uuid.NewV7()),
			TitleID:       titleID,
			PatronID:      patronID,
			RequestedAt:   now,
			QueuePosition: waiting + 1,
			State:         ReservationWaiting,
		}
		if err := tx.SaveReservation(ctx, res); err != nil {
			return fmt.Errorf("failed to save reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.logger.Info("reservation queued",
		zap.String("reservation_id", res.ID.String()),
		zap.String("title_id", titleID.String()),
		zap.Int("position", res.QueuePosition),
	)
	return res, nil
}

// Cancel withdraws a waiting or ready reservation. A cancelled hold offers
// its copy to the next patron in line.
func (q *ReservationQueue) Cancel(ctx context.Context, reservationID uuid.UUID) (*Reservation, error) {
	current, err := q.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	var res *Reservation
	err = q.update(ctx, current.TitleID, uuid.Nil, func(tx Tx, out *outbox) error {
		now := q.clock.Now()
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if !r.State.Pending() {
			return ErrReservationNotCancellable
		}

		wasReady := r.State == ReservationReady
		q.close(r, ReservationCancelled, now)
		if err := tx.SaveReservation(ctx, r); err != nil {
			return fmt.Errorf("failed to save reservation: %w", err)
		}
		if _, err := q.recompact(ctx, tx, r.TitleID); err != nil {
			return err
		}
		if wasReady {
			if _, err := q.offerFreeCopies(ctx, tx, r.TitleID, now, out); err != nil {
				return err
			}
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// PromoteToReady gives the reservation a hold on a freed copy and returns
// the notification owed to its patron. The reservation leaves the waiting
// queue, so the remaining positions are compacted. The caller must hold
// the title lock.
func (q *ReservationQueue) PromoteToReady(ctx context.Context, tx Tx, r *Reservation) (notify.Notification, error) {
	if r.State != ReservationWaiting {
		return notify.Notification{}, fmt.Errorf("%w: cannot promote a %s reservation", ErrInvalidRequest, r.State)
	}

	now := q.clock.Now()
	expires := now.AddDate(0, 0, q.policy.HoldDurationDays)
	r.State = ReservationReady
	r.ReadyAt = &now
	r.HoldExpiresAt = &expires
	r.QueuePosition = 0
	if err := tx.SaveReservation(ctx, r); err != nil {
		return notify.Notification{}, fmt.Errorf("failed to save reservation: %w", err)
	}
	if _, err := q.recompact(ctx, tx, r.TitleID); err != nil {
		return notify.Notification{}, err
	}

	q.logger.Info("reservation ready",
		zap.String("reservation_id", r.ID.String()),
		zap.String("patron_id", r.PatronID.String()),
		zap.Time("hold_expires_at", expires),
	)
	return notify.Notification{
		PatronID:  r.PatronID,
		Kind:      notify.KindCopyAvailable,
		SubjectID: r.ID,
		CreatedAt: now,
	}, nil
}

// Fulfill closes the reservation of a patron who checked the title out.
// The caller must hold the title lock.
func (q *ReservationQueue) Fulfill(ctx context.Context, tx Tx, r *Reservation) error {
	if !r.State.Pending() {
		return fmt.Errorf("%w: cannot fulfill a %s reservation", ErrInvalidRequest, r.State)
	}
	q.close(r, ReservationFulfilled, q.clock.Now())
	if err := tx.SaveReservation(ctx, r); err != nil {
		return fmt.Errorf("failed to save reservation: %w", err)
	}
	_, err := q.recompact(ctx, tx, r.TitleID)
	return err
}

// NextWaiting returns the head of the title's queue, or nil when nobody waits.
func (q *ReservationQueue) NextWaiting(ctx context.Context, tx Tx, titleID uuid.UUID) (*Reservation, error) {
	waiting, err := tx.ListReservations(ctx, ReservationFilter{TitleID: titleID, States: []ReservationState{ReservationWaiting}})
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	if len(waiting) == 0 {
		return nil, nil
	}
	return slices.MinFunc(waiting, func(a, b *Reservation) int {
		return cmp.Or(
			cmp.Compare(a.QueuePosition, b.QueuePosition),
			a.RequestedAt.Compare(b.RequestedAt),
			bytes.Compare(a.ID[:], b.ID[:]),
		)
	}), nil
}

// SweepExpiredHolds expires ready reservations whose hold passed and
// waiting reservations older than the waiting lifetime, then offers any
// copy that became free to the next patron in line. It returns the number
// of reservations expired.
func (q *ReservationQueue) SweepExpiredHolds(ctx context.Context, now time.Time) (int, error) {
	var cutoff time.Time
	if q.policy.WaitingLifetimeDays > 0 {
		cutoff = now.AddDate(0, 0, -q.policy.WaitingLifetimeDays)
	}

	var candidates []*Reservation
	err := q.view(ctx, func(tx Tx) error {
		held, err := tx.ListReservations(ctx, ReservationFilter{
			States:            []ReservationState{ReservationReady},
			HoldExpiresBefore: now,
		})
		if err != nil {
			return err
		}
		candidates = held
		if cutoff.IsZero() {
			return nil
		}
		stale, err := tx.ListReservations(ctx, ReservationFilter{
			States:          []ReservationState{ReservationWaiting},
			RequestedBefore: cutoff,
		})
		if err != nil {
			return err
		}
		candidates = append(candidates, stale...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list expired reservations: %w", err)
	}

	titles, groups := groupByTitle(candidates, func(r *Reservation) (uuid.UUID, uuid.UUID) { return r.TitleID, r.ID })
	return q.forEachTitle(ctx, titles, func(ctx context.Context, titleID uuid.UUID) (int, error) {
		expired := 0
		err := q.update(ctx, titleID, uuid.Nil, func(tx Tx, out *outbox) error {
			expired = 0
			for _, id := range groups[titleID] {
				r, err := tx.GetReservation(ctx, id)
				if err != nil {
					return err
				}
				if !q.expirable(r, now, cutoff) {
					continue
				}
				q.close(r, ReservationExpired, now)
				if err := tx.SaveReservation(ctx, r); err != nil {
					return fmt.Errorf("failed to save reservation: %w", err)
				}
				expired++
			}
			if expired == 0 {
				return nil
			}
			if _, err := q.recompact(ctx, tx, titleID); err != nil {
				return err
			}
			_, err := q.offerFreeCopies(ctx, tx, titleID, now, out)
			return err
		})
		return expired, err
	})
}

// GetReservation loads one reservation.
func (q *ReservationQueue) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	var r *Reservation
	err := q.view(ctx, func(tx Tx) error {
		var err error
		r, err = tx.GetReservation(ctx, id)
		return err
	})
	return r, err
}

// ListReservations returns the reservations matching f.
func (q *ReservationQueue) ListReservations(ctx context.Context, f ReservationFilter) ([]*Reservation, error) {
	var rs []*Reservation
	err := q.view(ctx, func(tx Tx) error {
		var err error
		rs, err = tx.ListReservations(ctx, f)
		return err
	})
	return rs, err
}

func (q *ReservationQueue) expirable(r *Reservation, now, cutoff time.Time) bool {
	switch r.State {
	case ReservationReady:
		return r.HoldExpiresAt != nil && r.HoldExpiresAt.Before(now)
	case ReservationWaiting:
		return !cutoff.IsZero() && r.RequestedAt.Before(cutoff)
	default:
		return false
	}
}

func (q *ReservationQueue) close(r *Reservation, state ReservationState, now time.Time) {
	r.State = state
	r.QueuePosition = 0
	r.ClosedAt = &now
}

// recompact renumbers the title's waiting reservations 1..N by request
// time, ties broken by ID. It returns N.
func (q *ReservationQueue) recompact(ctx context.Context, tx Tx, titleID uuid.UUID) (int, error) {
	waiting, err := tx.ListReservations(ctx, ReservationFilter{TitleID: titleID, States: []ReservationState{ReservationWaiting}})
	if err != nil {
		return 0, fmt.Errorf("failed to list reservations: %w", err)
	}
	slices.SortFunc(waiting, func(a, b *Reservation) int {
		return cmp.Or(a.RequestedAt.Compare(b.RequestedAt), bytes.Compare(a.ID[:], b.ID[:]))
	})
	for i, r := range waiting {
		if r.QueuePosition == i+1 {
			continue
		}
		r.QueuePosition = i + 1
		if err := tx.SaveReservation(ctx, r); err != nil {
			return 0, fmt.Errorf("failed to save reservation: %w", err)
		}
	}
	return len(waiting), nil
}

// offerFreeCopies promotes waiting reservations, one at a time, while the
// title has copies on the shelf that no active hold claims. Retired titles
// keep serving the reservations they already have.
func (q *ReservationQueue) offerFreeCopies(ctx context.Context, tx Tx, titleID uuid.UUID, now time.Time, out *outbox) (int, error) {
	title, err := tx.GetTitle(ctx, titleID)
	if err != nil {
		return 0, err
	}
	pending, err := tx.ListReservations(ctx, ReservationFilter{TitleID: titleID, States: pendingReservationStates})
	if err != nil {
		return 0, fmt.Errorf("failed to list reservations: %w", err)
	}

	free := title.AvailableCopies - countHolds(pending, uuid.Nil, now)
	promoted := 0
	for ; free > 0; free-- {
		next, err := q.NextWaiting(ctx, tx, titleID)
		if err != nil {
			return promoted, err
		}
		if next == nil {
			break
		}
		n, err := q.PromoteToReady(ctx, tx, next)
		if err != nil {
			return promoted, err
		}
		out.add(n)
		promoted++
	}
	return promoted, nil
}

// holdsCopy reports whether the patron has an active hold among pending.
func holdsCopy(pending []*Reservation, patronID uuid.UUID, now time.Time) bool {
	for _, r := range pending {
		if r.PatronID == patronID && r.HoldActive(now) {
			return true
		}
	}
	return false
}

// countHolds counts active holds, skipping those of the excluded patron.
func countHolds(pending []*Reservation, exclude uuid.UUID, now time.Time) int {
	held := 0
	for _, r := range pending {
		if r.PatronID != exclude && r.HoldActive(now) {
			held++
		}
	}
	return held
}
