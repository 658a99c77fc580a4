// internal/circulation/loans.go
package circulation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/libranexus/lending/internal/notify"
)

// LoanRegister owns loans and their state machine.
type LoanRegister struct {
	*core
	queue *ReservationQueue
}

// NewLoanRegister creates a register sharing the queue's collaborators and locks.
func NewLoanRegister(queue *ReservationQueue) *LoanRegister {
	return &LoanRegister{core: queue.core, queue: queue}
}

// Checkout lends a copy of the title to the patron for durationDays
// (default and cap from the policy). A pending reservation of the patron
// for the title is fulfilled by the loan.
func (lr *LoanRegister) Checkout(ctx context.Context, patronID, titleID uuid.UUID, durationDays int) (*Loan, error) {
	if patronID == uuid.Nil || titleID == uuid.Nil {
		return nil, fmt.Errorf("%w: patron and title are required", ErrInvalidRequest)
	}

	var loan *Loan
	err := lr.update(ctx, titleID, patronID, func(tx Tx, out *outbox) error {
		var err error
		loan, err = lr.checkout(ctx, tx, patronID, titleID, durationDays, lr.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}

	lr.logger.Info("loan created",
		zap.String("loan_id", loan.ID.String()),
		zap.String("patron_id", patronID.String()),
		zap.String("title_id", titleID.String()),
		zap.Time("due_at", loan.DueAt),
	)
	return loan, nil
}

// Claim turns a ready reservation into a loan for its holder in one step.
func (lr *LoanRegister) Claim(ctx context.Context, reservationID uuid.UUID, durationDays int) (*Loan, error) {
	current, err := lr.queue.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	var loan *Loan
	err = lr.update(ctx, current.TitleID, current.PatronID, func(tx Tx, out *outbox) error {
		now := lr.clock.Now()
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if r.State != ReservationReady {
			return ErrReservationNotReady
		}
		if !r.HoldActive(now) {
			return ErrHoldExpired
		}
		loan, err = lr.checkout(ctx, tx, r.PatronID, r.TitleID, durationDays, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	lr.logger.Info("hold claimed",
		zap.String("reservation_id", reservationID.String()),
		zap.String("loan_id", loan.ID.String()),
	)
	return loan, nil
}

func (lr *LoanRegister) checkout(ctx context.Context, tx Tx, patronID, titleID uuid.UUID, durationDays int, now time.Time) (*Loan, error) {
	patron, err := lr.loadBorrower(ctx, tx, patronID)
	if err != nil {
		return nil, err
	}
	title, err := tx.GetTitle(ctx, titleID)
	if err != nil {
		return nil, err
	}
	pending, err := tx.ListReservations(ctx, ReservationFilter{TitleID: titleID, States: pendingReservationStates})
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	// A retired title still lends the copies held for its remaining queue.
	if !title.Active && !holdsCopy(pending, patronID, now) {
		return nil, ErrTitleRetired
	}

	open, err := tx.ListLoans(ctx, LoanFilter{PatronID: patronID, States: openLoanStates})
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	if len(open) >= patron.LoanLimit(lr.policy.MaxActiveLoans) {
		return nil, ErrLoanLimitReached
	}
	for _, l := range open {
		if l.TitleID == titleID {
			return nil, ErrAlreadyBorrowed
		}
	}

	// Copies held for other patrons are on the shelf but not lendable.
	if title.AvailableCopies-countHolds(pending, patronID, now) <= 0 {
		return nil, ErrNoCopyAvailable
	}
	ok, err := lr.ledger.TryReserveCopy(ctx, tx, titleID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoCopyAvailable
	}

	loan := &Loan{
		ID:         uuid.Must(uuid.NewV7()),
		TitleID:    titleID,
		PatronID:   patronID,
		BorrowedAt: now,
		DueAt:      now.AddDate(0, 0, lr.policy.loanDays(durationDays)),
		State:      LoanActive,
		Penalty:    decimal.Zero,
	}
	if err := tx.SaveLoan(ctx, loan); err != nil {
		return nil, fmt.Errorf("failed to save loan: %w", err)
	}

	for _, r := range pending {
		if r.PatronID == patronID {
			if err := lr.queue.Fulfill(ctx, tx, r); err != nil {
				return nil, err
			}
		}
	}
	return loan, nil
}

// Extend pushes the due date back by days (policy default when days <= 0).
func (lr *LoanRegister) Extend(ctx context.Context, loanID uuid.UUID, days int) (*Loan, error) {
	current, err := lr.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}

	var loan *Loan
	err = lr.update(ctx, current.TitleID, uuid.Nil, func(tx Tx, out *outbox) error {
		now := lr.clock.Now()
		l, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if l.State == LoanReturned {
			return ErrLoanAlreadyReturned
		}
		if l.ExtensionCount >= lr.policy.MaxExtensions {
			return ErrExtensionLimitReached
		}
		waiting, err := tx.ListReservations(ctx, ReservationFilter{TitleID: l.TitleID, States: []ReservationState{ReservationWaiting}})
		if err != nil {
			return fmt.Errorf("failed to list reservations: %w", err)
		}
		if len(waiting) > 0 {
			return ErrReservationPending
		}

		l.DueAt = l.DueAt.AddDate(0, 0, lr.policy.extensionDays(days))
		l.ExtensionCount++
		l.ReminderSent = false
		if l.State == LoanOverdue && l.DueAt.After(now) {
			l.State = LoanActive
		}
		if err := tx.SaveLoan(ctx, l); err != nil {
			return fmt.Errorf("failed to save loan: %w", err)
		}
		loan = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// Return closes the loan, computes its penalty and puts the copy back,
// offering it to the next patron in the title's queue. A zero returnedAt
// means now.
func (lr *LoanRegister) Return(ctx context.Context, loanID uuid.UUID, returnedAt time.Time) (*Loan, error) {
	current, err := lr.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}

	var loan *Loan
	err = lr.update(ctx, current.TitleID, uuid.Nil, func(tx Tx, out *outbox) error {
		now := lr.clock.Now()
		l, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if l.State == LoanReturned {
			return ErrLoanAlreadyReturned
		}
		at := returnedAt
		if at.IsZero() {
			at = now
		}
		if at.Before(l.BorrowedAt) {
			return fmt.Errorf("%w: return time precedes checkout", ErrInvalidRequest)
		}

		l.State = LoanReturned
		l.ReturnedAt = &at
		l.Penalty = lr.policy.Penalty(l.DueAt, at)
		if err := tx.SaveLoan(ctx, l); err != nil {
			return fmt.Errorf("failed to save loan: %w", err)
		}
		if err := lr.ledger.ReleaseCopy(ctx, tx, l.TitleID); err != nil {
			return err
		}
		if _, err := lr.queue.offerFreeCopies(ctx, tx, l.TitleID, now, out); err != nil {
			return err
		}
		loan = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	lr.logger.Info("loan returned",
		zap.String("loan_id", loan.ID.String()),
		zap.String("penalty", loan.Penalty.StringFixed(2)),
	)
	return loan, nil
}

// SweepOverdue marks active loans due before now as overdue and notifies
// each patron once per loan. It returns the number of loans marked.
func (lr *LoanRegister) SweepOverdue(ctx context.Context, now time.Time) (int, error) {
	candidates, err := lr.ListLoans(ctx, LoanFilter{States: []LoanState{LoanActive}, DueBefore: now})
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue loans: %w", err)
	}

	titles, groups := groupByTitle(candidates, func(l *Loan) (uuid.UUID, uuid.UUID) { return l.TitleID, l.ID })
	return lr.forEachTitle(ctx, titles, func(ctx context.Context, titleID uuid.UUID) (int, error) {
		marked := 0
		err := lr.update(ctx, titleID, uuid.Nil, func(tx Tx, out *outbox) error {
			marked = 0
			for _, id := range groups[titleID] {
				l, err := tx.GetLoan(ctx, id)
				if err != nil {
					return err
				}
				if l.State != LoanActive || !l.DueAt.Before(now) {
					continue
				}
				l.State = LoanOverdue
				if !l.OverdueNotified {
					l.OverdueNotified = true
					out.add(loanNotification(l, notify.KindOverdue, now))
				}
				if err := tx.SaveLoan(ctx, l); err != nil {
					return fmt.Errorf("failed to save loan: %w", err)
				}
				marked++
			}
			return nil
		})
		return marked, err
	})
}

// SweepDueSoon reminds patrons whose active loans fall due within the
// reminder lead time. Each due date is reminded once.
func (lr *LoanRegister) SweepDueSoon(ctx context.Context, now time.Time) (int, error) {
	if lr.policy.ReminderLeadDays <= 0 {
		return 0, nil
	}
	horizon := now.AddDate(0, 0, lr.policy.ReminderLeadDays)

	candidates, err := lr.ListLoans(ctx, LoanFilter{States: []LoanState{LoanActive}, DueBefore: horizon})
	if err != nil {
		return 0, fmt.Errorf("failed to list loans due soon: %w", err)
	}

	titles, groups := groupByTitle(candidates, func(l *Loan) (uuid.UUID, uuid.UUID) { return l.TitleID, l.ID })
	return lr.forEachTitle(ctx, titles, func(ctx context.Context, titleID uuid.UUID) (int, error) {
		reminded := 0
		err := lr.update(ctx, titleID, uuid.Nil, func(tx Tx, out *outbox) error {
			reminded = 0
			for _, id := range groups[titleID] {
				l, err := tx.GetLoan(ctx, id)
				if err != nil {
					return err
				}
				if l.State != LoanActive || l.ReminderSent || l.DueAt.Before(now) || !l.DueAt.Before(horizon) {
					continue
				}
				l.ReminderSent = true
				if err := tx.SaveLoan(ctx, l); err != nil {
					return fmt.Errorf("failed to save loan: %w", err)
				}
				out.add(loanNotification(l, notify.KindDueSoon, now))
				reminded++
			}
			return nil
		})
		return reminded, err
	})
}

// GetLoan loads one loan.
func (lr *LoanRegister) GetLoan(ctx context.Context, id uuid.UUID) (*Loan, error) {
	var l *Loan
	err := lr.view(ctx, func(tx Tx) error {
		var err error
		l, err = tx.GetLoan(ctx, id)
		return err
	})
	return l, err
}

// ListLoans returns the loans matching f.
func (lr *LoanRegister) ListLoans(ctx context.Context, f LoanFilter) ([]*Loan, error) {
	var ls []*Loan
	err := lr.view(ctx, func(tx Tx) error {
		var err error
		ls, err = tx.ListLoans(ctx, f)
		return err
	})
	return ls, err
}

func loanNotification(l *Loan, kind notify.Kind, now time.Time) notify.Notification {
	return notify.Notification{
		PatronID:  l.PatronID,
		Kind:      kind,
		SubjectID: l.ID,
		CreatedAt: now,
	}
}
