// internal/catalog/ledger.go
package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/libranexus/lending/internal/clock"
	"github.com/libranexus/lending/internal/keylock"
)

// Ledger owns the available/total copy counters of every title.
//
// Counter updates for a title must run while that title's lock is held
// (see Lock); the lock is also what lending operations use to serialize
// loan and reservation changes on the same title.
type Ledger struct {
	locks  *keylock.Map
	clock  clock.Clock
	logger *zap.Logger
}

// NewLedger creates a ledger with an empty lock table.
func NewLedger(clk clock.Clock, logger *zap.Logger) *Ledger {
	return &Ledger{
		locks:  keylock.New(),
		clock:  clk,
		logger: logger,
	}
}

// Lock acquires the title's critical section.
func (l *Ledger) Lock(titleID uuid.UUID) (unlock func()) {
	return l.locks.Lock(titleID)
}

// TryReserveCopy takes one copy off the shelf. It reports false, with no
// changes, when none is available.
func (l *Ledger) TryReserveCopy(ctx context.Context, ts TitleStore, titleID uuid.UUID) (bool, error) {
	t, err := ts.GetTitle(ctx, titleID)
	if err != nil {
		return false, err
	}
	if t.AvailableCopies <= 0 {
		return false, nil
	}

	t.AvailableCopies--
	t.CheckoutCount++
	t.UpdatedAt = l.clock.Now()
	if err := ts.SaveTitle(ctx, t); err != nil {
		return false, fmt.Errorf("failed to save title: %w", err)
	}
	return true, nil
}

// ReleaseCopy puts one copy back on the shelf. Releasing past the total
// means a loan was credited twice and is reported as ErrInvariantViolation.
func (l *Ledger) ReleaseCopy(ctx context.Context, ts TitleStore, titleID uuid.UUID) error {
	t, err := ts.GetTitle(ctx, titleID)
	if err != nil {
		return err
	}
	if t.AvailableCopies+1 > t.TotalCopies {
		l.logger.Error("inventory invariant violated on release",
			zap.String("title_id", titleID.String()),
			zap.Int("available", t.AvailableCopies),
			zap.Int("total", t.TotalCopies),
		)
		return fmt.Errorf("%w: releasing a copy of title %s would exceed %d total copies",
			ErrInvariantViolation, titleID, t.TotalCopies)
	}

	t.AvailableCopies++
	t.UpdatedAt = l.clock.Now()
	if err := ts.SaveTitle(ctx, t); err != nil {
		return fmt.Errorf("failed to save title: %w", err)
	}
	return nil
}
