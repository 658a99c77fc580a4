package circulation_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/libranexus/lending/internal/catalog"
	"github.com/libranexus/lending/internal/circulation"
	"github.com/libranexus/lending/internal/clock"
	"github.com/libranexus/lending/internal/membership"
	"github.com/libranexus/lending/internal/notify"
	"github.com/libranexus/lending/internal/store/memstore"
)

var epoch = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctx    context.Context
	clock  *clock.Manual
	store  *memstore.Store
	rec    *notify.Recorder
	queue  *circulation.ReservationQueue
	loans  *circulation.LoanRegister
	titles catalog.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithPolicy(t, circulation.DefaultPolicy())
}

func newFixtureWithPolicy(t *testing.T, policy circulation.Policy) *fixture {
	t.Helper()
	clk := clock.NewManual(epoch)
	store := memstore.New()
	rec := notify.NewRecorder()
	logger := zap.NewNop()
	ledger := catalog.NewLedger(clk, logger)

	queue := circulation.NewReservationQueue(circulation.Options{
		Store:    store,
		Ledger:   ledger,
		Clock:    clk,
		Policy:   policy,
		Notifier: rec,
		Logger:   logger,
	})
	return &fixture{
		ctx:    context.Background(),
		clock:  clk,
		store:  store,
		rec:    rec,
		queue:  queue,
		loans:  circulation.NewLoanRegister(queue),
		titles: catalog.NewService(store, ledger, clk, logger),
	}
}

func (f *fixture) title(t *testing.T, copies int) uuid.UUID {
	t.Helper()
	title, err := f.titles.AddTitle(f.ctx, "978-0441013593", "Dune", "Frank Herbert", copies)
	require.NoError(t, err)
	return title.ID
}

func (f *fixture) patron(t *testing.T, mutate ...func(p *membership.Patron)) uuid.UUID {
	t.Helper()
	id := uuid.Must(uuid.NewV7())
	p := &membership.Patron{
		ID:        id,
		Email:     id.String() + "@example.com",
		Name:      "Reader",
		Status:    membership.StatusActive,
		CreatedAt: f.clock.Now(),
		UpdatedAt: f.clock.Now(),
	}
	for _, m := range mutate {
		m(p)
	}
	require.NoError(t, f.store.CreatePatron(f.ctx, p))
	return id
}

func (f *fixture) available(t *testing.T, titleID uuid.UUID) int {
	t.Helper()
	title, err := f.titles.GetTitle(f.ctx, titleID)
	require.NoError(t, err)
	return title.AvailableCopies
}

func (f *fixture) checkout(t *testing.T, patronID, titleID uuid.UUID) *circulation.Loan {
	t.Helper()
	loan, err := f.loans.Checkout(f.ctx, patronID, titleID, 0)
	require.NoError(t, err)
	return loan
}

func (f *fixture) reserve(t *testing.T, patronID, titleID uuid.UUID) *circulation.Reservation {
	t.Helper()
	r, err := f.queue.Reserve(f.ctx, patronID, titleID)
	require.NoError(t, err)
	return r
}

func (f *fixture) reservation(t *testing.T, id uuid.UUID) *circulation.Reservation {
	t.Helper()
	r, err := f.queue.GetReservation(f.ctx, id)
	require.NoError(t, err)
	return r
}

func (f *fixture) loan(t *testing.T, id uuid.UUID) *circulation.Loan {
	t.Helper()
	l, err := f.loans.GetLoan(f.ctx, id)
	require.NoError(t, err)
	return l
}

// openLoans counts active and overdue loans of a title.
func (f *fixture) openLoans(t *testing.T, titleID uuid.UUID) int {
	t.Helper()
	ls, err := f.loans.ListLoans(f.ctx, circulation.LoanFilter{
		TitleID: titleID,
		States:  []circulation.LoanState{circulation.LoanActive, circulation.LoanOverdue},
	})
	require.NoError(t, err)
	return len(ls)
}

// tick advances the clock so consecutive reservations get distinct request times.
func (f *fixture) tick() {
	f.clock.Advance(time.Minute)
}
