package pgstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/libranexus/lending/internal/catalog"
	"github.com/libranexus/lending/internal/circulation"
	"github.com/libranexus/lending/internal/clock"
	"github.com/libranexus/lending/internal/membership"
	"github.com/libranexus/lending/internal/notify"
	"github.com/libranexus/lending/internal/pgtest"
	"github.com/libranexus/lending/internal/store/pgstore"
)

type env struct {
	ctx     context.Context
	store   *pgstore.Store
	clock   *clock.Manual
	rec     *notify.Recorder
	titles  catalog.Service
	patrons membership.Service
	lending circulation.Service
}

func setup(t *testing.T) *env {
	t.Helper()
	dsn, _ := pgtest.Start(t)
	ctx := context.Background()
	logger := zap.NewNop()

	store, err := pgstore.Open(ctx, dsn, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.NewManual(time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC))
	rec := notify.NewRecorder()
	ledger := catalog.NewLedger(clk, logger)
	queue := circulation.NewReservationQueue(circulation.Options{
		Store:    store,
		Ledger:   ledger,
		Clock:    clk,
		Policy:   circulation.DefaultPolicy(),
		Notifier: rec,
		Logger:   logger,
	})
	return &env{
		ctx:     ctx,
		store:   store,
		clock:   clk,
		rec:     rec,
		titles:  catalog.NewService(store, ledger, clk, logger),
		patrons: membership.NewService(store, clk, logger),
		lending: circulation.NewService(circulation.NewLoanRegister(queue), queue, logger),
	}
}

func (e *env) patron(t *testing.T, email string) uuid.UUID {
	t.Helper()
	now := e.clock.Now()
	p := &membership.Patron{
		ID:        uuid.Must(uuid.NewV7()),
		Email:     email,
		Name:      "Reader",
		Status:    membership.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, e.store.CreatePatron(e.ctx, p))
	return p.ID
}

func TestTitleVersioning(t *testing.T) {
	e := setup(t)
	title, err := e.titles.AddTitle(e.ctx, "978-0140449136", "Crime and Punishment", "Dostoevsky", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, title.Version)

	stale := *title
	err = e.store.Atomically(e.ctx, func(tx circulation.Tx) error {
		t1, err := tx.GetTitle(e.ctx, title.ID)
		if err != nil {
			return err
		}
		t1.Name = "Crime & Punishment"
		return tx.SaveTitle(e.ctx, t1)
	})
	require.NoError(t, err)

	err = e.store.Atomically(e.ctx, func(tx circulation.Tx) error {
		return tx.SaveTitle(e.ctx, &stale)
	})
	assert.ErrorIs(t, err, circulation.ErrConcurrencyConflict)

	got, err := e.titles.GetTitle(e.ctx, title.ID)
	require.NoError(t, err)
	assert.Equal(t, "Crime & Punishment", got.Name)
	assert.Equal(t, 2, got.Version)

	events, err := e.store.Events().LoadEvents(e.ctx, title.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "TitleSaved", events[1].EventType)
}

func TestFailedUnitOfWorkLeavesNoTrace(t *testing.T) {
	e := setup(t)
	title, err := e.titles.AddTitle(e.ctx, "", "Solaris", "Lem", 1)
	require.NoError(t, err)

	err = e.store.Atomically(e.ctx, func(tx circulation.Tx) error {
		t1, err := tx.GetTitle(e.ctx, title.ID)
		if err != nil {
			return err
		}
		t1.AvailableCopies = 0
		if err := tx.SaveTitle(e.ctx, t1); err != nil {
			return err
		}
		return circulation.ErrInvalidRequest
	})
	require.ErrorIs(t, err, circulation.ErrInvalidRequest)

	got, err := e.titles.GetTitle(e.ctx, title.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AvailableCopies)

	version, err := e.store.Events().GetCurrentVersion(e.ctx, title.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestGetTitleDoesNotWaitForRowLock(t *testing.T) {
	e := setup(t)
	title, err := e.titles.AddTitle(e.ctx, "", "Roadside Picnic", "Strugatsky", 1)
	require.NoError(t, err)

	err = e.store.Atomically(e.ctx, func(tx circulation.Tx) error {
		if _, err := tx.GetTitle(e.ctx, title.ID); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(e.ctx, 2*time.Second)
		defer cancel()
		got, err := e.titles.GetTitle(ctx, title.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, title.Name, got.Name)
		return nil
	})
	require.NoError(t, err)

	_, err = e.titles.GetTitle(e.ctx, uuid.New())
	assert.ErrorIs(t, err, catalog.ErrTitleNotFound)
}

func TestPatrons(t *testing.T) {
	e := setup(t)
	registered, err := e.patrons.RegisterPatron(e.ctx, membership.Registration{Email: "ada@example.com", Name: "Ada"})
	require.NoError(t, err)
	id := registered.ID

	_, err = e.patrons.RegisterPatron(e.ctx, membership.Registration{Email: "ada@example.com", Name: "Other"})
	assert.ErrorIs(t, err, membership.ErrDuplicatePatron)

	p, err := e.patrons.SetBlocked(e.ctx, id, true)
	require.NoError(t, err)
	assert.True(t, p.Blocked)
	assert.Equal(t, 2, p.Version)

	_, err = e.store.GetPatron(e.ctx, uuid.New())
	assert.ErrorIs(t, err, membership.ErrPatronNotFound)
}

func TestLendingLifecycle(t *testing.T) {
	e := setup(t)
	title, err := e.titles.AddTitle(e.ctx, "", "The Left Hand of Darkness", "Le Guin", 1)
	require.NoError(t, err)
	alice := e.patron(t, "alice@example.com")
	bob := e.patron(t, "bob@example.com")

	loan, err := e.lending.Checkout(e.ctx, alice, title.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, circulation.LoanActive, loan.State)

	res, err := e.lending.Reserve(e.ctx, bob, title.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.QueuePosition)

	e.clock.AdvanceDays(16)
	returned, err := e.lending.Return(e.ctx, loan.ID, e.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, circulation.LoanReturned, returned.State)
	assert.Equal(t, "1", returned.Penalty.String())

	ready, err := e.lending.GetReservation(e.ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.ReservationReady, ready.State)
	require.NotNil(t, ready.HoldExpiresAt)
	assert.Len(t, e.rec.Of(notify.KindCopyAvailable), 1)

	claimed, err := e.lending.Claim(e.ctx, res.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, bob, claimed.PatronID)

	got, err := e.titles.GetTitle(e.ctx, title.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AvailableCopies)
	assert.Equal(t, 2, got.CheckoutCount)

	open, err := e.lending.ListLoans(e.ctx, circulation.LoanFilter{TitleID: title.ID, States: []circulation.LoanState{circulation.LoanActive}})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, claimed.ID, open[0].ID)
}

func TestConcurrentCheckoutOfLastCopy(t *testing.T) {
	e := setup(t)
	title, err := e.titles.AddTitle(e.ctx, "", "Kindred", "Butler", 1)
	require.NoError(t, err)

	patrons := make([]uuid.UUID, 8)
	for i := range patrons {
		patrons[i] = e.patron(t, uuid.NewString()+"@example.com")
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for _, p := range patrons {
		wg.Add(1)
		go func(p uuid.UUID) {
			defer wg.Done()
			if _, err := e.lending.Checkout(e.ctx, p, title.ID, 0); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	got, err := e.titles.GetTitle(e.ctx, title.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AvailableCopies)
}
