// internal/chaos/experiments.go
package chaos

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/libranexus/lending/internal/catalog"
	"github.com/libranexus/lending/internal/circulation"
	"github.com/libranexus/lending/internal/clock"
	"github.com/libranexus/lending/internal/membership"
	"github.com/libranexus/lending/internal/notify"
	"github.com/libranexus/lending/internal/store/memstore"
)

// Target is an in-memory lending engine with fault switches on its store
// and notification sink.
type Target struct {
	Clock       *clock.Manual
	Titles      catalog.Service
	Lending     circulation.Service
	Delivered   *notify.Recorder
	StoreFaults *Switch
	SinkFaults  *Switch

	// store is read by the steady-state metrics without fault injection.
	store      *memstore.Store
	titleIDs   []uuid.UUID
	patronIDs  []uuid.UUID
	dispatcher *notify.Dispatcher

	// gate lets metrics read a state no operation is halfway through.
	gate sync.RWMutex
	mu   sync.Mutex
	rng  *rand.Rand
}

// NewTarget seeds titles copies each and patrons borrowers.
func NewTarget(ctx context.Context, titles, copies, patrons int, seed uint64, logger *zap.Logger) (*Target, error) {
	clk := clock.NewManual(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	store := memstore.New()
	t := &Target{
		Clock:       clk,
		Delivered:   notify.NewRecorder(),
		store:       store,
		StoreFaults: NewSwitch(seed),
		SinkFaults:  NewSwitch(seed + 1),
		rng:         rand.New(rand.NewPCG(seed, seed+2)),
	}
	t.dispatcher = notify.NewDispatcher(FaultySink{Sink: t.Delivered, Faults: t.SinkFaults}, notify.DispatcherOptions{}, logger)

	ledger := catalog.NewLedger(clk, logger)
	faulty := FaultyStore{Store: store, Faults: t.StoreFaults}
	queue := circulation.NewReservationQueue(circulation.Options{
		Store:    faulty,
		Ledger:   ledger,
		Clock:    clk,
		Policy:   circulation.DefaultPolicy(),
		Notifier: t.dispatcher,
		Logger:   logger,
	})
	t.Titles = catalog.NewService(store, ledger, clk, logger)
	t.Lending = circulation.NewService(circulation.NewLoanRegister(queue), queue, logger)

	for i := range titles {
		title, err := t.Titles.AddTitle(ctx, "", fmt.Sprintf("Title %d", i+1), "", copies)
		if err != nil {
			return nil, err
		}
		t.titleIDs = append(t.titleIDs, title.ID)
	}
	for i := range patrons {
		p := &membership.Patron{
			ID:        uuid.Must(uuid.NewV7()),
			Email:     fmt.Sprintf("patron%d@example.com", i+1),
			Name:      fmt.Sprintf("Patron %d", i+1),
			Status:    membership.StatusActive,
			CreatedAt: clk.Now(),
			UpdatedAt: clk.Now(),
		}
		if err := store.CreatePatron(ctx, p); err != nil {
			return nil, err
		}
		t.patronIDs = append(t.patronIDs, p.ID)
	}
	return t, nil
}

// Close drains pending notifications.
func (t *Target) Close(ctx context.Context) error {
	return t.dispatcher.Close(ctx)
}

func (t *Target) pick(n int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng.IntN(n)
}

func (t *Target) randomTitle() uuid.UUID  { return t.titleIDs[t.pick(len(t.titleIDs))] }
func (t *Target) randomPatron() uuid.UUID { return t.patronIDs[t.pick(len(t.patronIDs))] }

// Step performs one random lending operation.
func (t *Target) Step(ctx context.Context) error {
	t.gate.RLock()
	defer t.gate.RUnlock()

	switch t.pick(6) {
	case 0, 1:
		_, err := t.Lending.Checkout(ctx, t.randomPatron(), t.randomTitle(), 0)
		return err
	case 2:
		_, err := t.Lending.Reserve(ctx, t.randomPatron(), t.randomTitle())
		return err
	case 3:
		loans, err := t.Lending.ListLoans(ctx, circulation.LoanFilter{States: []circulation.LoanState{circulation.LoanActive, circulation.LoanOverdue}})
		if err != nil || len(loans) == 0 {
			return err
		}
		_, err = t.Lending.Return(ctx, loans[t.pick(len(loans))].ID, t.Clock.Now())
		return err
	case 4:
		ready, err := t.Lending.ListReservations(ctx, circulation.ReservationFilter{States: []circulation.ReservationState{circulation.ReservationReady}})
		if err != nil || len(ready) == 0 {
			return err
		}
		_, err = t.Lending.Claim(ctx, ready[t.pick(len(ready))].ID, 0)
		return err
	default:
		now := t.Clock.AdvanceDays(1)
		_, err1 := t.Lending.SweepOverdue(ctx, now)
		_, err2 := t.Lending.SweepExpiredHolds(ctx, now)
		if err1 != nil {
			return err1
		}
		return err2
	}
}

// StockViolations counts titles whose counters disagree with their open
// loans and active holds.
func (t *Target) StockViolations(ctx context.Context) (float64, error) {
	t.gate.Lock()
	defer t.gate.Unlock()

	titles, err := t.store.ListTitles(ctx)
	if err != nil {
		return 0, err
	}
	now := t.Clock.Now()
	violations := 0
	err = t.store.Atomically(ctx, func(tx circulation.Tx) error {
		for _, title := range titles {
			open, err := tx.ListLoans(ctx, circulation.LoanFilter{TitleID: title.ID, States: []circulation.LoanState{circulation.LoanActive, circulation.LoanOverdue}})
			if err != nil {
				return err
			}
			ready, err := tx.ListReservations(ctx, circulation.ReservationFilter{TitleID: title.ID, States: []circulation.ReservationState{circulation.ReservationReady}})
			if err != nil {
				return err
			}
			holds := 0
			for _, r := range ready {
				if r.HoldActive(now) {
					holds++
				}
			}
			if title.AvailableCopies < 0 || title.AvailableCopies+len(open) != title.TotalCopies || holds > title.AvailableCopies {
				violations++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return float64(violations), nil
}

// QueueGaps counts titles whose waiting positions are not exactly 1..N.
func (t *Target) QueueGaps(ctx context.Context) (float64, error) {
	t.gate.Lock()
	defer t.gate.Unlock()

	var waiting []*circulation.Reservation
	err := t.store.Atomically(ctx, func(tx circulation.Tx) error {
		var err error
		waiting, err = tx.ListReservations(ctx, circulation.ReservationFilter{States: []circulation.ReservationState{circulation.ReservationWaiting}})
		return err
	})
	if err != nil {
		return 0, err
	}
	positions := make(map[uuid.UUID]map[int]bool)
	for _, r := range waiting {
		if positions[r.TitleID] == nil {
			positions[r.TitleID] = make(map[int]bool)
		}
		positions[r.TitleID][r.QueuePosition] = true
	}
	gaps := 0
	for _, seen := range positions {
		for i := 1; i <= len(seen); i++ {
			if !seen[i] {
				gaps++
				break
			}
		}
	}
	return float64(gaps), nil
}

func (t *Target) invariants() []Metric {
	return []Metric{
		{Name: "stock_violations", Query: t.StockViolations, Threshold: Threshold{Operator: "==", Value: 0}},
		{Name: "queue_gaps", Query: t.QueueGaps, Threshold: Threshold{Operator: "==", Value: 0}},
	}
}

// Experiments returns the standard scenarios against t.
func (t *Target) Experiments(duration time.Duration) []Experiment {
	return []Experiment{
		t.ConcurrentCheckoutExperiment(duration),
		t.StoreFailureExperiment(duration, 0.3),
		t.NotificationOutageExperiment(duration),
	}
}

// ConcurrentCheckoutExperiment has many patrons race for the same title.
func (t *Target) ConcurrentCheckoutExperiment(duration time.Duration) Experiment {
	return Experiment{
		Name:        "concurrent-checkout-race-condition",
		Hypothesis:  "No copy is lent twice when many checkouts of one title run at once",
		SteadyState: t.invariants(),
		Workload: func(ctx context.Context) error {
			title := t.randomTitle()
			var wg sync.WaitGroup
			for range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					t.gate.RLock()
					defer t.gate.RUnlock()
					t.Lending.Checkout(ctx, t.randomPatron(), title, 0)
				}()
			}
			wg.Wait()
			return t.Step(ctx)
		},
		Duration:    duration,
		SampleEvery: duration / 5,
	}
}

// StoreFailureExperiment aborts a share of units of work at commit.
func (t *Target) StoreFailureExperiment(duration time.Duration, rate float64) Experiment {
	return Experiment{
		Name:        "store-commit-failure",
		Hypothesis:  "A failed unit of work leaves counters, loans and queues untouched",
		SteadyState: t.invariants(),
		Method: []Action{{
			Type:   "failure",
			Target: "store",
			Execute: func(ctx context.Context) error {
				t.StoreFaults.Set(rate)
				return nil
			},
		}},
		Rollback: []Action{{
			Type:   "recover",
			Target: "store",
			Execute: func(ctx context.Context) error {
				t.StoreFaults.Set(0)
				return nil
			},
		}},
		Workload:    t.Step,
		Duration:    duration,
		SampleEvery: duration / 5,
	}
}

// NotificationOutageExperiment fails every delivery.
func (t *Target) NotificationOutageExperiment(duration time.Duration) Experiment {
	return Experiment{
		Name:        "notification-outage",
		Hypothesis:  "Lending keeps its invariants when no notification can be delivered",
		SteadyState: t.invariants(),
		Method: []Action{{
			Type:   "failure",
			Target: "notify",
			Execute: func(ctx context.Context) error {
				t.SinkFaults.Set(1)
				return nil
			},
		}},
		Rollback: []Action{{
			Type:   "recover",
			Target: "notify",
			Execute: func(ctx context.Context) error {
				t.SinkFaults.Set(0)
				return nil
			},
		}},
		Workload:    t.Step,
		Duration:    duration,
		SampleEvery: duration / 5,
	}
}
