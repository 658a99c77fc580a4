// internal/circulation/engine.go
package circulation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/libranexus/lending/internal/catalog"
	"github.com/libranexus/lending/internal/clock"
	"github.com/libranexus/lending/internal/keylock"
	"github.com/libranexus/lending/internal/membership"
	"github.com/libranexus/lending/internal/notify"
)

// sweepConcurrency bounds how many titles a sweep pass works on at once.
const sweepConcurrency = 8

// Options wires the collaborators shared by the loan register and the
// reservation queue.
type Options struct {
	Store    Store
	Ledger   *catalog.Ledger
	Clock    clock.Clock
	Policy   Policy
	Notifier Notifier
	Logger   *zap.Logger
}

type core struct {
	store       Store
	ledger      *catalog.Ledger
	patronLocks *keylock.Map
	clock       clock.Clock
	policy      Policy
	notifier    Notifier
	logger      *zap.Logger
}

func newCore(opts Options) *core {
	c := &core{
		store:       opts.Store,
		ledger:      opts.Ledger,
		patronLocks: keylock.New(),
		clock:       opts.Clock,
		policy:      opts.Policy,
		notifier:    opts.Notifier,
		logger:      opts.Logger,
	}
	if c.clock == nil {
		c.clock = clock.System{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.ledger == nil {
		c.ledger = catalog.NewLedger(c.clock, c.logger)
	}
	if c.policy.Location == nil {
		c.policy.Location = time.UTC
	}
	return c
}

// outbox collects notifications raised inside a critical section.
type outbox struct {
	ns []notify.Notification
}

func (o *outbox) add(n notify.Notification) {
	o.ns = append(o.ns, n)
}

// update runs fn under the title lock (and the patron lock when patronID
// is set) in one unit of work. Notifications are published only after the
// locks are released and the unit of work committed.
func (c *core) update(ctx context.Context, titleID, patronID uuid.UUID, fn func(tx Tx, out *outbox) error) error {
	var out outbox
	err := func() error {
		defer c.ledger.Lock(titleID)()
		if patronID != uuid.Nil {
			defer c.patronLocks.Lock(patronID)()
		}
		return c.store.Atomically(ctx, func(tx Tx) error {
			out.ns = out.ns[:0]
			return fn(tx, &out)
		})
	}()
	if err != nil {
		return err
	}
	if len(out.ns) > 0 && c.notifier != nil {
		c.notifier.Publish(ctx, out.ns...)
	}
	return nil
}

func (c *core) view(ctx context.Context, fn func(tx Tx) error) error {
	return c.store.Atomically(ctx, fn)
}

// loadBorrower checks that the patron may borrow.
func (c *core) loadBorrower(ctx context.Context, tx Tx, patronID uuid.UUID) (*membership.Patron, error) {
	patron, err := tx.GetPatron(ctx, patronID)
	if err != nil {
		return nil, err
	}
	if !patron.CanBorrow() {
		return nil, ErrPatronIneligible
	}
	return patron, nil
}

// loadBorrowable checks that the patron may borrow and the title may be lent.
func (c *core) loadBorrowable(ctx context.Context, tx Tx, patronID, titleID uuid.UUID) (*membership.Patron, *catalog.Title, error) {
	patron, err := c.loadBorrower(ctx, tx, patronID)
	if err != nil {
		return nil, nil, err
	}
	title, err := tx.GetTitle(ctx, titleID)
	if err != nil {
		return nil, nil, err
	}
	if !title.Active {
		return nil, nil, ErrTitleRetired
	}
	return patron, title, nil
}

// forEachTitle runs fn for every title with bounded concurrency and sums
// the counts it reports.
func (c *core) forEachTitle(ctx context.Context, titleIDs []uuid.UUID, fn func(ctx context.Context, titleID uuid.UUID) (int, error)) (int, error) {
	var (
		g     errgroup.Group
		total atomic.Int64
	)
	g.SetLimit(sweepConcurrency)
	for _, titleID := range titleIDs {
		g.Go(func() error {
			n, err := fn(ctx, titleID)
			total.Add(int64(n))
			if err != nil {
				return fmt.Errorf("title %s: %w", titleID, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(total.Load()), err
}

// groupByTitle returns the distinct titles in first-seen order and the
// record IDs belonging to each.
func groupByTitle[T any](records []T, key func(T) (titleID, id uuid.UUID)) ([]uuid.UUID, map[uuid.UUID][]uuid.UUID) {
	var order []uuid.UUID
	groups := make(map[uuid.UUID][]uuid.UUID)
	for _, rec := range records {
		titleID, id := key(rec)
		if _, ok := groups[titleID]; !ok {
			order = append(order, titleID)
		}
		groups[titleID] = append(groups[titleID], id)
	}
	return order, groups
}
