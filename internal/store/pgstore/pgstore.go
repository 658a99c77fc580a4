// Package pgstore persists lending records in Postgres. Every saved record
// also gets an audit event in the same transaction.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/reflectx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/libranexus/lending/internal/catalog"
	"github.com/libranexus/lending/internal/circulation"
	"github.com/libranexus/lending/internal/membership"
	"github.com/libranexus/lending/pkg/eventstore"
)

const (
	tableTitles       = "titles"
	tablePatrons      = "patrons"
	tableLoans        = "loans"
	tableReservations = "reservations"

	uniqueViolation = "23505"
)

var dialect = goqu.Dialect("postgres")

// Store implements circulation.Store, catalog.Repository and
// membership.Repository on Postgres.
type Store struct {
	db     *sqlx.DB
	events *eventstore.EventStore
	logger *zap.Logger
}

// New wraps an open connection. Columns are matched to the json tags of
// the domain types.
func New(db *sqlx.DB, logger *zap.Logger) *Store {
	db.Mapper = reflectx.NewMapperFunc("json", strings.ToLower)
	return &Store{
		db:     db,
		events: eventstore.NewEventStore(db.DB),
		logger: logger,
	}
}

// Open connects to dsn and checks the connection.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	logger.Info("connected to postgres")
	return New(db, logger), nil
}

// Close closes the database pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Events exposes the audit log.
func (s *Store) Events() *eventstore.EventStore {
	return s.events
}

// Atomically runs fn in one database transaction. Titles and patrons read
// through tx are row locked until it ends.
func (s *Store) Atomically(ctx context.Context, fn func(tx circulation.Tx) error) error {
	return s.inTx(ctx, func(t *tx) error { return fn(t) })
}

func (s *Store) inTx(ctx context.Context, fn func(t *tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&tx{tx: sqlTx, events: s.events}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

// UpdateTitles implements catalog.Repository.
func (s *Store) UpdateTitles(ctx context.Context, fn func(ts catalog.TitleStore) error) error {
	return s.Atomically(ctx, func(tx circulation.Tx) error {
		return fn(tx)
	})
}

// FindTitle implements catalog.Repository. It takes no row lock.
func (s *Store) FindTitle(ctx context.Context, id uuid.UUID) (*catalog.Title, error) {
	query, args, err := dialect.From(tableTitles).Prepared(true).
		Where(goqu.C("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	var title catalog.Title
	if err := s.db.GetContext(ctx, &title, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, catalog.ErrTitleNotFound
		}
		return nil, fmt.Errorf("failed to get title: %w", err)
	}
	return &title, nil
}

// ListTitles implements catalog.Repository.
func (s *Store) ListTitles(ctx context.Context) ([]*catalog.Title, error) {
	query, args, err := dialect.From(tableTitles).Prepared(true).
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	var titles []*catalog.Title
	if err := s.db.SelectContext(ctx, &titles, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list titles: %w", err)
	}
	return titles, nil
}

// CreatePatron implements membership.Repository.
func (s *Store) CreatePatron(ctx context.Context, p *membership.Patron) error {
	return s.inTx(ctx, func(t *tx) error {
		p.Version = 0
		if err := t.insert(ctx, tablePatrons, p.ID, patronRecord(p), &p.Version); err != nil {
			if errors.Is(err, circulation.ErrConcurrencyConflict) {
				return membership.ErrDuplicatePatron
			}
			return err
		}
		return t.audit(ctx, "patron", p.ID, 0, "PatronRegistered", p)
	})
}

// GetPatron implements membership.Repository.
func (s *Store) GetPatron(ctx context.Context, id uuid.UUID) (*membership.Patron, error) {
	query, args, err := dialect.From(tablePatrons).Prepared(true).
		Where(goqu.C("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	var p membership.Patron
	if err := s.db.GetContext(ctx, &p, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, membership.ErrPatronNotFound
		}
		return nil, fmt.Errorf("failed to get patron: %w", err)
	}
	return &p, nil
}

// UpdatePatron implements membership.Repository.
func (s *Store) UpdatePatron(ctx context.Context, id uuid.UUID, fn func(p *membership.Patron) error) (*membership.Patron, error) {
	var updated *membership.Patron
	err := s.inTx(ctx, func(t *tx) error {
		p, err := t.GetPatron(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		base := p.Version
		if err := t.update(ctx, tablePatrons, p.ID, patronRecord(p), &p.Version); err != nil {
			return err
		}
		updated = p
		return t.audit(ctx, "patron", p.ID, base, "PatronUpdated", p)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// mapError turns constraint violations into the domain conflict error.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", circulation.ErrConcurrencyConflict, pqErr.Constraint)
	}
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		return fmt.Errorf("%w: %v", circulation.ErrConcurrencyConflict, err)
	}
	return err
}

type tx struct {
	tx     *sqlx.Tx
	events *eventstore.EventStore
}

func (t *tx) GetTitle(ctx context.Context, id uuid.UUID) (*catalog.Title, error) {
	var title catalog.Title
	if err := t.getForUpdate(ctx, tableTitles, id, &title, catalog.ErrTitleNotFound); err != nil {
		return nil, err
	}
	return &title, nil
}

func (t *tx) SaveTitle(ctx context.Context, title *catalog.Title) error {
	return t.save(ctx, tableTitles, "title", title.ID, titleRecord(title), &title.Version, title)
}

func (t *tx) GetPatron(ctx context.Context, id uuid.UUID) (*membership.Patron, error) {
	var p membership.Patron
	if err := t.getForUpdate(ctx, tablePatrons, id, &p, membership.ErrPatronNotFound); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *tx) GetLoan(ctx context.Context, id uuid.UUID) (*circulation.Loan, error) {
	var l circulation.Loan
	if err := t.get(ctx, tableLoans, id, &l, circulation.ErrLoanNotFound); err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *tx) SaveLoan(ctx context.Context, l *circulation.Loan) error {
	return t.save(ctx, tableLoans, "loan", l.ID, loanRecord(l), &l.Version, l)
}

func (t *tx) ListLoans(ctx context.Context, f circulation.LoanFilter) ([]*circulation.Loan, error) {
	ds := dialect.From(tableLoans).Prepared(true).
		Where(loanWhere(f)...).
		Order(goqu.C("borrowed_at").Asc(), goqu.C("id").Asc())
	var loans []*circulation.Loan
	if err := t.selectAll(ctx, ds, &loans); err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	return loans, nil
}

func (t *tx) GetReservation(ctx context.Context, id uuid.UUID) (*circulation.Reservation, error) {
	var r circulation.Reservation
	if err := t.get(ctx, tableReservations, id, &r, circulation.ErrReservationNotFound); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *tx) SaveReservation(ctx context.Context, r *circulation.Reservation) error {
	return t.save(ctx, tableReservations, "reservation", r.ID, reservationRecord(r), &r.Version, r)
}

func (t *tx) ListReservations(ctx context.Context, f circulation.ReservationFilter) ([]*circulation.Reservation, error) {
	ds := dialect.From(tableReservations).Prepared(true).
		Where(reservationWhere(f)...).
		Order(goqu.C("requested_at").Asc(), goqu.C("id").Asc())
	var rs []*circulation.Reservation
	if err := t.selectAll(ctx, ds, &rs); err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	return rs, nil
}

func (t *tx) get(ctx context.Context, table string, id uuid.UUID, dest interface{}, notFound error) error {
	return t.getFrom(ctx, dialect.From(table).Prepared(true).Where(goqu.C("id").Eq(id)), dest, notFound)
}

func (t *tx) getForUpdate(ctx context.Context, table string, id uuid.UUID, dest interface{}, notFound error) error {
	ds := dialect.From(table).Prepared(true).Where(goqu.C("id").Eq(id)).ForUpdate(exp.Wait)
	return t.getFrom(ctx, ds, dest, notFound)
}

func (t *tx) getFrom(ctx context.Context, ds *goqu.SelectDataset, dest interface{}, notFound error) error {
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	if err := t.tx.GetContext(ctx, dest, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound
		}
		return fmt.Errorf("failed to load record: %w", err)
	}
	return nil
}

func (t *tx) selectAll(ctx context.Context, ds *goqu.SelectDataset, dest interface{}) error {
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	return t.tx.SelectContext(ctx, dest, query, args...)
}

// save inserts the record when *version is 0 and otherwise updates it
// guarded by the version, then appends an audit event for the change.
func (t *tx) save(ctx context.Context, table, aggregate string, id uuid.UUID, rec goqu.Record, version *int, snapshot interface{}) error {
	base := *version
	var err error
	if base == 0 {
		err = t.insert(ctx, table, id, rec, version)
	} else {
		err = t.update(ctx, table, id, rec, version)
	}
	if err != nil {
		return err
	}
	eventType := strings.ToUpper(aggregate[:1]) + aggregate[1:] + "Saved"
	return t.audit(ctx, aggregate, id, base, eventType, snapshot)
}

func (t *tx) insert(ctx context.Context, table string, id uuid.UUID, rec goqu.Record, version *int) error {
	rec["id"] = id
	rec["version"] = 1
	query, args, err := dialect.Insert(table).Prepared(true).Rows(rec).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, mapError(err))
	}
	*version = 1
	return nil
}

func (t *tx) update(ctx context.Context, table string, id uuid.UUID, rec goqu.Record, version *int) error {
	rec["version"] = *version + 1
	query, args, err := dialect.Update(table).Prepared(true).
		Set(rec).
		Where(goqu.C("id").Eq(id), goqu.C("version").Eq(*version)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", table, mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return circulation.ErrConcurrencyConflict
	}
	*version++
	return nil
}

func (t *tx) audit(ctx context.Context, aggregate string, id uuid.UUID, base int, eventType string, snapshot interface{}) error {
	event, err := eventstore.NewEvent(eventType, snapshot, nil)
	if err != nil {
		return err
	}
	if err := t.events.Append(ctx, t.tx, id, aggregate, base, []eventstore.Event{event}); err != nil {
		return fmt.Errorf("failed to append %s event: %w", aggregate, mapError(err))
	}
	return nil
}
