// Package memstore keeps lending records in process memory. It backs the
// service when no database is configured and is what the engine tests run
// against.
package memstore

import (
	"bytes"
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/libranexus/lending/internal/catalog"
	"github.com/libranexus/lending/internal/circulation"
	"github.com/libranexus/lending/internal/membership"
)

// table is one record kind keyed by ID. Values are never shared with callers.
type table[T any] map[uuid.UUID]T

// Store is an in-memory implementation of circulation.Store,
// catalog.Repository and membership.Repository.
type Store struct {
	mu           sync.RWMutex
	titles       table[catalog.Title]
	patrons      table[membership.Patron]
	loans        table[circulation.Loan]
	reservations table[circulation.Reservation]
}

// New returns an empty store.
func New() *Store {
	return &Store{
		titles:       make(table[catalog.Title]),
		patrons:      make(table[membership.Patron]),
		loans:        make(table[circulation.Loan]),
		reservations: make(table[circulation.Reservation]),
	}
}

// Atomically runs fn against a private staging area and applies the staged
// writes only if fn succeeds and no staged record was changed by another
// unit of work in the meantime.
func (s *Store) Atomically(ctx context.Context, fn func(tx circulation.Tx) error) error {
	t := &tx{
		store:        s,
		titles:       newStage(func(v *catalog.Title) int { return v.Version }),
		loans:        newStage(func(v *circulation.Loan) int { return v.Version }),
		reservations: newStage(func(v *circulation.Reservation) int { return v.Version }),
	}
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.commit()
}

// UpdateTitles implements catalog.Repository.
func (s *Store) UpdateTitles(ctx context.Context, fn func(ts catalog.TitleStore) error) error {
	return s.Atomically(ctx, func(tx circulation.Tx) error {
		return fn(tx)
	})
}

// FindTitle implements catalog.Repository.
func (s *Store) FindTitle(ctx context.Context, id uuid.UUID) (*catalog.Title, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.titles[id]
	if !ok {
		return nil, catalog.ErrTitleNotFound
	}
	return &t, nil
}

// ListTitles implements catalog.Repository.
func (s *Store) ListTitles(ctx context.Context) ([]*catalog.Title, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*catalog.Title, 0, len(s.titles))
	for _, t := range s.titles {
		out = append(out, &t)
	}
	slices.SortFunc(out, func(a, b *catalog.Title) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), bytes.Compare(a.ID[:], b.ID[:]))
	})
	return out, nil
}

// CreatePatron implements membership.Repository.
func (s *Store) CreatePatron(ctx context.Context, p *membership.Patron) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.patrons {
		if existing.ID == p.ID || existing.Email == p.Email {
			return membership.ErrDuplicatePatron
		}
	}
	p.Version = 1
	s.patrons[p.ID] = *p
	return nil
}

// GetPatron implements membership.Repository.
func (s *Store) GetPatron(ctx context.Context, id uuid.UUID) (*membership.Patron, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patrons[id]
	if !ok {
		return nil, membership.ErrPatronNotFound
	}
	return &p, nil
}

// UpdatePatron implements membership.Repository.
func (s *Store) UpdatePatron(ctx context.Context, id uuid.UUID, fn func(p *membership.Patron) error) (*membership.Patron, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patrons[id]
	if !ok {
		return nil, membership.ErrPatronNotFound
	}
	if err := fn(&p); err != nil {
		return nil, err
	}
	p.Version++
	s.patrons[id] = p
	return &p, nil
}

type tx struct {
	store        *Store
	titles       *stage[catalog.Title]
	loans        *stage[circulation.Loan]
	reservations *stage[circulation.Reservation]
}

func (t *tx) GetTitle(ctx context.Context, id uuid.UUID) (*catalog.Title, error) {
	return t.titles.get(t.store, t.store.titles, id, catalog.ErrTitleNotFound)
}

func (t *tx) SaveTitle(ctx context.Context, title *catalog.Title) error {
	return t.titles.save(t.store, t.store.titles, title.ID, title, &title.Version)
}

func (t *tx) GetPatron(ctx context.Context, id uuid.UUID) (*membership.Patron, error) {
	return t.store.GetPatron(ctx, id)
}

func (t *tx) GetLoan(ctx context.Context, id uuid.UUID) (*circulation.Loan, error) {
	return t.loans.get(t.store, t.store.loans, id, circulation.ErrLoanNotFound)
}

func (t *tx) SaveLoan(ctx context.Context, l *circulation.Loan) error {
	return t.loans.save(t.store, t.store.loans, l.ID, l, &l.Version)
}

func (t *tx) ListLoans(ctx context.Context, f circulation.LoanFilter) ([]*circulation.Loan, error) {
	out := t.loans.list(t.store, t.store.loans, f.Match)
	slices.SortFunc(out, func(a, b *circulation.Loan) int {
		return cmp.Or(a.BorrowedAt.Compare(b.BorrowedAt), bytes.Compare(a.ID[:], b.ID[:]))
	})
	return out, nil
}

func (t *tx) GetReservation(ctx context.Context, id uuid.UUID) (*circulation.Reservation, error) {
	return t.reservations.get(t.store, t.store.reservations, id, circulation.ErrReservationNotFound)
}

func (t *tx) SaveReservation(ctx context.Context, r *circulation.Reservation) error {
	return t.reservations.save(t.store, t.store.reservations, r.ID, r, &r.Version)
}

func (t *tx) ListReservations(ctx context.Context, f circulation.ReservationFilter) ([]*circulation.Reservation, error) {
	out := t.reservations.list(t.store, t.store.reservations, f.Match)
	slices.SortFunc(out, func(a, b *circulation.Reservation) int {
		return cmp.Or(a.RequestedAt.Compare(b.RequestedAt), bytes.Compare(a.ID[:], b.ID[:]))
	})
	return out, nil
}

func (t *tx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if !t.titles.current(s.titles) || !t.loans.current(s.loans) || !t.reservations.current(s.reservations) {
		return circulation.ErrConcurrencyConflict
	}
	t.titles.apply(s.titles)
	t.loans.apply(s.loans)
	t.reservations.apply(s.reservations)
	return nil
}

// stage holds the writes of one unit of work for one record kind, with
// the committed version each record had when it was first staged.
type stage[T any] struct {
	rows    table[T]
	base    map[uuid.UUID]int
	version func(*T) int
}

func newStage[T any](version func(*T) int) *stage[T] {
	return &stage[T]{
		rows:    make(table[T]),
		base:    make(map[uuid.UUID]int),
		version: version,
	}
}

func (st *stage[T]) get(s *Store, committed table[T], id uuid.UUID, notFound error) (*T, error) {
	if v, ok := st.rows[id]; ok {
		return &v, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := committed[id]
	if !ok {
		return nil, notFound
	}
	return &v, nil
}

// save stages v if its version matches the staged or committed copy, then
// bumps the version. A record that does not exist yet must have version 0.
func (st *stage[T]) save(s *Store, committed table[T], id uuid.UUID, v *T, version *int) error {
	current, ok := st.rows[id]
	if !ok {
		s.mu.RLock()
		current, ok = committed[id]
		s.mu.RUnlock()
	}
	expected := 0
	if ok {
		expected = st.version(&current)
	}
	if *version != expected {
		return circulation.ErrConcurrencyConflict
	}
	if _, staged := st.base[id]; !staged {
		st.base[id] = expected
	}
	*version++
	st.rows[id] = *v
	return nil
}

func (st *stage[T]) list(s *Store, committed table[T], match func(*T) bool) []*T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*T
	for id, v := range committed {
		if sv, ok := st.rows[id]; ok {
			v = sv
		}
		if match(&v) {
			out = append(out, &v)
		}
	}
	for id, v := range st.rows {
		if _, ok := committed[id]; ok {
			continue
		}
		if match(&v) {
			out = append(out, &v)
		}
	}
	return out
}

// current reports whether no staged record changed in committed since it
// was staged.
func (st *stage[T]) current(committed table[T]) bool {
	for id, base := range st.base {
		got := 0
		if c, ok := committed[id]; ok {
			got = st.version(&c)
		}
		if got != base {
			return false
		}
	}
	return true
}

func (st *stage[T]) apply(committed table[T]) {
	for id, v := range st.rows {
		committed[id] = v
	}
}
