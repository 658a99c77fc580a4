// internal/circulation/store.go
package circulation

import (
	"context"

	"github.com/google/uuid"

	"github.com/libranexus/lending/internal/catalog"
	"github.com/libranexus/lending/internal/membership"
	"github.com/libranexus/lending/internal/notify"
)

// Tx is the view of persistence inside one unit of work.
//
// Save* insert a record whose Version is 0 and otherwise update it only
// if the stored version still matches, returning ErrConcurrencyConflict
// when it does not. A successful save bumps the record's Version.
type Tx interface {
	catalog.TitleStore

	GetPatron(ctx context.Context, id uuid.UUID) (*membership.Patron, error)

	GetLoan(ctx context.Context, id uuid.UUID) (*Loan, error)
	SaveLoan(ctx context.Context, l *Loan) error
	ListLoans(ctx context.Context, f LoanFilter) ([]*Loan, error)

	GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error)
	SaveReservation(ctx context.Context, r *Reservation) error
	ListReservations(ctx context.Context, f ReservationFilter) ([]*Reservation, error)
}

// Store runs units of work. Either every save made through tx is durable
// when Atomically returns nil, or none is.
type Store interface {
	Atomically(ctx context.Context, fn func(tx Tx) error) error
}

// Notifier accepts notifications once the state change that produced them
// is committed. Delivery is not the engine's concern.
type Notifier interface {
	Publish(ctx context.Context, ns ...notify.Notification)
}
