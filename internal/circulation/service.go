// internal/circulation/service.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Service defines the interface for the circulation service.
type Service interface {
	Checkout(ctx context.Context, patronID, titleID uuid.UUID, durationDays int) (*Loan, error)
	Extend(ctx context.Context, loanID uuid.UUID, days int) (*Loan, error)
	Return(ctx context.Context, loanID uuid.UUID, returnedAt time.Time) (*Loan, error)
	Claim(ctx context.Context, reservationID uuid.UUID, durationDays int) (*Loan, error)
	GetLoan(ctx context.Context, id uuid.UUID) (*Loan, error)
	ListLoans(ctx context.Context, f LoanFilter) ([]*Loan, error)

	Reserve(ctx context.Context, patronID, titleID uuid.UUID) (*Reservation, error)
	Cancel(ctx context.Context, reservationID uuid.UUID) (*Reservation, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error)
	ListReservations(ctx context.Context, f ReservationFilter) ([]*Reservation, error)

	SweepOverdue(ctx context.Context, now time.Time) (int, error)
	SweepDueSoon(ctx context.Context, now time.Time) (int, error)
	SweepExpiredHolds(ctx context.Context, now time.Time) (int, error)
}
