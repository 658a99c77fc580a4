// internal/catalog/domain.go
package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTitleNotFound      = errors.New("title not found")
	ErrTitleRetired       = errors.New("title is retired")
	ErrInvalidTitle       = errors.New("invalid title")
	ErrInvariantViolation = errors.New("inventory invariant violated")
)

// Title is a catalog work. Copies are tracked as counts, not individually.
type Title struct {
	ID              uuid.UUID `json:"id"`
	ISBN            string    `json:"isbn"`
	Name            string    `json:"name"`
	Author          string    `json:"author"`
	TotalCopies     int       `json:"total_copies"`
	AvailableCopies int       `json:"available_copies"`
	Active          bool      `json:"active"`
	CheckoutCount   int       `json:"checkout_count"`
	Version         int       `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// OnLoan is the number of copies currently out.
func (t *Title) OnLoan() int {
	return t.TotalCopies - t.AvailableCopies
}
