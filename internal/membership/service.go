// internal/membership/service.go
package membership

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the membership service.
type Service interface {
	RegisterPatron(ctx context.Context, req Registration) (*Patron, error)
	GetPatron(ctx context.Context, id uuid.UUID) (*Patron, error)
	SetBlocked(ctx context.Context, id uuid.UUID, blocked bool) (*Patron, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) (*Patron, error)
}

// Registration carries the fields accepted when a patron signs up.
type Registration struct {
	Email          string
	Name           string
	MaxActiveLoans int
	TelegramChatID int64
}

// Repository is the persistence the membership service needs.
type Repository interface {
	CreatePatron(ctx context.Context, p *Patron) error
	GetPatron(ctx context.Context, id uuid.UUID) (*Patron, error)
	// UpdatePatron loads the patron, applies fn and saves the result atomically.
	UpdatePatron(ctx context.Context, id uuid.UUID, fn func(p *Patron) error) (*Patron, error)
}
