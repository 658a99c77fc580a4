// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the catalog service.
type Service interface {
	AddTitle(ctx context.Context, isbn, name, author string, totalCopies int) (*Title, error)
	GetTitle(ctx context.Context, id uuid.UUID) (*Title, error)
	ListTitles(ctx context.Context) ([]*Title, error)
	RetireTitle(ctx context.Context, id uuid.UUID) (*Title, error)
}

// TitleStore reads and writes titles inside a unit of work.
type TitleStore interface {
	GetTitle(ctx context.Context, id uuid.UUID) (*Title, error)
	SaveTitle(ctx context.Context, t *Title) error
}

// Repository is the persistence the catalog service needs.
type Repository interface {
	// UpdateTitles runs fn in a unit of work over titles.
	UpdateTitles(ctx context.Context, fn func(ts TitleStore) error) error
	// FindTitle reads a title without locking it.
	FindTitle(ctx context.Context, id uuid.UUID) (*Title, error)
	ListTitles(ctx context.Context) ([]*Title, error)
}
