// internal/catalog/implementation.go
package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/libranexus/lending/internal/clock"
)

// service implements the Service interface.
type service struct {
	repo   Repository
	ledger *Ledger
	clock  clock.Clock
	logger *zap.Logger
}

// NewService creates a new catalog service instance.
func NewService(repo Repository, ledger *Ledger, clk clock.Clock, logger *zap.Logger) Service {
	return &service{
		repo:   repo,
		ledger: ledger,
		clock:  clk,
		logger: logger,
	}
}

// AddTitle registers a new title with all of its copies on the shelf.
func (s *service) AddTitle(ctx context.Context, isbn, name, author string, totalCopies int) (*Title, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidTitle)
	}
	if totalCopies < 0 {
		return nil, fmt.Errorf("%w: total copies must not be negative", ErrInvalidTitle)
	}

	now := s.clock.Now()
	title := &Title{
		ID:              uuid.Must(uuid.NewV7()),
		ISBN:            isbn,
		Name:            name,
		Author:          author,
		TotalCopies:     totalCopies,
		AvailableCopies: totalCopies,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.repo.UpdateTitles(ctx, func(ts TitleStore) error {
		return ts.SaveTitle(ctx, title)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add title: %w", err)
	}

	s.logger.Info("title added",
		zap.String("title_id", title.ID.String()),
		zap.Int("total_copies", totalCopies),
	)
	return title, nil
}

// GetTitle retrieves a title by its ID.
func (s *service) GetTitle(ctx context.Context, id uuid.UUID) (*Title, error) {
	return s.repo.FindTitle(ctx, id)
}

func (s *service) ListTitles(ctx context.Context) ([]*Title, error) {
	return s.repo.ListTitles(ctx)
}

// RetireTitle withdraws a title from lending. Open loans run to completion.
func (s *service) RetireTitle(ctx context.Context, id uuid.UUID) (*Title, error) {
	unlock := s.ledger.Lock(id)
	defer unlock()

	var title *Title
	err := s.repo.UpdateTitles(ctx, func(ts TitleStore) error {
		t, err := ts.GetTitle(ctx, id)
		if err != nil {
			return err
		}
		if !t.Active {
			title = t
			return nil
		}
		t.Active = false
		t.UpdatedAt = s.clock.Now()
		if err := ts.SaveTitle(ctx, t); err != nil {
			return err
		}
		title = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retire title: %w", err)
	}
	return title, nil
}
