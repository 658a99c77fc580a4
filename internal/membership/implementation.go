// internal/membership/implementation.go
package membership

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/libranexus/lending/internal/clock"
)

// service implements the Service interface.
type service struct {
	repo        Repository
	clock       clock.Clock
	logger      *zap.Logger
	rateLimiter *rate.Limiter
}

// NewService creates a new membership service instance.
func NewService(repo Repository, clk clock.Clock, logger *zap.Logger) Service {
	return &service{
		repo:        repo,
		clock:       clk,
		logger:      logger,
		rateLimiter: rate.NewLimiter(rate.Every(1*time.Minute), 5), // 5 registrations per minute
	}
}

// RegisterPatron creates a new active patron.
func (s *service) RegisterPatron(ctx context.Context, req Registration) (*Patron, error) {
	if !s.rateLimiter.Allow() {
		return nil, ErrRateLimited
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: email and name are required", ErrInvalidPatron)
	}
	if req.MaxActiveLoans < 0 {
		return nil, fmt.Errorf("%w: max active loans must not be negative", ErrInvalidPatron)
	}

	now := s.clock.Now()
	patron := &Patron{
		ID:             uuid.Must(uuid.NewV7()),
		Email:          req.Email,
		Name:           req.Name,
		Status:         StatusActive,
		MaxActiveLoans: req.MaxActiveLoans,
		TelegramChatID: req.TelegramChatID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreatePatron(ctx, patron); err != nil {
		return nil, fmt.Errorf("failed to register patron: %w", err)
	}

	s.logger.Info("patron registered", zap.String("patron_id", patron.ID.String()))
	return patron, nil
}

// GetPatron retrieves a patron by ID.
func (s *service) GetPatron(ctx context.Context, id uuid.UUID) (*Patron, error) {
	return s.repo.GetPatron(ctx, id)
}

// SetBlocked blocks or unblocks borrowing for a patron.
func (s *service) SetBlocked(ctx context.Context, id uuid.UUID, blocked bool) (*Patron, error) {
	return s.repo.UpdatePatron(ctx, id, func(p *Patron) error {
		p.Blocked = blocked
		p.UpdatedAt = s.clock.Now()
		return nil
	})
}

func (s *service) SetStatus(ctx context.Context, id uuid.UUID, status string) (*Patron, error) {
	if status != StatusActive && status != StatusInactive {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidPatron, status)
	}
	return s.repo.UpdatePatron(ctx, id, func(p *Patron) error {
		p.Status = status
		p.UpdatedAt = s.clock.Now()
		return nil
	})
}
