// internal/membership/domain.go
package membership

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

var (
	ErrPatronNotFound  = errors.New("patron not found")
	ErrInvalidPatron   = errors.New("invalid patron")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrDuplicatePatron = errors.New("patron already registered")
)

// Patron is a borrowing identity.
type Patron struct {
	ID     uuid.UUID `json:"id"`
	Email  string    `json:"email"`
	Name   string    `json:"name"`
	Status string    `json:"status"`
	// Blocked patrons keep their loans but cannot start new ones.
	Blocked bool `json:"blocked"`
	// MaxActiveLoans overrides the lending policy default when positive.
	MaxActiveLoans int       `json:"max_active_loans"`
	TelegramChatID int64     `json:"telegram_chat_id,omitempty"`
	Version        int       `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CanBorrow reports whether the patron may start loans or reservations.
func (p *Patron) CanBorrow() bool {
	return p.Status == StatusActive && !p.Blocked
}

// LoanLimit returns the patron's own cap, or def when none is set.
func (p *Patron) LoanLimit(def int) int {
	if p.MaxActiveLoans > 0 {
		return p.MaxActiveLoans
	}
	return def
}
