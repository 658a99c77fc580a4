// internal/notify/notification.go
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind is what a notification tells the patron.
type Kind string

const (
	KindOverdue       Kind = "overdue"
	KindCopyAvailable Kind = "copy_available"
	KindDueSoon       Kind = "due_soon"
)

// Notification is a message owed to a patron. SubjectID is the loan for
// overdue and due-soon notices and the reservation for copy-available ones.
type Notification struct {
	PatronID  uuid.UUID `json:"patron_id"`
	Kind      Kind      `json:"kind"`
	SubjectID uuid.UUID `json:"subject_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink delivers a notification to its patron.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}
