// internal/membership/chats.go
package membership

import (
	"context"

	"github.com/google/uuid"
)

// ChatDirectory looks up the Telegram chat a patron linked at registration.
type ChatDirectory struct {
	Repo Repository
}

func (d ChatDirectory) TelegramChat(ctx context.Context, patronID uuid.UUID) (int64, bool, error) {
	p, err := d.Repo.GetPatron(ctx, patronID)
	if err != nil {
		return 0, false, err
	}
	return p.TelegramChatID, p.TelegramChatID != 0, nil
}
