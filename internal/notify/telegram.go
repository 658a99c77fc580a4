// internal/notify/telegram.go
package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
)

// ChatResolver finds the Telegram chat of a patron. ok is false when the
// patron has not linked one.
type ChatResolver interface {
	TelegramChat(ctx context.Context, patronID uuid.UUID) (chatID int64, ok bool, err error)
}

// sender is the part of *tgbotapi.BotAPI the sink uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink sends notifications as Telegram messages.
type TelegramSink struct {
	bot   sender
	chats ChatResolver
}

// NewTelegramSink connects to the Bot API with token.
func NewTelegramSink(token string, chats ChatResolver) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return &TelegramSink{bot: bot, chats: chats}, nil
}

func (s *TelegramSink) Notify(ctx context.Context, n Notification) error {
	chatID, ok, err := s.chats.TelegramChat(ctx, n.PatronID)
	if err != nil {
		return fmt.Errorf("failed to resolve chat: %w", err)
	}
	if !ok {
		return nil
	}
	if _, err := s.bot.Send(tgbotapi.NewMessage(chatID, messageText(n))); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

func messageText(n Notification) string {
	switch n.Kind {
	case KindOverdue:
		return fmt.Sprintf("📕 Your loan %s is overdue. Please return the book.", n.SubjectID)
	case KindCopyAvailable:
		return fmt.Sprintf("📗 A copy is waiting for you. Claim reservation %s before the hold expires.", n.SubjectID)
	case KindDueSoon:
		return fmt.Sprintf("⏰ Your loan %s is due soon.", n.SubjectID)
	default:
		return fmt.Sprintf("Library notice %s about %s", n.Kind, n.SubjectID)
	}
}
