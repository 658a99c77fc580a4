package pgstore

import (
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"

	"github.com/libranexus/lending/internal/catalog"
	"github.com/libranexus/lending/internal/circulation"
	"github.com/libranexus/lending/internal/membership"
)

func titleRecord(t *catalog.Title) goqu.Record {
	return goqu.Record{
		"isbn":             t.ISBN,
		"name":             t.Name,
		"author":           t.Author,
		"total_copies":     t.TotalCopies,
		"available_copies": t.AvailableCopies,
		"active":           t.Active,
		"checkout_count":   t.CheckoutCount,
		"created_at":       t.CreatedAt,
		"updated_at":       t.UpdatedAt,
	}
}

func patronRecord(p *membership.Patron) goqu.Record {
	return goqu.Record{
		"email":            p.Email,
		"name":             p.Name,
		"status":           p.Status,
		"blocked":          p.Blocked,
		"max_active_loans": p.MaxActiveLoans,
		"telegram_chat_id": p.TelegramChatID,
		"created_at":       p.CreatedAt,
		"updated_at":       p.UpdatedAt,
	}
}

func loanRecord(l *circulation.Loan) goqu.Record {
	return goqu.Record{
		"title_id":         l.TitleID,
		"patron_id":        l.PatronID,
		"borrowed_at":      l.BorrowedAt,
		"due_at":           l.DueAt,
		"returned_at":      nullable(l.ReturnedAt),
		"state":            string(l.State),
		"extension_count":  l.ExtensionCount,
		"penalty":          l.Penalty.StringFixed(2),
		"overdue_notified": l.OverdueNotified,
		"reminder_sent":    l.ReminderSent,
	}
}

func reservationRecord(r *circulation.Reservation) goqu.Record {
	return goqu.Record{
		"title_id":        r.TitleID,
		"patron_id":       r.PatronID,
		"requested_at":    r.RequestedAt,
		"queue_position":  r.QueuePosition,
		"state":           string(r.State),
		"ready_at":        nullable(r.ReadyAt),
		"hold_expires_at": nullable(r.HoldExpiresAt),
		"closed_at":       nullable(r.ClosedAt),
	}
}

func loanWhere(f circulation.LoanFilter) []exp.Expression {
	var where []exp.Expression
	if f.TitleID != uuid.Nil {
		where = append(where, goqu.C("title_id").Eq(f.TitleID))
	}
	if f.PatronID != uuid.Nil {
		where = append(where, goqu.C("patron_id").Eq(f.PatronID))
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, s := range f.States {
			states[i] = string(s)
		}
		where = append(where, goqu.C("state").In(states))
	}
	if !f.DueBefore.IsZero() {
		where = append(where, goqu.C("due_at").Lt(f.DueBefore))
	}
	return where
}

func reservationWhere(f circulation.ReservationFilter) []exp.Expression {
	var where []exp.Expression
	if f.TitleID != uuid.Nil {
		where = append(where, goqu.C("title_id").Eq(f.TitleID))
	}
	if f.PatronID != uuid.Nil {
		where = append(where, goqu.C("patron_id").Eq(f.PatronID))
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, s := range f.States {
			states[i] = string(s)
		}
		where = append(where, goqu.C("state").In(states))
	}
	if !f.HoldExpiresBefore.IsZero() {
		where = append(where, goqu.C("hold_expires_at").Lt(f.HoldExpiresBefore))
	}
	if !f.RequestedBefore.IsZero() {
		where = append(where, goqu.C("requested_at").Lt(f.RequestedBefore))
	}
	return where
}

func nullable(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
