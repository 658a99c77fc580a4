// internal/circulation/policy.go
package circulation

import (
	"time"

	"github.com/shopspring/decimal"
)

// Policy holds the lending rules.
type Policy struct {
	MaxActiveLoans      int
	LoanDurationDays    int
	MaxLoanDurationDays int
	MaxExtensions       int
	ExtensionDays       int
	PenaltyPerDay       decimal.Decimal
	HoldDurationDays    int
	// WaitingLifetimeDays expires waiting reservations older than this; 0 disables it.
	WaitingLifetimeDays int
	// ReminderLeadDays is how long before the due date a reminder goes out; 0 disables it.
	ReminderLeadDays int
	// Location decides where calendar days start for penalty computation.
	Location *time.Location
}

// DefaultPolicy returns the library's standard rules.
func DefaultPolicy() Policy {
	return Policy{
		MaxActiveLoans:      3,
		LoanDurationDays:    14,
		MaxLoanDurationDays: 21,
		MaxExtensions:       2,
		ExtensionDays:       7,
		PenaltyPerDay:       decimal.RequireFromString("0.50"),
		HoldDurationDays:    3,
		WaitingLifetimeDays: 30,
		ReminderLeadDays:    2,
		Location:            time.UTC,
	}
}

// loanDays applies the default and the cap to a requested loan duration.
func (p Policy) loanDays(requested int) int {
	days := requested
	if days <= 0 {
		days = p.LoanDurationDays
	}
	if p.MaxLoanDurationDays > 0 && days > p.MaxLoanDurationDays {
		days = p.MaxLoanDurationDays
	}
	return days
}

func (p Policy) extensionDays(requested int) int {
	if requested <= 0 {
		return p.ExtensionDays
	}
	return requested
}

// DaysLate counts whole calendar days from the due date to the return
// date. Returning any time on the due date is not late.
func (p Policy) DaysLate(dueAt, returnedAt time.Time) int {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	due := calendarDate(dueAt.In(loc))
	returned := calendarDate(returnedAt.In(loc))
	days := int(returned.Sub(due).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Penalty is DaysLate multiplied by the per-day rate.
func (p Policy) Penalty(dueAt, returnedAt time.Time) decimal.Decimal {
	return p.PenaltyPerDay.Mul(decimal.NewFromInt(int64(p.DaysLate(dueAt, returnedAt))))
}

func calendarDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
