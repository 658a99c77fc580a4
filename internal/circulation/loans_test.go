package circulation_test

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/lending/internal/circulation"
	"github.com/libranexus/lending/internal/membership"
	"github.com/libranexus/lending/internal/notify"
)

func TestCheckoutCreatesActiveLoan(t *testing.T) {
	f := newFixture(t)
	title := f.title(t, 2)
	patron := f.patron(t)

	loan := f.checkout(t, patron, title)

	assert.Equal(t, circulation.LoanActive, loan.State)
	assert.Equal(t, epoch, loan.BorrowedAt)
	assert.Equal(t, epoch.AddDate(0, 0, 14), loan.DueAt)
	assert.True(t, loan.Penalty.IsZero())
	assert.Equal(t, 1, f.available(t, title))

	got, err := f.titles.GetTitle(f.ctx, title)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CheckoutCount)
}

func TestCheckoutDuration(t *testing.T) {
	tests := []struct {
		name      string
		requested int
		wantDays  int
	}{
		{name: "default", requested: 0, wantDays: 14},
		{name: "negative uses default", requested: -3, wantDays: 14},
		{name: "short loan", requested: 5, wantDays: 5},
		{name: "capped", requested: 60, wantDays: 21},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			loan, err := f.loans.Checkout(f.ctx, f.patron(t), f.title(t, 1), tt.requested)
			require.NoError(t, err)
			assert.Equal(t, epoch.AddDate(0, 0, tt.wantDays), loan.DueAt)
		})
	}
}

func TestCheckoutFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, f *fixture) (patron, title uuid.UUID)
		wantErr error
	}{
		{
			name: "unknown patron",
			setup: func(t *testing.T, f *fixture) (uuid.UUID, uuid.UUID) {
				return uuid.New(), f.title(t, 1)
			},
			wantErr: circulation.ErrPatronNotFound,
		},
		{
			name: "blocked patron",
			setup: func(t *testing.T, f *fixture) (uuid.UUID, uuid.UUID) {
				return f.patron(t, func(p *membership.Patron) { p.Blocked = true }), f.title(t, 1)
			},
			wantErr: circulation.ErrPatronIneligible,
		},
		{
			name: "inactive patron",
			setup: func(t *testing.T, f *fixture) (uuid.UUID, uuid.UUID) {
				return f.patron(t, func(p *membership.Patron) { p.Status = membership.StatusInactive }), f.title(t, 1)
			},
			wantErr: circulation.ErrPatronIneligible,
		},
		{
			name: "unknown title",
			setup: func(t *testing.T, f *fixture) (uuid.UUID, uuid.UUID) {
				return f.patron(t), uuid.New()
			},
			wantErr: circulation.ErrTitleNotFound,
		},
		{
			name: "retired title",
			setup: func(t *testing.T, f *fixture) (uuid.UUID, uuid.UUID) {
				title := f.title(t, 1)
				_, err := f.titles.RetireTitle(f.ctx, title)
				require.NoError(t, err)
				return f.patron(t), title
			},
			wantErr: circulation.ErrTitleRetired,
		},
		{
			name: "already borrowed",
			setup: func(t *testing.T, f *fixture) (uuid.UUID, uuid.UUID) {
				patron, title := f.patron(t), f.title(t, 2)
				f.checkout(t, patron, title)
				return patron, title
			},
			wantErr: circulation.ErrAlreadyBorrowed,
		},
		{
			name: "no copy",
			setup: func(t *testing.T, f *fixture) (uuid.UUID, uuid.UUID) {
				title := f.title(t, 1)
				f.checkout(t, f.patron(t), title)
				return f.patron(t), title
			},
			wantErr: circulation.ErrNoCopyAvailable,
		},
		{
			name: "zero copies",
			setup: func(t *testing.T, f *fixture) (uuid.UUID, uuid.UUID) {
				return f.patron(t), f.title(t, 0)
			},
			wantErr: circulation.ErrNoCopyAvailable,
		},
		{
			name: "missing ids",
			setup: func(t *testing.T, f *fixture) (uuid.UUID, uuid.UUID) {
				return uuid.Nil, f.title(t, 1)
			},
			wantErr: circulation.ErrInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			patron, title := tt.setup(t, f)
			_, err := f.loans.Checkout(f.ctx, patron, title, 0)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCheckoutAtLoanLimitLeavesStockUntouched(t *testing.T) {
	f := newFixture(t)
	patron := f.patron(t)
	for i := 0; i < 3; i++ {
		f.checkout(t, patron, f.title(t, 1))
	}
	title := f.title(t, 2)

	_, err := f.loans.Checkout(f.ctx, patron, title, 0)

	assert.ErrorIs(t, err, circulation.ErrLoanLimitReached)
	assert.Equal(t, 2, f.available(t, title))
}

func TestCheckoutUsesPatronLimit(t *testing.T) {
	f := newFixture(t)
	patron := f.patron(t, func(p *membership.Patron) { p.MaxActiveLoans = 1 })
	f.checkout(t, patron, f.title(t, 1))

	_, err := f.loans.Checkout(f.ctx, patron, f.title(t, 1), 0)
	assert.ErrorIs(t, err, circulation.ErrLoanLimitReached)
}

func TestOverdueLoansCountTowardsLimit(t *testing.T) {
	f := newFixture(t)
	patron := f.patron(t)
	for i := 0; i < 3; i++ {
		f.checkout(t, patron, f.title(t, 1))
	}
	f.clock.AdvanceDays(20)
	_, err := f.loans.SweepOverdue(f.ctx, f.clock.Now())
	require.NoError(t, err)

	_, err = f.loans.Checkout(f.ctx, patron, f.title(t, 1), 0)
	assert.ErrorIs(t, err, circulation.ErrLoanLimitReached)
}

func TestCheckoutThenReturnRestoresStock(t *testing.T) {
	f := newFixture(t)
	title := f.title(t, 3)
	before := f.available(t, title)

	loan := f.checkout(t, f.patron(t), title)
	returned, err := f.loans.Return(f.ctx, loan.ID, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, before, f.available(t, title))
	assert.Equal(t, circulation.LoanReturned, returned.State)
	require.NotNil(t, returned.ReturnedAt)
	assert.Equal(t, epoch, *returned.ReturnedAt)
	assert.True(t, returned.Penalty.IsZero())
}

func TestReturnComputesPenalty(t *testing.T) {
	tests := []struct {
		name       string
		returnedAt time.Time
		want       string
	}{
		{name: "three days late", returnedAt: time.Date(2024, 1, 13, 8, 0, 0, 0, time.UTC), want: "1.50"},
		{name: "on the due date", returnedAt: time.Date(2024, 1, 10, 23, 0, 0, 0, time.UTC), want: "0.00"},
		{name: "early", returnedAt: time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC), want: "0.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.clock.Set(time.Date(2023, 12, 27, 10, 0, 0, 0, time.UTC))
			loan := f.checkout(t, f.patron(t), f.title(t, 1))
			require.Equal(t, time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC), loan.DueAt)

			returned, err := f.loans.Return(f.ctx, loan.ID, tt.returnedAt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, returned.Penalty.StringFixed(2))
		})
	}
}

func TestReturnFailures(t *testing.T) {
	f := newFixture(t)
	loan := f.checkout(t, f.patron(t), f.title(t, 1))
	_, err := f.loans.Return(f.ctx, loan.ID, time.Time{})
	require.NoError(t, err)

	_, err = f.loans.Return(f.ctx, loan.ID, time.Time{})
	assert.ErrorIs(t, err, circulation.ErrLoanAlreadyReturned)

	_, err = f.loans.Return(f.ctx, uuid.New(), time.Time{})
	assert.ErrorIs(t, err, circulation.ErrLoanNotFound)
}

func TestReturnBeforeCheckoutIsRejected(t *testing.T) {
	f := newFixture(t)
	title := f.title(t, 1)
	loan := f.checkout(t, f.patron(t), title)

	_, err := f.loans.Return(f.ctx, loan.ID, epoch.Add(-time.Hour))

	assert.ErrorIs(t, err, circulation.ErrInvalidRequest)
	assert.Equal(t, circulation.LoanActive, f.loan(t, loan.ID).State)
	assert.Equal(t, 0, f.available(t, title))
}

func TestReturnOffersCopyToNextWaiting(t *testing.T) {
	f := newFixture(t)
	title := f.title(t, 1)
	loan := f.checkout(t, f.patron(t), title)
	r := f.reserve(t, f.patron(t), title)

	_, err := f.loans.Return(f.ctx, loan.ID, time.Time{})
	require.NoError(t, err)

	got := f.reservation(t, r.ID)
	assert.Equal(t, circulation.ReservationReady, got.State)
	require.NotNil(t, got.HoldExpiresAt)
	assert.Equal(t, epoch.AddDate(0, 0, 3), *got.HoldExpiresAt)
	assert.Equal(t, 1, f.available(t, title))

	ns := f.rec.Of(notify.KindCopyAvailable)
	require.Len(t, ns, 1)
	assert.Equal(t, r.PatronID, ns[0].PatronID)
	assert.Equal(t, r.ID, ns[0].SubjectID)
}

func TestReturnWithoutQueueLeavesCopyFree(t *testing.T) {
	f := newFixture(t)
	title := f.title(t, 1)
	loan := f.checkout(t, f.patron(t), title)

	_, err := f.loans.Return(f.ctx, loan.ID, time.Time{})
	require.NoError(t, err)

	assert.Empty(t, f.rec.All())
	assert.Equal(t, 1, f.available(t, title))
}

func TestExtend(t *testing.T) {
	f := newFixture(t)
	loan := f.checkout(t, f.patron(t), f.title(t, 1))

	extended, err := f.loans.Extend(f.ctx, loan.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, loan.DueAt.AddDate(0, 0, 7), extended.DueAt)
	assert.Equal(t, 1, extended.ExtensionCount)

	extended, err = f.loans.Extend(f.ctx, loan.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, loan.DueAt.AddDate(0, 0, 10), extended.DueAt)

	_, err = f.loans.Extend(f.ctx, loan.ID, 0)
	assert.ErrorIs(t, err, circulation.ErrExtensionLimitReached)
	assert.Equal(t, 2, f.loan(t, loan.ID).ExtensionCount)
}

func TestExtendFailures(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.loans.Extend(f.ctx, uuid.New(), 0)
		assert.ErrorIs(t, err, circulation.ErrLoanNotFound)
	})

	t.Run("returned", func(t *testing.T) {
		f := newFixture(t)
		loan := f.checkout(t, f.patron(t), f.title(t, 1))
		_, err := f.loans.Return(f.ctx, loan.ID, time.Time{})
		require.NoError(t, err)

		_, err = f.loans.Extend(f.ctx, loan.ID, 0)
		assert.ErrorIs(t, err, circulation.ErrLoanAlreadyReturned)
	})

	t.Run("reservation pending", func(t *testing.T) {
		f := newFixture(t)
		title := f.title(t, 2)
		first := f.checkout(t, f.patron(t), title)
		second := f.checkout(t, f.patron(t), title)
		f.reserve(t, f.patron(t), title)

		for _, loan := range []*circulation.Loan{first, second} {
			_, err := f.loans.Extend(f.ctx, loan.ID, 0)
			assert.ErrorIs(t, err, circulation.ErrReservationPending)
			assert.Equal(t, loan.DueAt, f.loan(t, loan.ID).DueAt)
		}
	})
}

func TestExtendRevivesOverdueLoan(t *testing.T) {
	f := newFixture(t)
	loan := f.checkout(t, f.patron(t), f.title(t, 1))
	f.clock.AdvanceDays(16)
	_, err := f.loans.SweepOverdue(f.ctx, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, circulation.LoanOverdue, f.loan(t, loan.ID).State)

	extended, err := f.loans.Extend(f.ctx, loan.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, circulation.LoanActive, extended.State)
}

func TestExtendKeepsLoanOverdueWhenStillLate(t *testing.T) {
	f := newFixture(t)
	loan := f.checkout(t, f.patron(t), f.title(t, 1))
	f.clock.AdvanceDays(30)
	_, err := f.loans.SweepOverdue(f.ctx, f.clock.Now())
	require.NoError(t, err)

	extended, err := f.loans.Extend(f.ctx, loan.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, circulation.LoanOverdue, extended.State)
}

func TestSweepOverdueIsIdempotent(t *testing.T) {
	f := newFixture(t)
	patron := f.patron(t)
	first := f.checkout(t, patron, f.title(t, 1))
	second := f.checkout(t, patron, f.title(t, 1))
	f.clock.AdvanceDays(15)
	now := f.clock.Now()

	n, err := f.loans.SweepOverdue(f.ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, f.rec.Of(notify.KindOverdue), 2)
	firstVersion := f.loan(t, first.ID).Version

	n, err = f.loans.SweepOverdue(f.ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.rec.Of(notify.KindOverdue), 2)
	assert.Equal(t, firstVersion, f.loan(t, first.ID).Version)
	assert.Equal(t, circulation.LoanOverdue, f.loan(t, second.ID).State)
}

func TestSweepOverdueIgnoresLoansDueExactlyNow(t *testing.T) {
	f := newFixture(t)
	loan := f.checkout(t, f.patron(t), f.title(t, 1))

	n, err := f.loans.SweepOverdue(f.ctx, loan.DueAt)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, circulation.LoanActive, f.loan(t, loan.ID).State)
}

func TestOverdueNoticeIsSentOncePerLoan(t *testing.T) {
	f := newFixture(t)
	loan := f.checkout(t, f.patron(t), f.title(t, 1))

	f.clock.AdvanceDays(15)
	_, err := f.loans.SweepOverdue(f.ctx, f.clock.Now())
	require.NoError(t, err)
	_, err = f.loans.Extend(f.ctx, loan.ID, 7)
	require.NoError(t, err)
	require.Equal(t, circulation.LoanActive, f.loan(t, loan.ID).State)

	f.clock.AdvanceDays(10)
	n, err := f.loans.SweepOverdue(f.ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, f.rec.Of(notify.KindOverdue), 1)
}

func TestSweepDueSoonRemindsOnce(t *testing.T) {
	f := newFixture(t)
	loan := f.checkout(t, f.patron(t), f.title(t, 1))

	f.clock.AdvanceDays(10)
	n, err := f.loans.SweepDueSoon(f.ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "four days ahead is outside the lead time")

	f.clock.AdvanceDays(3)
	n, err = f.loans.SweepDueSoon(f.ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.loans.SweepDueSoon(f.ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	ns := f.rec.Of(notify.KindDueSoon)
	require.Len(t, ns, 1)
	assert.Equal(t, loan.ID, ns[0].SubjectID)
}

func TestSweepDueSoonDisabled(t *testing.T) {
	policy := circulation.DefaultPolicy()
	policy.ReminderLeadDays = 0
	f := newFixtureWithPolicy(t, policy)
	f.checkout(t, f.patron(t), f.title(t, 1))
	f.clock.AdvanceDays(13)

	n, err := f.loans.SweepDueSoon(f.ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentCheckoutOfSingleCopy(t *testing.T) {
	f := newFixture(t)
	title := f.title(t, 1)
	var patrons []uuid.UUID
	for i := 0; i < 10; i++ {
		patrons = append(patrons, f.patron(t))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for _, patron := range patrons {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.loans.Checkout(f.ctx, patron, title, 0)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, circulation.ErrNoCopyAvailable)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "only one checkout should succeed")
	assert.Equal(t, 0, f.available(t, title))
	assert.Equal(t, 1, f.openLoans(t, title))
}

func TestConcurrentCheckoutsHonourLimitAcrossTitles(t *testing.T) {
	f := newFixture(t)
	patron := f.patron(t)
	var titles []uuid.UUID
	for i := 0; i < 8; i++ {
		titles = append(titles, f.title(t, 1))
	}

	var wg sync.WaitGroup
	for _, title := range titles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.loans.Checkout(f.ctx, patron, title, 0)
		}()
	}
	wg.Wait()

	open, err := f.loans.ListLoans(f.ctx, circulation.LoanFilter{
		PatronID: patron,
		States:   []circulation.LoanState{circulation.LoanActive},
	})
	require.NoError(t, err)
	assert.Len(t, open, 3)
}

func TestHoldBlocksOtherPatrons(t *testing.T) {
	f := newFixture(t)
	title := f.title(t, 1)
	loan := f.checkout(t, f.patron(t), title)
	holder := f.patron(t)
	r := f.reserve(t, holder, title)
	_, err := f.loans.Return(f.ctx, loan.ID, time.Time{})
	require.NoError(t, err)

	_, err = f.loans.Checkout(f.ctx, f.patron(t), title, 0)
	assert.ErrorIs(t, err, circulation.ErrNoCopyAvailable)
	assert.Equal(t, 1, f.available(t, title))

	got, err := f.loans.Checkout(f.ctx, holder, title, 0)
	require.NoError(t, err)
	assert.Equal(t, holder, got.PatronID)
	assert.Equal(t, circulation.ReservationFulfilled, f.reservation(t, r.ID).State)
}

func TestCheckoutFulfilsWaitingReservation(t *testing.T) {
	f := newFixture(t)
	title := f.title(t, 2)
	first := f.checkout(t, f.patron(t), title)
	f.checkout(t, f.patron(t), title)
	patron := f.patron(t)
	r := f.reserve(t, patron, title)
	f.tick()
	other := f.reserve(t, f.patron(t), title)

	// The holder may check out directly instead of claiming.
	_, err := f.loans.Return(f.ctx, first.ID, time.Time{})
	require.NoError(t, err)
	require.Equal(t, circulation.ReservationReady, f.reservation(t, r.ID).State)

	_, err = f.loans.Checkout(f.ctx, patron, title, 0)
	require.NoError(t, err)
	assert.Equal(t, circulation.ReservationFulfilled, f.reservation(t, r.ID).State)
	assert.Equal(t, 1, f.reservation(t, other.ID).QueuePosition)
}

func TestClaim(t *testing.T) {
	f := newFixture(t)
	title := f.title(t, 1)
	loan := f.checkout(t, f.patron(t), title)
	holder := f.patron(t)
	r := f.reserve(t, holder, title)
	_, err := f.loans.Return(f.ctx, loan.ID, time.Time{})
	require.NoError(t, err)

	f.clock.AdvanceDays(1)
	claimed, err := f.loans.Claim(f.ctx, r.ID, 7)
	require.NoError(t, err)

	assert.Equal(t, holder, claimed.PatronID)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, 7), claimed.DueAt)
	assert.Equal(t, circulation.ReservationFulfilled, f.reservation(t, r.ID).State)
	assert.Equal(t, 0, f.available(t, title))

	_, err = f.loans.Claim(f.ctx, r.ID, 0)
	assert.ErrorIs(t, err, circulation.ErrReservationNotReady)
}

func TestClaimOfExpiredHoldFailsWithoutChanges(t *testing.T) {
	f := newFixture(t)
	title := f.title(t, 1)
	loan := f.checkout(t, f.patron(t), title)
	r := f.reserve(t, f.patron(t), title)
	_, err := f.loans.Return(f.ctx, loan.ID, time.Time{})
	require.NoError(t, err)
	before := f.reservation(t, r.ID)

	f.clock.AdvanceDays(4)
	_, err = f.loans.Claim(f.ctx, r.ID, 0)

	assert.ErrorIs(t, err, circulation.ErrHoldExpired)
	assert.Equal(t, before, f.reservation(t, r.ID))
	assert.Equal(t, 1, f.available(t, title))
}

func TestClaimOfWaitingReservation(t *testing.T) {
	f := newFixture(t)
	title := f.title(t, 1)
	f.checkout(t, f.patron(t), title)
	r := f.reserve(t, f.patron(t), title)

	_, err := f.loans.Claim(f.ctx, r.ID, 0)
	assert.ErrorIs(t, err, circulation.ErrReservationNotReady)

	_, err = f.loans.Claim(f.ctx, uuid.New(), 0)
	assert.ErrorIs(t, err, circulation.ErrReservationNotFound)
}

func TestPolicyDaysLateUsesPolicyCalendar(t *testing.T) {
	policy := circulation.DefaultPolicy()
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	policy.Location = tokyo

	// 2024-01-10 20:00 UTC is already 2024-01-11 in Tokyo.
	due := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	returned := time.Date(2024, 1, 10, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, 1, policy.DaysLate(due, returned))
	assert.True(t, policy.Penalty(due, returned).Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, 0, circulation.DefaultPolicy().DaysLate(due, returned))
}
