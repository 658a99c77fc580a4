// internal/circulation/errors.go
package circulation

import (
	"errors"

	"github.com/libranexus/lending/internal/catalog"
	"github.com/libranexus/lending/internal/membership"
)

// Errors shared with the catalog and membership packages so stores can
// return a single sentinel for each missing record.
var (
	ErrPatronNotFound     = membership.ErrPatronNotFound
	ErrTitleNotFound      = catalog.ErrTitleNotFound
	ErrTitleRetired       = catalog.ErrTitleRetired
	ErrInvariantViolation = catalog.ErrInvariantViolation
)

// Validation and eligibility errors.
var (
	ErrInvalidRequest         = errors.New("invalid request")
	ErrPatronIneligible       = errors.New("patron is not eligible to borrow")
	ErrLoanLimitReached       = errors.New("patron reached the active loan limit")
	ErrAlreadyBorrowed        = errors.New("patron already borrows this title")
	ErrAlreadyReserved        = errors.New("patron already reserved this title")
	ErrCopyCurrentlyAvailable = errors.New("a copy is available, check it out instead")
	ErrNoCopyAvailable        = errors.New("no copy available")
)

// Not-found errors.
var (
	ErrLoanNotFound        = errors.New("loan not found")
	ErrReservationNotFound = errors.New("reservation not found")
)

// State errors.
var (
	ErrLoanAlreadyReturned       = errors.New("loan already returned")
	ErrExtensionLimitReached     = errors.New("extension limit reached")
	ErrReservationPending        = errors.New("another patron is waiting for this title")
	ErrReservationNotCancellable = errors.New("reservation can no longer be cancelled")
	ErrReservationNotReady       = errors.New("reservation is not ready for pickup")
	ErrHoldExpired               = errors.New("hold expired")
)

// ErrConcurrencyConflict is returned by stores when a save lost an
// optimistic version check.
var ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")

// Kind groups errors by how a caller should react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindState
	KindConflict
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	case KindConflict:
		return "conflict"
	case KindInvariant:
		return "invariant"
	default:
		return "internal"
	}
}

var classes = []struct {
	err  error
	kind Kind
	code string
}{
	{ErrInvalidRequest, KindValidation, "invalid_request"},
	{ErrPatronIneligible, KindValidation, "patron_ineligible"},
	{ErrLoanLimitReached, KindValidation, "loan_limit_reached"},
	{ErrAlreadyBorrowed, KindValidation, "already_borrowed"},
	{ErrAlreadyReserved, KindValidation, "already_reserved"},
	{ErrCopyCurrentlyAvailable, KindValidation, "copy_currently_available"},
	{ErrNoCopyAvailable, KindValidation, "no_copy_available"},
	{ErrTitleRetired, KindValidation, "title_retired"},
	{ErrPatronNotFound, KindNotFound, "patron_not_found"},
	{ErrTitleNotFound, KindNotFound, "title_not_found"},
	{ErrLoanNotFound, KindNotFound, "loan_not_found"},
	{ErrReservationNotFound, KindNotFound, "reservation_not_found"},
	{ErrLoanAlreadyReturned, KindState, "loan_already_returned"},
	{ErrExtensionLimitReached, KindState, "extension_limit_reached"},
	{ErrReservationPending, KindState, "reservation_pending"},
	{ErrReservationNotCancellable, KindState, "reservation_not_cancellable"},
	{ErrReservationNotReady, KindState, "reservation_not_ready"},
	{ErrHoldExpired, KindState, "hold_expired"},
	{ErrConcurrencyConflict, KindConflict, "concurrency_conflict"},
	{ErrInvariantViolation, KindInvariant, "invariant_violation"},
}

// Classify maps an error returned by the engine onto its Kind.
func Classify(err error) Kind {
	kind, _ := classify(err)
	return kind
}

// Code returns a stable machine-readable token for err.
func Code(err error) string {
	_, code := classify(err)
	return code
}

func classify(err error) (Kind, string) {
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.kind, c.code
		}
	}
	return KindInternal, "internal"
}
