// internal/circulation/implementation.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// service implements the Service interface on top of the loan register
// and the reservation queue, adding a span and a counter per operation.
type service struct {
	loans  *LoanRegister
	queue  *ReservationQueue
	logger *zap.Logger
	tracer trace.Tracer
	ops    metric.Int64Counter
}

// NewService creates a new circulation service instance.
func NewService(loans *LoanRegister, queue *ReservationQueue, logger *zap.Logger) Service {
	ops, err := otel.Meter("lending/circulation").Int64Counter("circulation.operations",
		metric.WithDescription("Lending operations by name and outcome"),
	)
	if err != nil {
		logger.Warn("failed to create operations counter", zap.Error(err))
		ops = noop.Int64Counter{}
	}
	return &service{
		loans:  loans,
		queue:  queue,
		logger: logger,
		tracer: otel.Tracer("lending/circulation"),
		ops:    ops,
	}
}

func (s *service) observe(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "circulation."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		defer span.End()
		outcome := "ok"
		if err != nil {
			kind := Classify(err)
			outcome = kind.String()
			span.RecordError(err)
			if kind == KindInternal || kind == KindInvariant {
				span.SetStatus(codes.Error, err.Error())
				s.logger.Error("circulation operation failed", zap.String("op", op), zap.Error(err))
			}
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		s.ops.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("outcome", outcome),
		))
	}
}

func (s *service) Checkout(ctx context.Context, patronID, titleID uuid.UUID, durationDays int) (_ *Loan, err error) {
	ctx, done := s.observe(ctx, "checkout",
		attribute.String("patron.id", patronID.String()),
		attribute.String("title.id", titleID.String()),
	)
	defer func() { done(err) }()
	return s.loans.Checkout(ctx, patronID, titleID, durationDays)
}

func (s *service) Extend(ctx context.Context, loanID uuid.UUID, days int) (_ *Loan, err error) {
	ctx, done := s.observe(ctx, "extend", attribute.String("loan.id", loanID.String()))
	defer func() { done(err) }()
	return s.loans.Extend(ctx, loanID, days)
}

func (s *service) Return(ctx context.Context, loanID uuid.UUID, returnedAt time.Time) (_ *Loan, err error) {
	ctx, done := s.observe(ctx, "return", attribute.String("loan.id", loanID.String()))
	defer func() { done(err) }()
	return s.loans.Return(ctx, loanID, returnedAt)
}

func (s *service) Claim(ctx context.Context, reservationID uuid.UUID, durationDays int) (_ *Loan, err error) {
	ctx, done := s.observe(ctx, "claim", attribute.String("reservation.id", reservationID.String()))
	defer func() { done(err) }()
	return s.loans.Claim(ctx, reservationID, durationDays)
}

func (s *service) GetLoan(ctx context.Context, id uuid.UUID) (*Loan, error) {
	return s.loans.GetLoan(ctx, id)
}

func (s *service) ListLoans(ctx context.Context, f LoanFilter) ([]*Loan, error) {
	return s.loans.ListLoans(ctx, f)
}

func (s *service) Reserve(ctx context.Context, patronID, titleID uuid.UUID) (_ *Reservation, err error) {
	ctx, done := s.observe(ctx, "reserve",
		attribute.String("patron.id", patronID.String()),
		attribute.String("title.id", titleID.String()),
	)
	defer func() { done(err) }()
	return s.queue.Reserve(ctx, patronID, titleID)
}

func (s *service) Cancel(ctx context.Context, reservationID uuid.UUID) (_ *Reservation, err error) {
	ctx, done := s.observe(ctx, "cancel", attribute.String("reservation.id", reservationID.String()))
	defer func() { done(err) }()
	return s.queue.Cancel(ctx, reservationID)
}

func (s *service) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	return s.queue.GetReservation(ctx, id)
}

func (s *service) ListReservations(ctx context.Context, f ReservationFilter) ([]*Reservation, error) {
	return s.queue.ListReservations(ctx, f)
}

func (s *service) SweepOverdue(ctx context.Context, now time.Time) (n int, err error) {
	ctx, done := s.observe(ctx, "sweep_overdue")
	defer func() { done(err) }()
	return s.loans.SweepOverdue(ctx, now)
}

func (s *service) SweepDueSoon(ctx context.Context, now time.Time) (n int, err error) {
	ctx, done := s.observe(ctx, "sweep_due_soon")
	defer func() { done(err) }()
	return s.loans.SweepDueSoon(ctx, now)
}

func (s *service) SweepExpiredHolds(ctx context.Context, now time.Time) (n int, err error) {
	ctx, done := s.observe(ctx, "sweep_expired_holds")
	defer func() { done(err) }()
	return s.queue.SweepExpiredHolds(ctx, now)
}
