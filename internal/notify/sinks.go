// internal/notify/sinks.go
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// LogSink writes notifications to the log. It is the sink used when no
// delivery channel is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(ctx context.Context, n Notification) error {
	s.logger.Info("notification",
		zap.String("patron_id", n.PatronID.String()),
		zap.String("kind", string(n.Kind)),
		zap.String("subject_id", n.SubjectID.String()),
	)
	return nil
}

// MultiSink hands each notification to every sink. One failing sink does
// not stop the others.
type MultiSink []Sink

func (m MultiSink) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
