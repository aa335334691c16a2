package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/progress-pubsub/internal/messaging"
)

// LogSink emits structured logs for progress streams. It is useful during
// development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the subscriber interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// ID implements messaging.Subscriber.
func (s *LogSink) ID() string { return "log" }

// Receive logs the event using structured fields.
func (s *LogSink) Receive(_ context.Context, evt Event) error {
	fields := []zap.Field{
		zap.String("publisher", evt.SourceName()),
		zap.Stringer("event_id", evt.ID()),
		zap.Time("created_at", evt.CreatedAt()),
	}
	if evt.Type() == messaging.EventClosed {
		s.logger.Info("progress closed", fields...)
		return nil
	}
	p, _ := evt.Data()
	fields = append(fields,
		zap.Uint64("current", p.Current),
		zap.Uint64("total", p.Total),
		zap.Float64("fraction", p.Fraction()),
	)
	if p.Overrun() {
		fields = append(fields, zap.Bool("overrun", true))
	}
	s.logger.Info("progress event", fields...)
	return nil
}

// ReceiveError logs error events at warn level.
func (s *LogSink) ReceiveError(_ context.Context, evt Event) error {
	s.logger.Warn("progress error",
		zap.String("publisher", evt.SourceName()),
		zap.Stringer("event_id", evt.ID()),
		zap.Error(evt.Err()),
	)
	return nil
}
