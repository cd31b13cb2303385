// Package events delivers the per-run step-event stream: one event per
// state transition, terminating with a single TERMINATED event. Publishers
// are the notification channel the web layer consumes.
package events

import (
	"context"
	"log/slog"

	"github.com/semenandronov/legaltech-sub000/internal/domain"
)

// Publisher receives every run transition in order.
type Publisher interface {
	Publish(ctx context.Context, ev domain.StepEvent) error
}

// Multi fans one event out to several publishers. A failing sink is logged
// and skipped; event delivery is best-effort and never blocks the run loop
// with an error.
type Multi struct {
	sinks  []Publisher
	logger *slog.Logger
}

// NewMulti creates a fan-out publisher.
func NewMulti(logger *slog.Logger, sinks ...Publisher) *Multi {
	return &Multi{sinks: sinks, logger: logger}
}

func (m *Multi) Publish(ctx context.Context, ev domain.StepEvent) error {
	for _, s := range m.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			m.logger.Error("event sink failed",
				slog.String("run_id", ev.RunID),
				slog.String("task", ev.Task),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, domain.StepEvent) error { return nil }
