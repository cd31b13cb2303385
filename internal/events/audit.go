package events

import (
	"context"

	"github.com/semenandronov/legaltech-sub000/internal/domain"
	"github.com/semenandronov/legaltech-sub000/internal/postgres"
)

// Audit records every event in the run_events table and, on the terminal
// event, closes out the runs row.
type Audit struct {
	repo postgres.RunRepository
}

// NewAudit creates a Postgres-backed event sink.
func NewAudit(repo postgres.RunRepository) *Audit {
	return &Audit{repo: repo}
}

func (a *Audit) Publish(ctx context.Context, ev domain.StepEvent) error {
	if err := a.repo.RecordEvent(ctx, ev); err != nil {
		return err
	}
	if ev.Status == domain.EventTerminated {
		return a.repo.UpdateRunStatus(ctx, ev.RunID, terminalStatus(ev.Reason))
	}
	return nil
}

// terminalStatus maps a terminal event reason onto the run row status.
func terminalStatus(reason string) domain.RunStatus {
	switch reason {
	case domain.ReasonCompleted:
		return domain.RunCompleted
	case domain.ReasonCancelled:
		return domain.RunCancelled
	default:
		return domain.RunAborted
	}
}
