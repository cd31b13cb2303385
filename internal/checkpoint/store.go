// Package checkpoint defines the durable Run State snapshot contract. The
// engine saves after every scheduler decision and every task completion, so
// a crash resumes from the last fully-applied transition.
package checkpoint

import (
	"context"

	"github.com/semenandronov/legaltech-sub000/internal/domain"
)

// Store persists one Run State record per run ID.
//
// Save is idempotent: re-saving a state with the same sequence number is a
// no-op observable-wise. A save carrying a lower sequence number than the
// stored record fails with StaleCheckpointError, which protects resumed
// runs against a concurrent loop instance. Load of an unknown run ID fails
// with RunNotFoundError.
type Store interface {
	Save(ctx context.Context, st *domain.RunState) error
	Load(ctx context.Context, runID string) (*domain.RunState, error)
}
