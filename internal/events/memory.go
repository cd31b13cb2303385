package events

import (
	"context"
	"sync"

	"github.com/semenandronov/legaltech-sub000/internal/domain"
)

// MemoryLog retains the ordered event stream per run in memory. The REST
// layer serves GET /runs/{id}/events from it; tests assert against it.
type MemoryLog struct {
	mu    sync.RWMutex
	byRun map[string][]domain.StepEvent
}

// NewMemoryLog creates an empty in-memory event log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{byRun: make(map[string][]domain.StepEvent)}
}

func (m *MemoryLog) Publish(_ context.Context, ev domain.StepEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byRun[ev.RunID] = append(m.byRun[ev.RunID], ev)
	return nil
}

// Events returns a copy of the ordered stream for one run.
func (m *MemoryLog) Events(runID string) []domain.StepEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.StepEvent(nil), m.byRun[runID]...)
}
