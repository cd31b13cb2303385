package checkpoint

import (
	"context"
	"sync"

	"github.com/semenandronov/legaltech-sub000/internal/domain"
)

// Memory is an in-process Store used by tests and single-node deployments
// that can tolerate losing checkpoints on restart.
type Memory struct {
	mu     sync.RWMutex
	states map[string]*domain.RunState
}

// NewMemory creates an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{states: make(map[string]*domain.RunState)}
}

func (m *Memory) Save(_ context.Context, st *domain.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.states[st.RunID]; ok && cur.Seq > st.Seq {
		return &domain.StaleCheckpointError{RunID: st.RunID, Seq: st.Seq}
	}
	m.states[st.RunID] = st.Clone()
	return nil
}

func (m *Memory) Load(_ context.Context, runID string) (*domain.RunState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[runID]
	if !ok {
		return nil, &domain.RunNotFoundError{RunID: runID}
	}
	return st.Clone(), nil
}
