package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/semenandronov/legaltech-sub000/internal/domain"
)

// RunRecord is the durable audit row for one run. The authoritative Run
// State lives in the checkpoint store; this table answers listing and
// history queries after checkpoints expire.
type RunRecord struct {
	RunID       string           `json:"run_id"`
	Requested   []string         `json:"requested_tasks"`
	Status      domain.RunStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// RunRepository abstracts all database access for the run audit trail.
type RunRepository interface {
	CreateRun(ctx context.Context, st *domain.RunState) error
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error
	RecordEvent(ctx context.Context, ev domain.StepEvent) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRunsByStatus(ctx context.Context, status domain.RunStatus, limit int) ([]*RunRecord, error)
	ListEvents(ctx context.Context, runID string) ([]domain.StepEvent, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the RunRepository interface.
func NewRepository(pool *pgxpool.Pool) RunRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (r *repository) CreateRun(ctx context.Context, st *domain.RunState) error {
	requested, err := json.Marshal(st.Requested)
	if err != nil {
		return fmt.Errorf("marshal requested tasks: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO runs (run_id, requested, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO NOTHING
	`, st.RunID, requested, string(st.Status), st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create run %s: %w", st.RunID, err)
	}
	return nil
}

func (r *repository) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	now := time.Now().UTC()
	var completedAt *time.Time
	if status.IsTerminal() {
		t := now
		completedAt = &t
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE runs
		SET status = $1, updated_at = $2, completed_at = $3
		WHERE run_id = $4
	`, string(status), now, completedAt, runID)
	if err != nil {
		return fmt.Errorf("update status for run %s: %w", runID, err)
	}
	return nil
}

func (r *repository) RecordEvent(ctx context.Context, ev domain.StepEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO run_events (id, run_id, task, status, reason, seq, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New().String(), ev.RunID, ev.Task, ev.Status, ev.Reason, int64(ev.Seq), ev.At)
	if err != nil {
		return fmt.Errorf("record event for run %s: %w", ev.RunID, err)
	}
	return nil
}

func (r *repository) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT run_id, requested, status, created_at, updated_at, completed_at
		FROM runs
		WHERE run_id = $1
	`, runID)
	return scanRun(row, runID)
}

func (r *repository) ListRunsByStatus(ctx context.Context, status domain.RunStatus, limit int) ([]*RunRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT run_id, requested, status, created_at, updated_at, completed_at
		FROM runs
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs by status %s: %w", status, err)
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows, "")
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *repository) ListEvents(ctx context.Context, runID string) ([]domain.StepEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT run_id, task, status, reason, seq, at
		FROM run_events
		WHERE run_id = $1
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var evs []domain.StepEvent
	for rows.Next() {
		var ev domain.StepEvent
		var seq int64
		if err := rows.Scan(&ev.RunID, &ev.Task, &ev.Status, &ev.Reason, &seq, &ev.At); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		ev.Seq = uint64(seq)
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}

// scanRun reads a run row from any pgx row type.
func scanRun(row interface {
	Scan(...any) error
}, runID string) (*RunRecord, error) {
	var rec RunRecord
	var statusStr string
	var requested []byte
	err := row.Scan(&rec.RunID, &requested, &statusStr, &rec.CreatedAt, &rec.UpdatedAt, &rec.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.RunNotFoundError{RunID: runID}
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	rec.Status = domain.RunStatus(statusStr)
	if err := json.Unmarshal(requested, &rec.Requested); err != nil {
		return nil, fmt.Errorf("unmarshal requested tasks: %w", err)
	}
	return &rec, nil
}
