// Package recurring fires scheduled analyses: cron-defined runs stored in
// the scheduled_analyses table, polled under a Redis leader lock so only one
// orchestrator instance starts them.
package recurring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	redisstore "github.com/semenandronov/legaltech-sub000/internal/redis"
	"github.com/semenandronov/legaltech-sub000/services/orchestrator/handler"
)

const checkInterval = 15 * time.Second

// ScheduledAnalysis mirrors one row of the scheduled_analyses table.
type ScheduledAnalysis struct {
	ID        string
	Name      string
	CronExpr  string
	Agents    []string
	Context   map[string]json.RawMessage
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt *time.Time
}

// Poller starts due analyses against the engine. Run it on every instance;
// the leader lock makes exactly one of them act per interval.
type Poller struct {
	pool   *pgxpool.Pool
	orc    handler.Orchestrator
	lock   *redisstore.LeaderLock
	logger *slog.Logger
}

// NewPoller creates a recurring-analysis poller.
func NewPoller(pool *pgxpool.Pool, orc handler.Orchestrator, lock *redisstore.LeaderLock, logger *slog.Logger) *Poller {
	return &Poller{pool: pool, orc: orc, lock: lock, logger: logger}
}

// Run blocks until ctx is cancelled, checking for due analyses on a fixed
// interval.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	leader, err := p.lock.AcquireOrRenew(ctx)
	if err != nil {
		p.logger.Error("leader election", slog.String("error", err.Error()))
		return
	}
	if !leader {
		return
	}
	if err := p.processDue(ctx); err != nil {
		p.logger.Error("process due analyses", slog.String("error", err.Error()))
	}
}

func (p *Poller) processDue(ctx context.Context) error {
	due, err := p.loadDue(ctx)
	if err != nil {
		return err
	}
	for _, sa := range due {
		if err := p.fire(ctx, sa); err != nil {
			p.logger.Error("fire scheduled analysis",
				slog.String("name", sa.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (p *Poller) loadDue(ctx context.Context) ([]ScheduledAnalysis, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, cron_expr, agents, context, enabled, last_run_at, next_run_at
		FROM scheduled_analyses
		WHERE enabled = TRUE AND (next_run_at IS NULL OR next_run_at <= NOW())
		ORDER BY next_run_at ASC NULLS FIRST
	`)
	if err != nil {
		return nil, fmt.Errorf("query scheduled_analyses: %w", err)
	}
	defer rows.Close()

	var out []ScheduledAnalysis
	for rows.Next() {
		var sa ScheduledAnalysis
		var agents, runCtx []byte
		if err := rows.Scan(
			&sa.ID, &sa.Name, &sa.CronExpr, &agents,
			&runCtx, &sa.Enabled, &sa.LastRunAt, &sa.NextRunAt,
		); err != nil {
			return nil, fmt.Errorf("scan scheduled_analysis: %w", err)
		}
		if err := json.Unmarshal(agents, &sa.Agents); err != nil {
			return nil, fmt.Errorf("unmarshal agents for %q: %w", sa.Name, err)
		}
		if err := json.Unmarshal(runCtx, &sa.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context for %q: %w", sa.Name, err)
		}
		out = append(out, sa)
	}
	return out, rows.Err()
}

func (p *Poller) fire(ctx context.Context, sa ScheduledAnalysis) error {
	now := time.Now().UTC()

	// Compute the next slot before starting, so a start failure does not
	// hammer the engine every interval.
	schedule, err := cron.ParseStandard(sa.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron %q for %q: %w", sa.CronExpr, sa.Name, err)
	}
	nextRun := schedule.Next(now)

	if _, err := p.pool.Exec(ctx, `
		UPDATE scheduled_analyses
		SET last_run_at = $1, next_run_at = $2
		WHERE id = $3
	`, now, nextRun, sa.ID); err != nil {
		return fmt.Errorf("update scheduled_analysis %q: %w", sa.Name, err)
	}

	runID, err := p.orc.StartRun(ctx, "", sa.Agents, sa.Context)
	if err != nil {
		return fmt.Errorf("start run for %q: %w", sa.Name, err)
	}

	p.logger.Info("scheduled analysis fired",
		slog.String("name", sa.Name),
		slog.String("run_id", runID),
		slog.Time("next_run", nextRun),
	)
	return nil
}
