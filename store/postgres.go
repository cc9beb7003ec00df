package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// runColumns is the scan order shared by every run query.
const runColumns = `id, graph_name, thread_id, state, attempt, max_attempts,
	worker_id, started_at, heartbeat_at, finished_at, error,
	inputs, resume_payload, result, created_at, updated_at`

const triggerColumns = `id, name, template_name, cron, timezone, inputs,
	is_active, next_run_at, last_run_at, last_error, created_at, updated_at`

// PostgresStore is the production Store: a pgx connection pool over the
// workflow_runs and workflow_triggers tables.
//
// The claim path relies on FOR UPDATE SKIP LOCKED so any number of
// workers can poll the queue without coordination: concurrent claimers
// lock disjoint rows or skip past each other.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and ensures the schema
// exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Setup(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Pool exposes the underlying pool so the checkpoint saver can share it.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Setup creates the runs and triggers tables if they do not exist.
func (s *PostgresStore) Setup(ctx context.Context) error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			graph_name TEXT NOT NULL,
			thread_id TEXT NOT NULL UNIQUE,
			state TEXT NOT NULL DEFAULT 'queued',
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			worker_id TEXT,
			started_at TIMESTAMPTZ,
			heartbeat_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			error TEXT,
			inputs JSONB,
			resume_payload TEXT,
			result JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ
		)
	`
	if _, err := s.pool.Exec(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create workflow_runs table: %w", err)
	}
	if _, err := s.pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_runs_state_id ON workflow_runs(state, id)"); err != nil {
		return fmt.Errorf("failed to create idx_runs_state_id: %w", err)
	}
	if _, err := s.pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_runs_created ON workflow_runs(created_at DESC)"); err != nil {
		return fmt.Errorf("failed to create idx_runs_created: %w", err)
	}

	triggersTable := `
		CREATE TABLE IF NOT EXISTS workflow_triggers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			template_name TEXT NOT NULL,
			cron TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			inputs JSONB NOT NULL DEFAULT '{}',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			next_run_at TIMESTAMPTZ,
			last_run_at TIMESTAMPTZ,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ
		)
	`
	if _, err := s.pool.Exec(ctx, triggersTable); err != nil {
		return fmt.Errorf("failed to create workflow_triggers table: %w", err)
	}
	if _, err := s.pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_triggers_due ON workflow_triggers(next_run_at) WHERE is_active"); err != nil {
		return fmt.Errorf("failed to create idx_triggers_due: %w", err)
	}

	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CreateRun enqueues a new run for the given graph.
func (s *PostgresStore) CreateRun(ctx context.Context, graphName string, inputs map[string]interface{}) (Run, error) {
	id := uuid.NewString()
	inputsJSON, err := json.Marshal(orEmpty(inputs))
	if err != nil {
		return Run{}, fmt.Errorf("failed to marshal inputs: %w", err)
	}

	query := `
		INSERT INTO workflow_runs (id, graph_name, thread_id, state, inputs, result)
		VALUES ($1, $2, $1, 'queued', $3, '{}'::jsonb)
		RETURNING ` + runColumns
	return scanRun(s.pool.QueryRow(ctx, query, id, graphName, inputsJSON))
}

// GetRun returns a run by ID, or ErrNotFound.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (Run, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE id = $1`
	run, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns a page of runs newest-first plus the total count.
func (s *PostgresStore) ListRuns(ctx context.Context, limit, offset int) ([]Run, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM workflow_runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	query := `
		SELECT ` + runColumns + `
		FROM workflow_runs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating run rows: %w", err)
	}
	return runs, total, nil
}

// ContinueRun re-queues a needs_input or failed run inside a transaction
// so the state check and update are atomic.
func (s *PostgresStore) ContinueRun(ctx context.Context, id string, inputs map[string]interface{}) (Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Run{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var state State
	err = tx.QueryRow(ctx, "SELECT state FROM workflow_runs WHERE id = $1 FOR UPDATE", id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to lock run: %w", err)
	}
	if state != StateNeedsInput && state != StateFailed {
		return Run{}, fmt.Errorf("run %s is %s: %w", id, state, ErrInvalidTransition)
	}

	var resumePayload *string
	if state == StateNeedsInput {
		payload, err := json.Marshal(map[string]interface{}{"answer": orEmpty(inputs)})
		if err != nil {
			return Run{}, fmt.Errorf("failed to encode resume payload: %w", err)
		}
		p := string(payload)
		resumePayload = &p
	}

	query := `
		UPDATE workflow_runs
		SET state = 'queued',
		    resume_payload = COALESCE($2, resume_payload),
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + runColumns
	run, err := scanRun(tx.QueryRow(ctx, query, id, resumePayload))
	if err != nil {
		return Run{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Run{}, fmt.Errorf("failed to commit: %w", err)
	}
	return run, nil
}

// CancelRun moves a running run to canceled.
func (s *PostgresStore) CancelRun(ctx context.Context, id string) (Run, error) {
	query := `
		UPDATE workflow_runs
		SET state = 'canceled', updated_at = now()
		WHERE id = $1 AND state = 'running'
		RETURNING ` + runColumns
	run, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		// Zero rows: either the run is missing or not running.
		if _, getErr := s.GetRun(ctx, id); getErr != nil {
			return Run{}, getErr
		}
		return Run{}, fmt.Errorf("run %s not running: %w", id, ErrInvalidTransition)
	}
	return run, err
}

// ClaimNextQueued atomically claims the oldest queued run.
//
// The CTE locks one queued row with SKIP LOCKED; competing claimers
// skip it instead of blocking, so each run is handed to exactly one
// worker.
func (s *PostgresStore) ClaimNextQueued(ctx context.Context, workerID string) (Run, error) {
	query := `
		WITH next AS (
			SELECT id
			FROM workflow_runs
			WHERE state = 'queued'
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE workflow_runs
		SET state = 'running',
		    worker_id = $1,
		    started_at = now(),
		    heartbeat_at = now(),
		    attempt = attempt + 1,
		    updated_at = now()
		FROM next
		WHERE workflow_runs.id = next.id
		RETURNING ` + runColumns
	run, err := scanRun(s.pool.QueryRow(ctx, query, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return run, err
}

// SetFinalState records a run outcome. The state != 'canceled' guard
// makes cancellation absorbing even when a worker finishes afterwards.
func (s *PostgresStore) SetFinalState(ctx context.Context, id string, state State, result map[string]interface{}, errMsg *string) error {
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	query := `
		UPDATE workflow_runs
		SET state = $2,
		    heartbeat_at = CASE WHEN $2 = 'running' THEN now() ELSE heartbeat_at END,
		    finished_at = CASE WHEN $2 IN ('succeeded','failed','canceled') THEN now() END,
		    error = $3,
		    result = COALESCE($4, result),
		    updated_at = now()
		WHERE id = $1 AND state != 'canceled'
	`
	if _, err := s.pool.Exec(ctx, query, id, string(state), errMsg, resultJSON); err != nil {
		return fmt.Errorf("failed to set run state: %w", err)
	}
	return nil
}

// UpdateHeartbeat stamps heartbeat_at on a running run.
func (s *PostgresStore) UpdateHeartbeat(ctx context.Context, id string) error {
	query := `
		UPDATE workflow_runs
		SET heartbeat_at = now()
		WHERE id = $1 AND state = 'running'
	`
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

// RequeueStalled re-queues running runs with heartbeats older than the
// cutoff.
func (s *PostgresStore) RequeueStalled(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
		UPDATE workflow_runs
		SET state = 'queued', worker_id = NULL, updated_at = now()
		WHERE state = 'running'
		  AND (heartbeat_at IS NULL OR heartbeat_at < $1)
	`
	tag, err := s.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stalled runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CreateTrigger persists a new trigger.
func (s *PostgresStore) CreateTrigger(ctx context.Context, t Trigger) (Trigger, error) {
	inputsJSON, err := json.Marshal(orEmpty(t.Inputs))
	if err != nil {
		return Trigger{}, fmt.Errorf("failed to marshal inputs: %w", err)
	}

	query := `
		INSERT INTO workflow_triggers
			(id, name, template_name, cron, timezone, inputs, is_active, next_run_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + triggerColumns
	return scanTrigger(s.pool.QueryRow(ctx, query,
		uuid.NewString(), t.Name, t.TemplateName, t.Cron, t.Timezone,
		inputsJSON, t.IsActive, t.NextRunAt, t.LastError,
	))
}

// GetTrigger returns a trigger by ID, or ErrNotFound.
func (s *PostgresStore) GetTrigger(ctx context.Context, id string) (Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM workflow_triggers WHERE id = $1`
	t, err := scanTrigger(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Trigger{}, fmt.Errorf("trigger %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTriggers returns all triggers, newest first.
func (s *PostgresStore) ListTriggers(ctx context.Context) ([]Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM workflow_triggers ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}
	defer rows.Close()

	out := make([]Trigger, 0)
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trigger rows: %w", err)
	}
	return out, nil
}

// UpdateTrigger replaces a trigger's mutable fields.
func (s *PostgresStore) UpdateTrigger(ctx context.Context, t Trigger) (Trigger, error) {
	inputsJSON, err := json.Marshal(orEmpty(t.Inputs))
	if err != nil {
		return Trigger{}, fmt.Errorf("failed to marshal inputs: %w", err)
	}

	query := `
		UPDATE workflow_triggers
		SET name = $2, template_name = $3, cron = $4, timezone = $5,
		    inputs = $6, is_active = $7, next_run_at = $8, last_error = $9,
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + triggerColumns
	updated, err := scanTrigger(s.pool.QueryRow(ctx, query,
		t.ID, t.Name, t.TemplateName, t.Cron, t.Timezone,
		inputsJSON, t.IsActive, t.NextRunAt, t.LastError,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Trigger{}, fmt.Errorf("trigger %s: %w", t.ID, ErrNotFound)
	}
	return updated, err
}

// DeleteTrigger removes a trigger.
func (s *PostgresStore) DeleteTrigger(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM workflow_triggers WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trigger %s: %w", id, ErrNotFound)
	}
	return nil
}

// FireDueTriggers locks due triggers with SKIP LOCKED and applies the
// decide callback inside one transaction. A competing scheduler skips
// the locked rows, so each firing happens once: the winning transaction
// advances next_run_at before the row becomes visible again.
func (s *PostgresStore) FireDueTriggers(ctx context.Context, now time.Time, decide FireFunc) ([]Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		SELECT ` + triggerColumns + `
		FROM workflow_triggers
		WHERE is_active AND next_run_at IS NOT NULL AND next_run_at <= $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due triggers: %w", err)
	}
	var due []Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due triggers: %w", err)
	}

	var enqueued []Run
	for _, trigger := range due {
		action := decide(trigger)

		if action.Skip {
			_, err = tx.Exec(ctx, `
				UPDATE workflow_triggers
				SET is_active = FALSE, next_run_at = NULL, last_error = $2, updated_at = now()
				WHERE id = $1
			`, trigger.ID, action.Err)
			if err != nil {
				return nil, fmt.Errorf("failed to disable trigger %s: %w", trigger.ID, err)
			}
			continue
		}

		runID := uuid.NewString()
		inputsJSON, err := json.Marshal(orEmpty(trigger.Inputs))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal trigger inputs: %w", err)
		}
		run, err := scanRun(tx.QueryRow(ctx, `
			INSERT INTO workflow_runs (id, graph_name, thread_id, state, inputs, result)
			VALUES ($1, $2, $1, 'queued', $3, '{}'::jsonb)
			RETURNING `+runColumns,
			runID, action.GraphName, inputsJSON,
		))
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue run for trigger %s: %w", trigger.ID, err)
		}
		enqueued = append(enqueued, run)

		if action.NextRunAt != nil {
			_, err = tx.Exec(ctx, `
				UPDATE workflow_triggers
				SET last_run_at = $2, last_error = NULL, next_run_at = $3, updated_at = now()
				WHERE id = $1
			`, trigger.ID, now, action.NextRunAt)
		} else {
			_, err = tx.Exec(ctx, `
				UPDATE workflow_triggers
				SET last_run_at = $2, next_run_at = NULL, is_active = FALSE, last_error = $3, updated_at = now()
				WHERE id = $1
			`, trigger.ID, now, action.Err)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to advance trigger %s: %w", trigger.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return enqueued, nil
}

func orEmpty(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return map[string]interface{}{}
	}
	return in
}

// scanRun reads one run from a pgx row.
func scanRun(row pgx.Row) (Run, error) {
	var (
		run        Run
		inputsJSON []byte
		resultJSON []byte
	)
	err := row.Scan(
		&run.ID, &run.GraphName, &run.ThreadID, &run.State,
		&run.Attempt, &run.MaxAttempts,
		&run.WorkerID, &run.StartedAt, &run.HeartbeatAt, &run.FinishedAt, &run.Error,
		&inputsJSON, &run.ResumePayload, &resultJSON,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, pgx.ErrNoRows
		}
		return Run{}, fmt.Errorf("failed to scan run row: %w", err)
	}

	if inputsJSON != nil {
		if err := json.Unmarshal(inputsJSON, &run.Inputs); err != nil {
			return Run{}, fmt.Errorf("failed to unmarshal inputs: %w", err)
		}
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &run.Result); err != nil {
			return Run{}, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return run, nil
}

// scanTrigger reads one trigger from a pgx row.
func scanTrigger(row pgx.Row) (Trigger, error) {
	var (
		t          Trigger
		inputsJSON []byte
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.TemplateName, &t.Cron, &t.Timezone, &inputsJSON,
		&t.IsActive, &t.NextRunAt, &t.LastRunAt, &t.LastError,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Trigger{}, pgx.ErrNoRows
		}
		return Trigger{}, fmt.Errorf("failed to scan trigger row: %w", err)
	}

	if err := json.Unmarshal(inputsJSON, &t.Inputs); err != nil {
		return Trigger{}, fmt.Errorf("failed to unmarshal inputs: %w", err)
	}
	return t, nil
}
