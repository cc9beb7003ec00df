package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PostgresSaver persists checkpoint threads in Postgres, sharing the pool
// with the run store so the whole orchestrator needs one DATABASE_URL.
type PostgresSaver struct {
	pool *pgxpool.Pool
}

// NewPostgresSaver wraps an existing connection pool and ensures the
// schema exists.
func NewPostgresSaver(ctx context.Context, pool *pgxpool.Pool) (*PostgresSaver, error) {
	saver := &PostgresSaver{pool: pool}
	if err := saver.Setup(ctx); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return saver, nil
}

// Setup creates the checkpoints table if it does not exist. Idempotent.
func (s *PostgresSaver) Setup(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT NOT NULL PRIMARY KEY,
			thread_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			channel_values JSONB NOT NULL,
			pending_writes JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)
	`
	if _, err := s.pool.Exec(ctx, table); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}

	if _, err := s.pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, id)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_thread: %w", err)
	}

	return nil
}

// Put appends a checkpoint to the thread, assigning ID and CreatedAt.
func (s *PostgresSaver) Put(ctx context.Context, threadID string, cp Checkpoint) (Checkpoint, error) {
	cp.ID = ulid.Make().String()
	cp.CreatedAt = time.Now().UTC()

	valuesJSON, err := json.Marshal(cp.ChannelValues)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to marshal channel values: %w", err)
	}
	writesJSON, err := json.Marshal(cp.PendingWrites)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to marshal pending writes: %w", err)
	}

	query := `
		INSERT INTO checkpoints (id, thread_id, step, channel_values, pending_writes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := s.pool.Exec(ctx, query,
		cp.ID, threadID, cp.Metadata.Step,
		valuesJSON, writesJSON, cp.CreatedAt,
	); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return cp, nil
}

// List returns all checkpoints for a thread, newest first.
func (s *PostgresSaver) List(ctx context.Context, threadID string) ([]Checkpoint, error) {
	query := `
		SELECT id, step, channel_values, pending_writes, created_at
		FROM checkpoints
		WHERE thread_id = $1
		ORDER BY id DESC
	`
	rows, err := s.pool.Query(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	result := make([]Checkpoint, 0)
	for rows.Next() {
		var (
			cp         Checkpoint
			valuesJSON []byte
			writesJSON []byte
		)
		if err := rows.Scan(&cp.ID, &cp.Metadata.Step, &valuesJSON, &writesJSON, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		if err := json.Unmarshal(valuesJSON, &cp.ChannelValues); err != nil {
			return nil, fmt.Errorf("failed to unmarshal channel values: %w", err)
		}
		if err := json.Unmarshal(writesJSON, &cp.PendingWrites); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending writes: %w", err)
		}
		result = append(result, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}

	return result, nil
}

// Latest returns the newest checkpoint for a thread, or ErrNoCheckpoint.
func (s *PostgresSaver) Latest(ctx context.Context, threadID string) (Checkpoint, error) {
	query := `
		SELECT id, step, channel_values, pending_writes, created_at
		FROM checkpoints
		WHERE thread_id = $1
		ORDER BY id DESC
		LIMIT 1
	`
	var (
		cp         Checkpoint
		valuesJSON []byte
		writesJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, threadID).Scan(
		&cp.ID, &cp.Metadata.Step, &valuesJSON, &writesJSON, &cp.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Checkpoint{}, ErrNoCheckpoint
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}

	if err := json.Unmarshal(valuesJSON, &cp.ChannelValues); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to unmarshal channel values: %w", err)
	}
	if err := json.Unmarshal(writesJSON, &cp.PendingWrites); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to unmarshal pending writes: %w", err)
	}

	return cp, nil
}

// Close is a no-op; the pool is owned by the caller and shared with the
// run store.
func (s *PostgresSaver) Close() error {
	return nil
}
