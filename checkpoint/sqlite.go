package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// SQLiteSaver persists checkpoint threads in a single-file database.
//
// Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments
//   - Prototyping before migrating to Postgres or MySQL
//
// Uses WAL mode so readers are not blocked by the writer.
//
// Example:
//
//	saver, err := checkpoint.NewSQLiteSaver("./dev.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer saver.Close()
//
// For testing with an in-memory database, pass ":memory:".
type SQLiteSaver struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteSaver opens (creating if needed) the database at path and
// ensures the schema exists.
func NewSQLiteSaver(path string) (*SQLiteSaver, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	saver := &SQLiteSaver{
		db:   db,
		path: path,
	}

	if err := saver.Setup(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return saver, nil
}

// Setup creates the checkpoints table if it does not exist. Idempotent.
func (s *SQLiteSaver) Setup(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT NOT NULL PRIMARY KEY,
			thread_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			channel_values TEXT NOT NULL,
			pending_writes TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}

	// ULID primary keys sort lexically in creation order, so (thread_id, id)
	// gives newest-first scans per thread.
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, id)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_thread: %w", err)
	}

	return nil
}

// Put appends a checkpoint to the thread, assigning ID and CreatedAt.
func (s *SQLiteSaver) Put(ctx context.Context, threadID string, cp Checkpoint) (Checkpoint, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return Checkpoint{}, fmt.Errorf("saver is closed")
	}
	s.mu.RUnlock()

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
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		cp.ID, threadID, cp.Metadata.Step,
		string(valuesJSON), string(writesJSON),
		cp.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return cp, nil
}

// List returns all checkpoints for a thread, newest first.
func (s *SQLiteSaver) List(ctx context.Context, threadID string) ([]Checkpoint, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("saver is closed")
	}
	s.mu.RUnlock()

	query := `
		SELECT id, step, channel_values, pending_writes, created_at
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY id DESC
	`
	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Checkpoint, 0)
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}

	return result, nil
}

// Latest returns the newest checkpoint for a thread, or ErrNoCheckpoint.
func (s *SQLiteSaver) Latest(ctx context.Context, threadID string) (Checkpoint, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return Checkpoint{}, fmt.Errorf("saver is closed")
	}
	s.mu.RUnlock()

	query := `
		SELECT id, step, channel_values, pending_writes, created_at
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY id DESC
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query, threadID)
	cp, err := scanCheckpoint(row.Scan)
	if err == sql.ErrNoRows {
		return Checkpoint{}, ErrNoCheckpoint
	}
	if err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *SQLiteSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteSaver) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// scanCheckpoint reads one checkpoint row. The scan argument abstracts
// over sql.Row and sql.Rows.
func scanCheckpoint(scan func(dest ...interface{}) error) (Checkpoint, error) {
	var (
		cp         Checkpoint
		valuesJSON string
		writesJSON string
		createdStr string
	)

	err := scan(&cp.ID, &cp.Metadata.Step, &valuesJSON, &writesJSON, &createdStr)
	if err == sql.ErrNoRows {
		return Checkpoint{}, sql.ErrNoRows
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to scan checkpoint row: %w", err)
	}

	cp.CreatedAt, err = time.Parse(time.RFC3339Nano, createdStr)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if err := json.Unmarshal([]byte(valuesJSON), &cp.ChannelValues); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to unmarshal channel values: %w", err)
	}
	if err := json.Unmarshal([]byte(writesJSON), &cp.PendingWrites); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to unmarshal pending writes: %w", err)
	}

	return cp, nil
}
