package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/oklog/ulid/v2"
)

// MySQLSaver persists checkpoint threads in a MySQL database shared by a
// worker fleet.
//
// The DSN follows go-sql-driver format, e.g.
// "user:pass@tcp(localhost:3306)/wirlflow?parseTime=true". parseTime=true
// is required so DATETIME columns scan into time.Time.
type MySQLSaver struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLSaver connects to MySQL and ensures the schema exists.
func NewMySQLSaver(dsn string) (*MySQLSaver, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	saver := &MySQLSaver{db: db}
	if err := saver.Setup(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return saver, nil
}

// Setup creates the checkpoints table if it does not exist. Idempotent.
func (s *MySQLSaver) Setup(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id VARCHAR(26) NOT NULL PRIMARY KEY,
			thread_id VARCHAR(64) NOT NULL,
			step INT NOT NULL,
			channel_values JSON NOT NULL,
			pending_writes JSON NOT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_checkpoints_thread (thread_id, id)
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	return nil
}

// Put appends a checkpoint to the thread, assigning ID and CreatedAt.
func (s *MySQLSaver) Put(ctx context.Context, threadID string, cp Checkpoint) (Checkpoint, error) {
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
		string(valuesJSON), string(writesJSON), cp.CreatedAt,
	)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return cp, nil
}

// List returns all checkpoints for a thread, newest first.
func (s *MySQLSaver) List(ctx context.Context, threadID string) ([]Checkpoint, error) {
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
		cp, err := scanMySQLCheckpoint(rows.Scan)
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
func (s *MySQLSaver) Latest(ctx context.Context, threadID string) (Checkpoint, error) {
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
	cp, err := scanMySQLCheckpoint(row.Scan)
	if err == sql.ErrNoRows {
		return Checkpoint{}, ErrNoCheckpoint
	}
	if err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *MySQLSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *MySQLSaver) Ping(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("saver is closed")
	}
	s.mu.RUnlock()

	return s.db.PingContext(ctx)
}

func scanMySQLCheckpoint(scan func(dest ...interface{}) error) (Checkpoint, error) {
	var (
		cp         Checkpoint
		valuesJSON []byte
		writesJSON []byte
	)

	err := scan(&cp.ID, &cp.Metadata.Step, &valuesJSON, &writesJSON, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return Checkpoint{}, sql.ErrNoRows
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to scan checkpoint row: %w", err)
	}

	if err := json.Unmarshal(valuesJSON, &cp.ChannelValues); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to unmarshal channel values: %w", err)
	}
	if err := json.Unmarshal(writesJSON, &cp.PendingWrites); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to unmarshal pending writes: %w", err)
	}

	return cp, nil
}
