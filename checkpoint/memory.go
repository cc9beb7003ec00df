package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemSaver is an in-memory Saver for tests and single-process workflows.
//
// Checkpoints are deep-copied through JSON on Put and List, so callers
// cannot mutate stored history. Safe for concurrent use.
type MemSaver struct {
	mu      sync.RWMutex
	threads map[string][]Checkpoint // threadID -> oldest first
	closed  bool
}

// NewMemSaver creates an empty MemSaver.
func NewMemSaver() *MemSaver {
	return &MemSaver{
		threads: make(map[string][]Checkpoint),
	}
}

// Setup is a no-op for the in-memory saver.
func (m *MemSaver) Setup(ctx context.Context) error {
	return nil
}

// Put appends a checkpoint to the thread, assigning ID and CreatedAt.
func (m *MemSaver) Put(ctx context.Context, threadID string, cp Checkpoint) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Checkpoint{}, fmt.Errorf("saver is closed")
	}

	cp.ID = ulid.Make().String()
	cp.CreatedAt = time.Now().UTC()

	stored, err := copyCheckpoint(cp)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to copy checkpoint: %w", err)
	}

	m.threads[threadID] = append(m.threads[threadID], stored)
	return cp, nil
}

// List returns all checkpoints for a thread, newest first.
func (m *MemSaver) List(ctx context.Context, threadID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("saver is closed")
	}

	stored := m.threads[threadID]
	result := make([]Checkpoint, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		cp, err := copyCheckpoint(stored[i])
		if err != nil {
			return nil, fmt.Errorf("failed to copy checkpoint: %w", err)
		}
		result = append(result, cp)
	}
	return result, nil
}

// Latest returns the newest checkpoint for a thread, or ErrNoCheckpoint.
func (m *MemSaver) Latest(ctx context.Context, threadID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Checkpoint{}, fmt.Errorf("saver is closed")
	}

	stored := m.threads[threadID]
	if len(stored) == 0 {
		return Checkpoint{}, ErrNoCheckpoint
	}
	return copyCheckpoint(stored[len(stored)-1])
}

// Close marks the saver closed. Double-close is a no-op.
func (m *MemSaver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// copyCheckpoint round-trips through JSON so stored and returned values
// share no references with caller data.
func copyCheckpoint(cp Checkpoint) (Checkpoint, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return Checkpoint{}, err
	}
	var out Checkpoint
	if err := json.Unmarshal(data, &out); err != nil {
		return Checkpoint{}, err
	}
	return out, nil
}
