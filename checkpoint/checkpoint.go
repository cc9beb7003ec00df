// Package checkpoint persists superstep snapshots of workflow execution.
//
// A workflow run owns one checkpoint thread. Each superstep appends a
// checkpoint carrying the channel values the superstep started from plus
// the writes it produced. Loading the newest checkpoint and applying its
// state writes reconstructs the state entering the next superstep; its
// branch writes name the nodes scheduled to run.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrNoCheckpoint is returned when a thread has no checkpoints yet.
var ErrNoCheckpoint = errors.New("no checkpoint for thread")

// Write is a single pending write: one value a node task produced on one
// channel during a superstep.
type Write struct {
	// TaskID identifies the node invocation that produced this write.
	// All writes from one invocation share a task ID.
	TaskID string `json:"task_id"`

	// Channel is the channel name written to. State channels carry plain
	// names; "branch:to:<Node>" schedules a node; "__"-prefixed channels
	// are system channels ("__interrupt__").
	Channel string `json:"channel"`

	// Value is the JSON-serializable value written.
	Value interface{} `json:"value"`
}

// Metadata carries bookkeeping stored alongside a checkpoint.
type Metadata struct {
	// Step is the superstep number this checkpoint belongs to.
	// -1 marks the baseline checkpoint written before the first superstep.
	Step int `json:"step"`
}

// Checkpoint is one snapshot in a thread's history.
//
// ChannelValues holds the state entering superstep Metadata.Step;
// PendingWrites holds the writes emitted during it. The state leaving the
// superstep is ChannelValues plus the state writes applied in order.
type Checkpoint struct {
	// ID is a ULID assigned by the Saver at Put time. IDs sort
	// lexically in creation order within a thread.
	ID string `json:"id"`

	// CreatedAt is the wall-clock time the checkpoint was persisted.
	CreatedAt time.Time `json:"created_at"`

	// ChannelValues maps channel name to its value at superstep entry.
	ChannelValues map[string]interface{} `json:"channel_values"`

	// Metadata holds the superstep number.
	Metadata Metadata `json:"metadata"`

	// PendingWrites are the writes emitted during this superstep.
	PendingWrites []Write `json:"pending_writes"`
}

// Saver persists checkpoint threads.
//
// Implementations:
//   - MemSaver: in-memory, for tests and single-process use
//   - SQLiteSaver: single-file database, zero-setup development
//   - MySQLSaver / PostgresSaver: shared databases for worker fleets
type Saver interface {
	// Setup creates backing tables if they do not exist. Idempotent.
	Setup(ctx context.Context) error

	// Put appends a checkpoint to the thread, assigning ID and CreatedAt.
	// Returns the stored checkpoint.
	Put(ctx context.Context, threadID string, cp Checkpoint) (Checkpoint, error)

	// List returns all checkpoints for a thread, newest first.
	// Returns an empty slice when the thread has none.
	List(ctx context.Context, threadID string) ([]Checkpoint, error)

	// Latest returns the newest checkpoint for a thread.
	// Returns ErrNoCheckpoint when the thread has none.
	Latest(ctx context.Context, threadID string) (Checkpoint, error)

	// Close releases backing resources. Subsequent operations fail.
	Close() error
}
