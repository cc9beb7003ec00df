// Package store persists workflow runs and triggers and provides the
// queue primitives workers and the scheduler coordinate through.
//
// Runs move through a small state machine:
//
//	queued -> running -> succeeded | failed | needs_input
//	needs_input | failed -> queued   (continue)
//	running -> canceled              (cancel, absorbing)
//
// Claiming is the only way a run becomes running, and the claim is
// race-free across a worker fleet: PostgresStore uses FOR UPDATE SKIP
// LOCKED so concurrent claimers never receive the same run.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a run or trigger ID does not exist, and
// by ClaimNextQueued when no run is queued.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a run is not in a state the
// requested transition allows.
var ErrInvalidTransition = errors.New("invalid state transition")

// State is a workflow run state.
type State string

const (
	StateQueued     State = "queued"
	StateRunning    State = "running"
	StateNeedsInput State = "needs_input"
	StateFailed     State = "failed"
	StateSucceeded  State = "succeeded"
	StateCanceled   State = "canceled"
)

// Terminal reports whether the state ends a run's lifecycle for
// timestamp purposes. needs_input is not terminal: the run is waiting
// for a continue.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCanceled
}

// Run is one workflow execution.
type Run struct {
	// ID is a UUID. It doubles as the checkpoint thread ID.
	ID        string
	GraphName string
	ThreadID  string
	State     State

	// Attempt counts claims; incremented by ClaimNextQueued.
	Attempt     int
	MaxAttempts int

	WorkerID    *string
	StartedAt   *time.Time
	HeartbeatAt *time.Time
	FinishedAt  *time.Time

	Error *string

	// Inputs are the caller-supplied workflow parameters.
	Inputs map[string]interface{}

	// ResumePayload is JSON text set by ContinueRun on a needs_input
	// run: {"answer": <inputs>}. Workers pass it into the runner.
	ResumePayload *string

	Result map[string]interface{}

	CreatedAt time.Time
	UpdatedAt *time.Time
}

// Trigger is a persisted cron schedule that enqueues runs.
type Trigger struct {
	ID           string
	Name         string
	TemplateName string
	Cron         string

	// Timezone is the IANA zone the cron expression is evaluated in.
	Timezone string

	// Inputs become the enqueued run's workflow inputs.
	Inputs map[string]interface{}

	// IsActive pauses scheduling without removing the trigger.
	IsActive bool

	NextRunAt *time.Time
	LastRunAt *time.Time
	LastError *string

	CreatedAt time.Time
	UpdatedAt *time.Time
}

// FireAction tells FireDueTriggers what to do with one due trigger.
// The decide callback owns template resolution and cron evaluation so
// the store stays free of scheduling policy.
type FireAction struct {
	// Skip disables the trigger without enqueueing a run (e.g. its
	// template no longer exists). Err is recorded as last_error.
	Skip bool

	// GraphName is the resolved template ID for the enqueued run.
	GraphName string

	// NextRunAt advances the schedule. nil (with Skip false) means the
	// next firing could not be computed: the run is still enqueued but
	// the trigger is disabled with Err as last_error.
	NextRunAt *time.Time

	// Err is stored as last_error when Skip is true or NextRunAt is nil.
	Err string
}

// FireFunc decides the action for one due trigger.
type FireFunc func(t Trigger) FireAction

// Store persists runs and triggers.
type Store interface {
	// Setup creates backing tables if they do not exist. Idempotent.
	Setup(ctx context.Context) error

	// Close releases backing resources.
	Close()

	// CreateRun enqueues a new run for the given graph. The run ID is
	// a fresh UUID, also used as the thread ID.
	CreateRun(ctx context.Context, graphName string, inputs map[string]interface{}) (Run, error)

	// GetRun returns a run by ID, or ErrNotFound.
	GetRun(ctx context.Context, id string) (Run, error)

	// ListRuns returns a page of runs newest-first plus the total count.
	ListRuns(ctx context.Context, limit, offset int) ([]Run, int, error)

	// ContinueRun re-queues a needs_input or failed run. For a
	// needs_input run the inputs are recorded as the resume payload
	// {"answer": inputs}. Any other state returns ErrInvalidTransition.
	ContinueRun(ctx context.Context, id string, inputs map[string]interface{}) (Run, error)

	// CancelRun moves a running run to canceled. Canceled is absorbing:
	// SetFinalState never overwrites it. Other states return
	// ErrInvalidTransition.
	CancelRun(ctx context.Context, id string) (Run, error)

	// ClaimNextQueued atomically claims the oldest queued run for a
	// worker: state becomes running, worker_id/started_at/heartbeat_at
	// are stamped and attempt is incremented. Returns ErrNotFound when
	// nothing is queued. Concurrent claimers never receive the same run.
	ClaimNextQueued(ctx context.Context, workerID string) (Run, error)

	// SetFinalState records a run outcome. No-op on canceled runs.
	// finished_at is stamped for terminal states and cleared otherwise;
	// a nil result keeps the stored result.
	SetFinalState(ctx context.Context, id string, state State, result map[string]interface{}, errMsg *string) error

	// UpdateHeartbeat stamps heartbeat_at = now on a running run.
	UpdateHeartbeat(ctx context.Context, id string) error

	// RequeueStalled re-queues running runs whose heartbeat is older
	// than the cutoff, clearing worker_id. Returns the number requeued.
	RequeueStalled(ctx context.Context, olderThan time.Time) (int, error)

	// CreateTrigger persists a new trigger, assigning ID and CreatedAt.
	CreateTrigger(ctx context.Context, t Trigger) (Trigger, error)

	// GetTrigger returns a trigger by ID, or ErrNotFound.
	GetTrigger(ctx context.Context, id string) (Trigger, error)

	// ListTriggers returns all triggers, newest first.
	ListTriggers(ctx context.Context) ([]Trigger, error)

	// UpdateTrigger replaces a trigger's mutable fields, or ErrNotFound.
	UpdateTrigger(ctx context.Context, t Trigger) (Trigger, error)

	// DeleteTrigger removes a trigger, or ErrNotFound.
	DeleteTrigger(ctx context.Context, id string) error

	// FireDueTriggers processes every active trigger whose next_run_at
	// is due at now, in one transaction, locking the rows so concurrent
	// schedulers skip them instead of double-firing. For each due
	// trigger it applies decide's action and returns the enqueued runs.
	FireDueTriggers(ctx context.Context, now time.Time, decide FireFunc) ([]Run, error)
}
