package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store for tests and single-process use.
//
// It honors the same transition rules and claim semantics as
// PostgresStore, with a mutex standing in for row locks. Runs and
// triggers are copied in and out, so callers cannot mutate stored data.
type MemStore struct {
	mu       sync.Mutex
	runs     map[string]*Run
	runOrder []string // insertion order; claim scans oldest first
	triggers map[string]*Trigger
	trOrder  []string
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:     make(map[string]*Run),
		triggers: make(map[string]*Trigger),
	}
}

// Setup is a no-op for the in-memory store.
func (m *MemStore) Setup(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() {}

// CreateRun enqueues a new run for the given graph.
func (m *MemStore) CreateRun(ctx context.Context, graphName string, inputs map[string]interface{}) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	run := &Run{
		ID:          id,
		GraphName:   graphName,
		ThreadID:    id,
		State:       StateQueued,
		MaxAttempts: 3,
		Inputs:      cloneMap(inputs),
		Result:      map[string]interface{}{},
		CreatedAt:   time.Now().UTC(),
	}
	m.runs[id] = run
	m.runOrder = append(m.runOrder, id)
	return copyRun(run), nil
}

// GetRun returns a run by ID, or ErrNotFound.
func (m *MemStore) GetRun(ctx context.Context, id string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return copyRun(run), nil
}

// ListRuns returns a page of runs newest-first plus the total count.
func (m *MemStore) ListRuns(ctx context.Context, limit, offset int) ([]Run, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := len(m.runOrder)
	page := make([]Run, 0, limit)
	for i := total - 1 - offset; i >= 0 && len(page) < limit; i-- {
		page = append(page, copyRun(m.runs[m.runOrder[i]]))
	}
	return page, total, nil
}

// ContinueRun re-queues a needs_input or failed run.
func (m *MemStore) ContinueRun(ctx context.Context, id string, inputs map[string]interface{}) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if run.State != StateNeedsInput && run.State != StateFailed {
		return Run{}, fmt.Errorf("run %s is %s: %w", id, run.State, ErrInvalidTransition)
	}

	if run.State == StateNeedsInput {
		payload, err := json.Marshal(map[string]interface{}{"answer": orEmpty(inputs)})
		if err != nil {
			return Run{}, fmt.Errorf("failed to encode resume payload: %w", err)
		}
		s := string(payload)
		run.ResumePayload = &s
	}
	run.State = StateQueued
	m.touch(run)
	return copyRun(run), nil
}

// CancelRun moves a running run to canceled.
func (m *MemStore) CancelRun(ctx context.Context, id string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if run.State != StateRunning {
		return Run{}, fmt.Errorf("run %s is %s: %w", id, run.State, ErrInvalidTransition)
	}
	run.State = StateCanceled
	m.touch(run)
	return copyRun(run), nil
}

// ClaimNextQueued claims the oldest queued run for a worker.
func (m *MemStore) ClaimNextQueued(ctx context.Context, workerID string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.runOrder {
		run := m.runs[id]
		if run.State != StateQueued {
			continue
		}
		now := time.Now().UTC()
		run.State = StateRunning
		run.WorkerID = &workerID
		run.StartedAt = &now
		run.HeartbeatAt = &now
		run.Attempt++
		m.touch(run)
		return copyRun(run), nil
	}
	return Run{}, ErrNotFound
}

// SetFinalState records a run outcome. No-op on canceled runs.
func (m *MemStore) SetFinalState(ctx context.Context, id string, state State, result map[string]interface{}, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if run.State == StateCanceled {
		return nil
	}

	now := time.Now().UTC()
	run.State = state
	if state == StateRunning {
		run.HeartbeatAt = &now
	}
	if state.Terminal() {
		run.FinishedAt = &now
	} else {
		run.FinishedAt = nil
	}
	run.Error = errMsg
	if result != nil {
		run.Result = cloneMap(result)
	}
	m.touch(run)
	return nil
}

// UpdateHeartbeat stamps heartbeat_at on a running run.
func (m *MemStore) UpdateHeartbeat(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if run.State != StateRunning {
		return nil
	}
	now := time.Now().UTC()
	run.HeartbeatAt = &now
	return nil
}

// RequeueStalled re-queues running runs with heartbeats older than the
// cutoff.
func (m *MemStore) RequeueStalled(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, id := range m.runOrder {
		run := m.runs[id]
		if run.State != StateRunning {
			continue
		}
		if run.HeartbeatAt == nil || run.HeartbeatAt.Before(olderThan) {
			run.State = StateQueued
			run.WorkerID = nil
			m.touch(run)
			count++
		}
	}
	return count, nil
}

// CreateTrigger persists a new trigger, assigning ID and CreatedAt.
func (m *MemStore) CreateTrigger(ctx context.Context, t Trigger) (Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t.ID = uuid.NewString()
	t.CreatedAt = time.Now().UTC()
	t.UpdatedAt = nil
	if t.Inputs == nil {
		t.Inputs = map[string]interface{}{}
	}
	stored := t
	stored.Inputs = cloneMap(t.Inputs)
	m.triggers[t.ID] = &stored
	m.trOrder = append(m.trOrder, t.ID)
	return copyTrigger(&stored), nil
}

// GetTrigger returns a trigger by ID, or ErrNotFound.
func (m *MemStore) GetTrigger(ctx context.Context, id string) (Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.triggers[id]
	if !ok {
		return Trigger{}, fmt.Errorf("trigger %s: %w", id, ErrNotFound)
	}
	return copyTrigger(t), nil
}

// ListTriggers returns all triggers, newest first.
func (m *MemStore) ListTriggers(ctx context.Context) ([]Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Trigger, 0, len(m.trOrder))
	for i := len(m.trOrder) - 1; i >= 0; i-- {
		out = append(out, copyTrigger(m.triggers[m.trOrder[i]]))
	}
	return out, nil
}

// UpdateTrigger replaces a trigger's mutable fields.
func (m *MemStore) UpdateTrigger(ctx context.Context, t Trigger) (Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.triggers[t.ID]
	if !ok {
		return Trigger{}, fmt.Errorf("trigger %s: %w", t.ID, ErrNotFound)
	}

	now := time.Now().UTC()
	stored.Name = t.Name
	stored.TemplateName = t.TemplateName
	stored.Cron = t.Cron
	stored.Timezone = t.Timezone
	stored.Inputs = cloneMap(t.Inputs)
	stored.IsActive = t.IsActive
	stored.NextRunAt = copyTime(t.NextRunAt)
	stored.LastError = copyStr(t.LastError)
	stored.UpdatedAt = &now
	return copyTrigger(stored), nil
}

// DeleteTrigger removes a trigger.
func (m *MemStore) DeleteTrigger(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.triggers[id]; !ok {
		return fmt.Errorf("trigger %s: %w", id, ErrNotFound)
	}
	delete(m.triggers, id)
	for i, tid := range m.trOrder {
		if tid == id {
			m.trOrder = append(m.trOrder[:i], m.trOrder[i+1:]...)
			break
		}
	}
	return nil
}

// FireDueTriggers processes due triggers under the store lock.
func (m *MemStore) FireDueTriggers(ctx context.Context, now time.Time, decide FireFunc) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var enqueued []Run
	for _, id := range m.trOrder {
		trigger := m.triggers[id]
		if !trigger.IsActive || trigger.NextRunAt == nil || trigger.NextRunAt.After(now) {
			continue
		}

		action := decide(copyTrigger(trigger))

		if action.Skip {
			trigger.IsActive = false
			trigger.NextRunAt = nil
			e := action.Err
			trigger.LastError = &e
			ts := now
			trigger.UpdatedAt = &ts
			continue
		}

		runID := uuid.NewString()
		run := &Run{
			ID:          runID,
			GraphName:   action.GraphName,
			ThreadID:    runID,
			State:       StateQueued,
			MaxAttempts: 3,
			Inputs:      cloneMap(trigger.Inputs),
			Result:      map[string]interface{}{},
			CreatedAt:   time.Now().UTC(),
		}
		m.runs[runID] = run
		m.runOrder = append(m.runOrder, runID)
		enqueued = append(enqueued, copyRun(run))

		ts := now
		trigger.LastRunAt = &ts
		trigger.LastError = nil
		trigger.UpdatedAt = &ts
		if action.NextRunAt != nil {
			trigger.NextRunAt = copyTime(action.NextRunAt)
		} else {
			trigger.NextRunAt = nil
			trigger.IsActive = false
			e := action.Err
			trigger.LastError = &e
		}
	}
	return enqueued, nil
}

func (m *MemStore) touch(run *Run) {
	now := time.Now().UTC()
	run.UpdatedAt = &now
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]interface{}, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]interface{}
	_ = json.Unmarshal(data, &out)
	return out
}

func copyRun(r *Run) Run {
	out := *r
	out.Inputs = cloneMap(r.Inputs)
	out.Result = cloneMap(r.Result)
	out.WorkerID = copyStr(r.WorkerID)
	out.Error = copyStr(r.Error)
	out.ResumePayload = copyStr(r.ResumePayload)
	out.StartedAt = copyTime(r.StartedAt)
	out.HeartbeatAt = copyTime(r.HeartbeatAt)
	out.FinishedAt = copyTime(r.FinishedAt)
	out.UpdatedAt = copyTime(r.UpdatedAt)
	return out
}

func copyTrigger(t *Trigger) Trigger {
	out := *t
	out.Inputs = cloneMap(t.Inputs)
	out.NextRunAt = copyTime(t.NextRunAt)
	out.LastRunAt = copyTime(t.LastRunAt)
	out.LastError = copyStr(t.LastError)
	out.UpdatedAt = copyTime(t.UpdatedAt)
	return out
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
