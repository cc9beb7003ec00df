package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/wirlflow/store"
	"github.com/dshills/wirlflow/template"
)

func newLoader(t *testing.T, names ...string) *template.Loader {
	t.Helper()
	root := t.TempDir()
	for _, name := range names {
		path := filepath.Join(root, name+template.Ext)
		require.NoError(t, os.WriteFile(path, []byte("# definition\n"), 0o644))
	}
	return template.NewLoader(root)
}

func dueTrigger(t *testing.T, st store.Store, templateName string, due time.Time) store.Trigger {
	t.Helper()
	tr, err := st.CreateTrigger(context.Background(), store.Trigger{
		Name:         "t-" + templateName,
		TemplateName: templateName,
		Cron:         "*/5 * * * *",
		Timezone:     "UTC",
		Inputs:       map[string]interface{}{"src": "cron"},
		IsActive:     true,
		NextRunAt:    &due,
	})
	require.NoError(t, err)
	return tr
}

func TestTickFiresDueTrigger(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	s := New(st, newLoader(t, "research"))

	now := time.Date(2025, 6, 1, 10, 7, 0, 0, time.UTC)
	tr := dueTrigger(t, st, "research", now.Add(-time.Minute))

	s.tick(ctx, now)

	runs, total, err := st.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "research", runs[0].GraphName)
	assert.Equal(t, store.StateQueued, runs[0].State)
	assert.Equal(t, "cron", runs[0].Inputs["src"])

	got, err := st.GetTrigger(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	require.NotNil(t, got.NextRunAt)
	// Next firing of */5 strictly after 10:07 is 10:10.
	assert.True(t, got.NextRunAt.Equal(time.Date(2025, 6, 1, 10, 10, 0, 0, time.UTC)),
		"next_run_at = %v", got.NextRunAt)
	assert.Nil(t, got.LastError)
}

func TestTickCoalescesMissedFirings(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	s := New(st, newLoader(t, "research"))

	// Trigger was due hours ago; one run, schedule advances from now.
	now := time.Date(2025, 6, 1, 18, 2, 0, 0, time.UTC)
	longAgo := now.Add(-6 * time.Hour)
	tr := dueTrigger(t, st, "research", longAgo)

	s.tick(ctx, now)

	_, total, err := st.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total, "backlog collapses into a single run")

	got, err := st.GetTrigger(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(now), "next firing is in the future, not the missed slot")
}

func TestTickDisablesTriggerWithMissingTemplate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	s := New(st, newLoader(t)) // empty definitions dir

	now := time.Now().UTC()
	tr := dueTrigger(t, st, "ghost", now.Add(-time.Minute))

	s.tick(ctx, now)

	_, total, err := st.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, total, "no run for a missing template")

	got, err := st.GetTrigger(ctx, tr.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Nil(t, got.NextRunAt)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "Template 'ghost' not found", *got.LastError)
}

func TestTickDisablesTriggerWithBadCron(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	s := New(st, newLoader(t, "research"))

	now := time.Now().UTC()
	due := now.Add(-time.Minute)
	tr, err := st.CreateTrigger(ctx, store.Trigger{
		Name:         "broken",
		TemplateName: "research",
		Cron:         "not a cron",
		Timezone:     "UTC",
		IsActive:     true,
		NextRunAt:    &due,
	})
	require.NoError(t, err)

	s.tick(ctx, now)

	// The firing itself still happens; only the reschedule fails.
	_, total, err := st.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	got, err := st.GetTrigger(ctx, tr.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "invalid cron expression")
}

func TestTickRequeuesStalledRuns(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	s := New(st, newLoader(t), WithStaleAfter(time.Minute))

	run, err := st.CreateRun(ctx, "research", nil)
	require.NoError(t, err)
	_, err = st.ClaimNextQueued(ctx, "w-dead")
	require.NoError(t, err)

	// Heartbeat is fresh: nothing to sweep.
	s.tick(ctx, time.Now().UTC())
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateRunning, got.State)

	// An hour later the heartbeat is stale.
	s.tick(ctx, time.Now().UTC().Add(time.Hour))
	got, err = st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateQueued, got.State)
	assert.Nil(t, got.WorkerID)
}

func TestInitializeSchedule(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 7, 0, 0, time.UTC)

	next, err := InitializeSchedule("*/5 * * * *", "UTC", true, now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.True(t, next.Equal(time.Date(2025, 6, 1, 10, 10, 0, 0, time.UTC)))

	next, err = InitializeSchedule("*/5 * * * *", "UTC", false, now)
	require.NoError(t, err)
	assert.Nil(t, next, "inactive triggers are never scheduled")

	_, err = InitializeSchedule("bad", "UTC", true, now)
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	st := store.NewMemStore()
	s := New(st, newLoader(t), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
