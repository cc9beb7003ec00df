package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.RunClaimed("research")
	m.RunClaimed("research")
	m.RunCompleted("research", "succeeded", 2*time.Second)
	m.TriggerFired("research")
	m.SchedulerTick()
	m.StalledRequeued(3)

	if got := testutil.ToFloat64(m.runsClaimed.WithLabelValues("research")); got != 2 {
		t.Errorf("runs_claimed_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.runsCompleted.WithLabelValues("research", "succeeded")); got != 1 {
		t.Errorf("runs_completed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.triggersFired.WithLabelValues("research")); got != 1 {
		t.Errorf("triggers_fired_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.schedulerTicks); got != 1 {
		t.Errorf("scheduler_ticks_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.stalledRequeued); got != 3 {
		t.Errorf("stalled_requeued_total = %v, want 3", got)
	}
}

func TestBusyWorkersGauge(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.WorkerBusy(1)
	m.WorkerBusy(1)
	m.WorkerBusy(-1)

	if got := testutil.ToFloat64(m.busyWorkers); got != 1 {
		t.Errorf("busy_workers = %v, want 1", got)
	}
}

func TestAllMetricsRegister(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.RunClaimed("g")
	m.RunCompleted("g", "failed", time.Second)
	m.WorkerBusy(1)
	m.SchedulerTick()
	m.TriggerFired("g")
	m.StalledRequeued(1)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	want := map[string]bool{
		"wirlflow_runs_claimed_total":     false,
		"wirlflow_runs_completed_total":   false,
		"wirlflow_run_duration_seconds":   false,
		"wirlflow_busy_workers":           false,
		"wirlflow_scheduler_ticks_total":  false,
		"wirlflow_triggers_fired_total":   false,
		"wirlflow_stalled_requeued_total": false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric %s not registered", name)
		}
	}
}
