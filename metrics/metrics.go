// Package metrics exposes Prometheus metrics for the worker pool and
// the trigger scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the collector shared by the worker pool and scheduler.
//
// All metrics are namespaced "wirlflow":
//
//   - runs_claimed_total (counter, labels: graph): runs handed to a
//     worker by the queue claim.
//   - runs_completed_total (counter, labels: graph, outcome): finished
//     attempts by outcome (succeeded, failed, needs_input).
//   - run_duration_seconds (histogram, labels: graph, outcome): wall
//     time of one run attempt.
//   - busy_workers (gauge): executor goroutines currently holding a
//     claimed run.
//   - scheduler_ticks_total (counter): trigger poll iterations.
//   - triggers_fired_total (counter, labels: template): runs enqueued
//     by cron triggers.
//   - stalled_requeued_total (counter): runs reclaimed from dead
//     workers by the stale sweep.
//
// Expose via promhttp:
//
//	registry := prometheus.NewRegistry()
//	m := New(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	runsClaimed     *prometheus.CounterVec
	runsCompleted   *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	busyWorkers     prometheus.Gauge
	schedulerTicks  prometheus.Counter
	triggersFired   *prometheus.CounterVec
	stalledRequeued prometheus.Counter
}

// New creates and registers the collector. A nil registry uses the
// default global registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		runsClaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wirlflow",
			Name:      "runs_claimed_total",
			Help:      "Queued runs claimed by workers",
		}, []string{"graph"}),
		runsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wirlflow",
			Name:      "runs_completed_total",
			Help:      "Finished run attempts by outcome",
		}, []string{"graph", "outcome"}), // outcome: succeeded, failed, needs_input
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wirlflow",
			Name:      "run_duration_seconds",
			Help:      "Wall time of one run attempt from claim to final state",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		}, []string{"graph", "outcome"}),
		busyWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wirlflow",
			Name:      "busy_workers",
			Help:      "Executor goroutines currently holding a claimed run",
		}),
		schedulerTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wirlflow",
			Name:      "scheduler_ticks_total",
			Help:      "Trigger poll iterations",
		}),
		triggersFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wirlflow",
			Name:      "triggers_fired_total",
			Help:      "Runs enqueued by cron triggers",
		}, []string{"template"}),
		stalledRequeued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wirlflow",
			Name:      "stalled_requeued_total",
			Help:      "Runs re-queued after their worker stopped heartbeating",
		}),
	}
}

// RunClaimed records a successful queue claim.
func (m *Metrics) RunClaimed(graph string) {
	m.runsClaimed.WithLabelValues(graph).Inc()
}

// RunCompleted records a finished attempt and its duration.
func (m *Metrics) RunCompleted(graph, outcome string, d time.Duration) {
	m.runsCompleted.WithLabelValues(graph, outcome).Inc()
	m.runDuration.WithLabelValues(graph, outcome).Observe(d.Seconds())
}

// WorkerBusy adjusts the busy worker gauge by delta (+1 on claim, -1
// when the attempt finishes).
func (m *Metrics) WorkerBusy(delta int) {
	m.busyWorkers.Add(float64(delta))
}

// SchedulerTick records one trigger poll iteration.
func (m *Metrics) SchedulerTick() {
	m.schedulerTicks.Inc()
}

// TriggerFired records a run enqueued by a cron trigger.
func (m *Metrics) TriggerFired(template string) {
	m.triggersFired.WithLabelValues(template).Inc()
}

// StalledRequeued records runs reclaimed by the stale sweep.
func (m *Metrics) StalledRequeued(n int) {
	m.stalledRequeued.Add(float64(n))
}
