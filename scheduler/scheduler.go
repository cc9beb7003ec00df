// Package scheduler fires cron triggers and sweeps stalled runs. One
// scheduler per backend process is enough; running several is safe
// because due triggers are claimed with SKIP LOCKED.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/wirlflow/cron"
	"github.com/dshills/wirlflow/metrics"
	"github.com/dshills/wirlflow/store"
	"github.com/dshills/wirlflow/template"
)

const (
	defaultPoll       = 60 * time.Second
	defaultStaleAfter = 40 * time.Minute
)

// Scheduler polls for due triggers and enqueues their runs.
type Scheduler struct {
	store     store.Store
	templates *template.Loader

	poll       time.Duration
	staleAfter time.Duration

	log     *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollInterval sets the trigger poll interval (default 60s).
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.poll = d }
}

// WithStaleAfter sets how long a running run may go without a heartbeat
// before it is re-queued (default 40m).
func WithStaleAfter(d time.Duration) Option {
	return func(s *Scheduler) { s.staleAfter = d }
}

// WithLogger sets the scheduler logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a Scheduler over st, resolving templates through loader.
func New(st store.Store, loader *template.Loader, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      st,
		templates:  loader,
		poll:       defaultPoll,
		staleAfter: defaultStaleAfter,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls until ctx is canceled. The first tick happens immediately.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler started", zap.Duration("poll", s.poll))
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	s.tick(ctx, time.Now().UTC())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC())
		}
	}
}

// tick sweeps stalled runs, then fires every due trigger.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if s.metrics != nil {
		s.metrics.SchedulerTick()
	}

	requeued, err := s.store.RequeueStalled(ctx, now.Add(-s.staleAfter))
	if err != nil {
		s.log.Error("stale sweep failed", zap.Error(err))
	} else if requeued > 0 {
		s.log.Warn("re-queued stalled runs", zap.Int("count", requeued))
		if s.metrics != nil {
			s.metrics.StalledRequeued(requeued)
		}
	}

	runs, err := s.store.FireDueTriggers(ctx, now, func(t store.Trigger) store.FireAction {
		return s.decide(t, now)
	})
	if err != nil {
		s.log.Error("trigger firing failed", zap.Error(err))
		return
	}
	for _, run := range runs {
		s.log.Info("trigger enqueued run",
			zap.String("run_id", run.ID),
			zap.String("graph", run.GraphName))
		if s.metrics != nil {
			s.metrics.TriggerFired(run.GraphName)
		}
	}
}

// decide resolves one due trigger: which graph to enqueue and when the
// trigger fires next.
//
// The next firing is always computed from now, never from the missed
// slot, so a backlog of missed firings collapses into the single run
// being enqueued here.
func (s *Scheduler) decide(t store.Trigger, now time.Time) store.FireAction {
	tpl, ok, err := s.templates.Get(t.TemplateName)
	if err != nil {
		s.log.Error("template lookup failed", zap.String("trigger_id", t.ID), zap.Error(err))
		return store.FireAction{Skip: true, Err: err.Error()}
	}
	if !ok {
		s.log.Warn("trigger references missing template",
			zap.String("trigger_id", t.ID),
			zap.String("template", t.TemplateName))
		return store.FireAction{Skip: true, Err: fmt.Sprintf("Template '%s' not found", t.TemplateName)}
	}

	next, err := cron.Next(t.Cron, t.Timezone, now)
	if err != nil {
		s.log.Error("cannot compute next firing",
			zap.String("trigger_id", t.ID),
			zap.Error(err))
		return store.FireAction{GraphName: tpl.ID, Err: err.Error()}
	}
	return store.FireAction{GraphName: tpl.ID, NextRunAt: &next}
}

// InitializeSchedule computes a trigger's next_run_at for create and
// update: active triggers get the next firing after now, inactive ones
// get none.
func InitializeSchedule(cronExpr, timezone string, isActive bool, now time.Time) (*time.Time, error) {
	if !isActive {
		return nil, nil
	}
	next, err := cron.Next(cronExpr, timezone, now)
	if err != nil {
		return nil, err
	}
	return &next, nil
}
