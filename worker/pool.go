// Package worker claims queued runs and executes their graphs. A pool
// of executor goroutines polls the store; the SKIP LOCKED claim keeps
// pools on different machines from colliding.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/wirlflow/checkpoint"
	"github.com/dshills/wirlflow/emit"
	"github.com/dshills/wirlflow/graph"
	"github.com/dshills/wirlflow/metrics"
	"github.com/dshills/wirlflow/store"
)

const (
	defaultIdleSleep = 10 * time.Second
	defaultHeartbeat = 30 * time.Second
	defaultTimeout   = 20 * time.Minute
)

// Pool executes claimed runs with a fixed number of goroutines.
type Pool struct {
	store    store.Store
	saver    checkpoint.Saver
	registry *graph.Registry
	runner   *graph.Runner

	workers     int
	idleSleep   time.Duration
	heartbeat   time.Duration
	taskTimeout time.Duration

	log     *zap.Logger
	metrics *metrics.Metrics
	emitter emit.Emitter
}

// Option configures a Pool.
type Option func(*Pool)

// WithWorkers sets the executor count (default 4).
func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithIdleSleep sets how long an executor sleeps after finding the
// queue empty (default 10s).
func WithIdleSleep(d time.Duration) Option {
	return func(p *Pool) { p.idleSleep = d }
}

// WithHeartbeatInterval sets how often an executor stamps the heartbeat
// of its in-flight run (default 30s).
func WithHeartbeatInterval(d time.Duration) Option {
	return func(p *Pool) { p.heartbeat = d }
}

// WithTaskTimeout bounds one run attempt (default 20m). A timed-out
// attempt fails and can be continued like any other failure.
func WithTaskTimeout(d time.Duration) Option {
	return func(p *Pool) { p.taskTimeout = d }
}

// WithLogger sets the pool logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithEmitter forwards graph execution events (node starts, checkpoint
// saves, interrupts) to the given emitter.
func WithEmitter(e emit.Emitter) Option {
	return func(p *Pool) { p.emitter = e }
}

// NewPool creates a Pool executing graphs from registry against st,
// checkpointing through saver.
func NewPool(st store.Store, saver checkpoint.Saver, registry *graph.Registry, opts ...Option) *Pool {
	p := &Pool{
		store:       st,
		saver:       saver,
		registry:    registry,
		workers:     4,
		idleSleep:   defaultIdleSleep,
		heartbeat:   defaultHeartbeat,
		taskTimeout: defaultTimeout,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.emitter != nil {
		p.runner = graph.NewRunner(saver, graph.WithEmitter(p.emitter))
	} else {
		p.runner = graph.NewRunner(saver)
	}
	return p
}

// Run starts the executors and blocks until ctx is canceled and every
// in-flight run has reached a final state for this attempt.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wid := "w" + uuid.NewString()
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, wid)
		}()
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, wid string) {
	log := p.log.With(zap.String("worker_id", wid))
	log.Info("worker started")

	for {
		if ctx.Err() != nil {
			log.Info("worker stopping")
			return
		}

		run, err := p.store.ClaimNextQueued(ctx, wid)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) && ctx.Err() == nil {
				log.Error("claim failed", zap.Error(err))
			}
			if !sleep(ctx, p.idleSleep) {
				return
			}
			continue
		}

		p.execute(ctx, log, run)
	}
}

// execute runs one claimed attempt to a final state.
func (p *Pool) execute(ctx context.Context, log *zap.Logger, run store.Run) {
	log = log.With(zap.String("run_id", run.ID), zap.String("graph", run.GraphName), zap.Int("attempt", run.Attempt))
	log.Info("claimed run")

	if p.metrics != nil {
		p.metrics.RunClaimed(run.GraphName)
		p.metrics.WorkerBusy(1)
		defer p.metrics.WorkerBusy(-1)
	}
	start := time.Now()

	stopHeartbeat := p.startHeartbeat(ctx, run.ID)
	defer stopHeartbeat()

	runCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	defer cancel()

	result, err := p.runAttempt(runCtx, run)

	outcome := ""
	switch {
	case err != nil:
		msg := err.Error()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("Task timed out after %d minutes", int(p.taskTimeout.Minutes()))
		}
		outcome = string(store.StateFailed)
		if serr := p.store.SetFinalState(ctx, run.ID, store.StateFailed, nil, &msg); serr != nil {
			log.Error("failed to record failure", zap.Error(serr))
		}
		log.Warn("run failed", zap.String("error", msg))
	case resultInterrupted(result):
		outcome = string(store.StateNeedsInput)
		if serr := p.store.SetFinalState(ctx, run.ID, store.StateNeedsInput, result, nil); serr != nil {
			log.Error("failed to record interrupt", zap.Error(serr))
		}
		log.Info("run paused for input")
	default:
		outcome = string(store.StateSucceeded)
		if serr := p.store.SetFinalState(ctx, run.ID, store.StateSucceeded, result, nil); serr != nil {
			log.Error("failed to record success", zap.Error(serr))
		}
		log.Info("run succeeded")
	}

	if p.metrics != nil {
		p.metrics.RunCompleted(run.GraphName, outcome, time.Since(start))
	}
}

// runAttempt resolves the graph and invokes the runner.
//
// A resume payload, or any attempt after the first, means checkpoints
// already hold the authoritative state: the original inputs are not
// passed again.
func (p *Pool) runAttempt(ctx context.Context, run store.Run) (map[string]interface{}, error) {
	def, ok := p.registry.Lookup(run.GraphName)
	if !ok {
		return nil, fmt.Errorf("Template not found")
	}

	params := run.Inputs
	var resume interface{}
	if run.ResumePayload != nil || run.Attempt > 1 {
		params = nil
	}
	if run.ResumePayload != nil {
		var payload struct {
			Answer interface{} `json:"answer"`
		}
		if err := json.Unmarshal([]byte(*run.ResumePayload), &payload); err != nil {
			return nil, fmt.Errorf("invalid resume payload: %w", err)
		}
		resume = payload.Answer
	}

	return p.runner.Run(ctx, def.Graph, def.Funcs, params, run.ThreadID, resume)
}

// startHeartbeat stamps the run's heartbeat until the returned stop
// function is called, so the stale sweep knows this worker is alive.
func (p *Pool) startHeartbeat(ctx context.Context, runID string) func() {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.store.UpdateHeartbeat(ctx, runID); err != nil && ctx.Err() == nil {
					p.log.Error("heartbeat failed", zap.String("run_id", runID), zap.Error(err))
				}
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

// resultInterrupted reports whether a run result left the run waiting
// for user input.
func resultInterrupted(result map[string]interface{}) bool {
	_, ok := result[graph.ChannelInterrupt]
	return ok
}

// sleep waits for d or ctx cancellation; false means canceled.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
