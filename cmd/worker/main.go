// The worker process claims queued runs and executes their graphs,
// checkpointing through Postgres so an interrupted run resumes where
// it left off. Scale horizontally by running more worker processes.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dshills/wirlflow/checkpoint"
	"github.com/dshills/wirlflow/config"
	"github.com/dshills/wirlflow/emit"
	"github.com/dshills/wirlflow/graph"
	"github.com/dshills/wirlflow/metrics"
	"github.com/dshills/wirlflow/store"
	"github.com/dshills/wirlflow/worker"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(log); err != nil {
		log.Fatal("worker exited", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	saver, err := checkpoint.NewPostgresSaver(ctx, st.Pool())
	if err != nil {
		return err
	}

	reg := graph.NewRegistry()
	if err := registerGraphs(reg); err != nil {
		return err
	}
	log.Info("graphs registered", zap.Strings("ids", reg.IDs()))

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		_ = metricsServer.ListenAndServe()
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	pool := worker.NewPool(st, saver, reg,
		worker.WithWorkers(cfg.Workers),
		worker.WithTaskTimeout(cfg.TaskTimeout),
		worker.WithLogger(log.Named("pool")),
		worker.WithMetrics(m),
		worker.WithEmitter(emit.NewLogEmitter(os.Stdout, true)),
	)

	log.Info("worker pool starting", zap.Int("workers", cfg.Workers))
	pool.Run(ctx)
	log.Info("worker pool stopped")
	return nil
}
