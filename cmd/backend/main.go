// The backend serves the workflow API, runs the trigger scheduler, and
// exposes Prometheus metrics. Workers run as a separate process (see
// cmd/worker).
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dshills/wirlflow/api"
	"github.com/dshills/wirlflow/checkpoint"
	"github.com/dshills/wirlflow/config"
	"github.com/dshills/wirlflow/metrics"
	"github.com/dshills/wirlflow/scheduler"
	"github.com/dshills/wirlflow/store"
	"github.com/dshills/wirlflow/template"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(log); err != nil {
		log.Fatal("backend exited", zap.Error(err))
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

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	loader := template.NewLoader(cfg.DefinitionsPath)
	sched := scheduler.New(st, loader,
		scheduler.WithPollInterval(cfg.SchedulerPoll),
		scheduler.WithStaleAfter(cfg.StaleAfter()),
		scheduler.WithLogger(log.Named("scheduler")),
		scheduler.WithMetrics(m),
	)
	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()

	router := api.New(st, saver, loader, log.Named("api")).Router()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown failed", zap.Error(err))
	}
	<-schedDone
	return nil
}
