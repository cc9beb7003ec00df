// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrMissingDatabaseURL is returned when DATABASE_URL is unset.
var ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")

// Config holds the settings shared by the backend and worker processes.
type Config struct {
	// DatabaseURL is the Postgres connection string. Required.
	DatabaseURL string

	// Workers is the number of concurrent run executors per worker
	// process. WORKERS, default 4.
	Workers int

	// TaskTimeout bounds one run attempt. TASK_TIMEOUT_MINUTES,
	// default 20 minutes.
	TaskTimeout time.Duration

	// DefinitionsPath is the workflow definitions root.
	// WORKFLOW_DEFINITIONS_PATH, default "workflow_definitions".
	DefinitionsPath string

	// SchedulerPoll is the trigger poll interval.
	// SCHEDULER_POLL_SECONDS, default 60 seconds.
	SchedulerPoll time.Duration

	// HTTPAddr is the API listen address. HTTP_ADDR, default ":8000".
	HTTPAddr string

	// MetricsAddr is where the worker process serves /metrics.
	// METRICS_ADDR, default ":9100". The backend serves metrics on
	// HTTPAddr instead.
	MetricsAddr string
}

// Load reads configuration from the environment, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		DefinitionsPath: envOr("WORKFLOW_DEFINITIONS_PATH", "workflow_definitions"),
		HTTPAddr:        envOr("HTTP_ADDR", ":8000"),
		MetricsAddr:     envOr("METRICS_ADDR", ":9100"),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, ErrMissingDatabaseURL
	}

	workers, err := envInt("WORKERS", 4)
	if err != nil {
		return Config{}, err
	}
	cfg.Workers = workers

	timeoutMin, err := envInt("TASK_TIMEOUT_MINUTES", 20)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskTimeout = time.Duration(timeoutMin) * time.Minute

	pollSec, err := envInt("SCHEDULER_POLL_SECONDS", 60)
	if err != nil {
		return Config{}, err
	}
	cfg.SchedulerPoll = time.Duration(pollSec) * time.Second

	return cfg, nil
}

// StaleAfter is how long a running run may go without a heartbeat
// before the scheduler re-queues it: twice the task timeout, so a run
// that is merely slow is never stolen from a live worker.
func (c Config) StaleAfter() time.Duration {
	return 2 * c.TaskTimeout
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
