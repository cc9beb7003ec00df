package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/wirlflow")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.TaskTimeout != 20*time.Minute {
		t.Errorf("TaskTimeout = %v, want 20m", cfg.TaskTimeout)
	}
	if cfg.DefinitionsPath != "workflow_definitions" {
		t.Errorf("DefinitionsPath = %q", cfg.DefinitionsPath)
	}
	if cfg.SchedulerPoll != 60*time.Second {
		t.Errorf("SchedulerPoll = %v, want 60s", cfg.SchedulerPoll)
	}
	if cfg.HTTPAddr != ":8000" {
		t.Errorf("HTTPAddr = %q, want :8000", cfg.HTTPAddr)
	}
	if cfg.MetricsAddr != ":9100" {
		t.Errorf("MetricsAddr = %q, want :9100", cfg.MetricsAddr)
	}
	if cfg.StaleAfter() != 40*time.Minute {
		t.Errorf("StaleAfter = %v, want 40m", cfg.StaleAfter())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/wirlflow")
	t.Setenv("WORKERS", "8")
	t.Setenv("TASK_TIMEOUT_MINUTES", "5")
	t.Setenv("WORKFLOW_DEFINITIONS_PATH", "/etc/wirl")
	t.Setenv("SCHEDULER_POLL_SECONDS", "15")
	t.Setenv("HTTP_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d", cfg.Workers)
	}
	if cfg.TaskTimeout != 5*time.Minute {
		t.Errorf("TaskTimeout = %v", cfg.TaskTimeout)
	}
	if cfg.DefinitionsPath != "/etc/wirl" {
		t.Errorf("DefinitionsPath = %q", cfg.DefinitionsPath)
	}
	if cfg.SchedulerPoll != 15*time.Second {
		t.Errorf("SchedulerPoll = %v", cfg.SchedulerPoll)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
}

func TestLoadMissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	if !errors.Is(err, ErrMissingDatabaseURL) {
		t.Errorf("expected ErrMissingDatabaseURL, got %v", err)
	}
}

func TestLoadRejectsGarbageInts(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/wirlflow")
	t.Setenv("WORKERS", "many")

	if _, err := Load(); err == nil {
		t.Error("expected error for non-numeric WORKERS")
	}
}
