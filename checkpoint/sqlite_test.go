package checkpoint

import (
	"context"
	"testing"
)

func TestSQLiteSaver(t *testing.T) {
	saver, err := NewSQLiteSaver(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteSaver failed: %v", err)
	}
	defer func() { _ = saver.Close() }()

	saverContract(t, saver)
}

func TestSQLiteSaver_SetupIdempotent(t *testing.T) {
	saver, err := NewSQLiteSaver(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteSaver failed: %v", err)
	}
	defer func() { _ = saver.Close() }()

	// Constructor already ran Setup once; running again must not fail.
	if err := saver.Setup(context.Background()); err != nil {
		t.Fatalf("second Setup failed: %v", err)
	}
}

func TestSQLiteSaver_Closed(t *testing.T) {
	saver, err := NewSQLiteSaver(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteSaver failed: %v", err)
	}
	if err := saver.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := saver.Close(); err != nil {
		t.Fatalf("double Close should be a no-op, got: %v", err)
	}
	if _, err := saver.Put(context.Background(), "t", Checkpoint{}); err == nil {
		t.Error("expected error putting to closed saver")
	}
}
