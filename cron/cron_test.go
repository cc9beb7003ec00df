package cron

import (
	"errors"
	"testing"
	"time"
)

func TestNextEveryFiveMinutes(t *testing.T) {
	from := time.Date(2025, 6, 1, 10, 5, 30, 0, time.UTC)
	got, err := Next("*/5 * * * *", "UTC", from)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	want := time.Date(2025, 6, 1, 10, 10, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNextIsStrictlyAfter(t *testing.T) {
	// from lands exactly on a firing minute; the result is the next one.
	from := time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)
	got, err := Next("*/5 * * * *", "UTC", from)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	want := time.Date(2025, 6, 1, 10, 10, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNextTruncatesSubMinute(t *testing.T) {
	// 10:04:59.9 truncates to 10:04, so 10:05 is still ahead.
	from := time.Date(2025, 6, 1, 10, 4, 59, 900_000_000, time.UTC)
	got, err := Next("*/5 * * * *", "UTC", from)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	want := time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNextEvaluatesInZone(t *testing.T) {
	// 09:00 in New York during DST is 13:00 UTC.
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	got, err := Next("0 9 * * *", "America/New_York", from)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	want := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
	if got.Location() != time.UTC {
		t.Errorf("result location = %v, want UTC", got.Location())
	}
}

func TestNextCoalescesBacklog(t *testing.T) {
	// A trigger that was down for hours asks "next from now", not
	// "next after the last firing": one future firing, no catch-up.
	from := time.Date(2025, 6, 1, 17, 42, 0, 0, time.UTC)
	got, err := Next("0 * * * *", "UTC", from)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	want := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNextInvalidExpression(t *testing.T) {
	_, err := Next("not a cron", "UTC", time.Now())
	if !errors.Is(err, ErrInvalidCron) {
		t.Errorf("expected ErrInvalidCron, got %v", err)
	}

	// Six fields is not the supported format.
	_, err = Next("0 0 * * * *", "UTC", time.Now())
	if !errors.Is(err, ErrInvalidCron) {
		t.Errorf("expected ErrInvalidCron for six fields, got %v", err)
	}
}

func TestNextUnknownTimezone(t *testing.T) {
	_, err := Next("* * * * *", "Mars/Olympus_Mons", time.Now())
	if !errors.Is(err, ErrUnknownTimezone) {
		t.Errorf("expected ErrUnknownTimezone, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("30 2 * * 1", "Europe/Berlin"); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
	if err := Validate("bad", "UTC"); !errors.Is(err, ErrInvalidCron) {
		t.Errorf("expected ErrInvalidCron, got %v", err)
	}
	if err := Validate("* * * * *", "Nowhere"); !errors.Is(err, ErrUnknownTimezone) {
		t.Errorf("expected ErrUnknownTimezone, got %v", err)
	}
}
