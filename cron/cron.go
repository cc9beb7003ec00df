// Package cron evaluates five-field cron expressions in a named
// timezone. It answers one question: given an expression, a zone, and
// an instant, when does the schedule fire next?
//
// The result is always strictly after the given instant, so callers
// that compute "next from now" after a firing naturally coalesce any
// backlog of missed firings into a single future one.
package cron

import (
	"errors"
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// ErrInvalidCron is returned when the expression does not parse as a
// standard five-field cron spec.
var ErrInvalidCron = errors.New("invalid cron expression")

// ErrUnknownTimezone is returned when the zone is not a known IANA name.
var ErrUnknownTimezone = errors.New("unknown timezone")

// standard five fields: minute, hour, day-of-month, month, day-of-week.
var parser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow,
)

// Next returns the first firing of expr, evaluated in zone, strictly
// after from. The result is in UTC.
//
// from is truncated to the minute before evaluation, so sub-minute
// noise in the caller's clock never shifts which minute fires next.
func Next(expr, zone string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownTimezone, zone)
	}

	base := from.In(loc).Truncate(time.Minute)
	return sched.Next(base).UTC(), nil
}

// Validate reports whether expr and zone are usable together.
func Validate(expr, zone string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	if _, err := time.LoadLocation(zone); err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownTimezone, zone)
	}
	return nil
}
