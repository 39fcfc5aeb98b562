// Package recurrence compiles task schedules and computes occurrence
// instants. Cron and RRULE schedules are evaluated against the wall clock of
// the task's timezone: readings that fall inside a spring-forward gap fire at
// the first legal instant after the gap, and readings repeated by a fall-back
// fold fire once, at the earlier instant.
package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// Schedule yields occurrence instants for one task.
type Schedule interface {
	// NextAfter returns the first occurrence strictly after ref, or
	// ok=false when the schedule has no further occurrences.
	NextAfter(ref time.Time) (next time.Time, ok bool)
}

// Compile builds a Schedule for a timed schedule kind. Event and condition
// kinds have no time-based occurrences and cannot be compiled.
func Compile(kind, expr, tz string) (Schedule, error) {
	loc, err := loadZone(tz)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "cron":
		return compileCron(expr, loc)
	case "rrule":
		return compileRRule(expr, loc)
	case "once":
		return compileOnce(expr, loc)
	case "event", "condition":
		return nil, fmt.Errorf("schedule kind %q has no time-based occurrences", kind)
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", kind)
	}
}

// Validate checks a schedule expression without computing occurrences.
// For rrule it is stricter than Compile: rules that can never fire again,
// like an UNTIL already behind us, are rejected.
func Validate(kind, expr, tz string) error {
	switch kind {
	case "cron", "once":
		_, err := Compile(kind, expr, tz)
		return err
	case "rrule":
		loc, err := loadZone(tz)
		if err != nil {
			return err
		}
		return validateRRule(expr, loc, time.Now())
	case "event":
		if _, err := loadZone(tz); err != nil {
			return err
		}
		topic := strings.TrimSpace(expr)
		if topic == "" {
			return fmt.Errorf("event schedule requires a topic")
		}
		if strings.ContainsAny(topic, " \t\n") {
			return fmt.Errorf("event topic %q must not contain whitespace", topic)
		}
		return nil
	case "condition":
		return fmt.Errorf("schedule kind condition is not supported")
	default:
		return fmt.Errorf("unknown schedule kind %q", kind)
	}
}

// NextAfter compiles and evaluates in one call.
func NextAfter(kind, expr, tz string, ref time.Time) (time.Time, bool, error) {
	sched, err := Compile(kind, expr, tz)
	if err != nil {
		return time.Time{}, false, err
	}
	next, ok := sched.NextAfter(ref)
	return next, ok, nil
}

// NextNAfter returns up to n occurrences strictly after ref, in order.
func NextNAfter(kind, expr, tz string, ref time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	sched, err := Compile(kind, expr, tz)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	cursor := ref
	for len(out) < n {
		next, ok := sched.NextAfter(cursor)
		if !ok {
			break
		}
		out = append(out, next)
		cursor = next
	}
	return out, nil
}

func loadZone(tz string) (*time.Location, error) {
	if strings.TrimSpace(tz) == "" {
		return nil, fmt.Errorf("timezone is required")
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return loc, nil
}
