package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// Recurrences without an explicit anchor count from a fixed epoch so that
// COUNT and INTERVAL phases are stable across restarts.
var rruleEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

var allowedRuleParts = map[string]bool{
	"FREQ":       true,
	"INTERVAL":   true,
	"COUNT":      true,
	"UNTIL":      true,
	"WKST":       true,
	"BYSECOND":   true,
	"BYMINUTE":   true,
	"BYHOUR":     true,
	"BYDAY":      true,
	"BYMONTHDAY": true,
	"BYMONTH":    true,
	"BYSETPOS":   true,
}

type rruleSchedule struct {
	rule *rrule.RRule
	loc  *time.Location
}

func compileRRule(expr string, loc *time.Location) (Schedule, error) {
	normalized := strings.ToUpper(strings.TrimSpace(expr))
	if normalized == "" {
		return nil, fmt.Errorf("rrule expression is required")
	}
	seen := make(map[string]bool)
	for _, part := range strings.Split(normalized, ";") {
		key, value, found := strings.Cut(part, "=")
		if !found || key == "" || value == "" {
			return nil, fmt.Errorf("rrule %q: malformed part %q", expr, part)
		}
		if !allowedRuleParts[key] {
			return nil, fmt.Errorf("rrule %q: part %s is not supported", expr, key)
		}
		switch key {
		case "COUNT":
			if n, err := strconv.Atoi(value); err != nil || n < 1 {
				return nil, fmt.Errorf("rrule %q: COUNT must be a positive integer", expr)
			}
		case "INTERVAL":
			if n, err := strconv.Atoi(value); err != nil || n < 1 {
				return nil, fmt.Errorf("rrule %q: INTERVAL must be a positive integer", expr)
			}
		}
		seen[key] = true
	}
	if !seen["FREQ"] {
		return nil, fmt.Errorf("rrule %q: FREQ is required", expr)
	}
	if seen["COUNT"] && seen["UNTIL"] {
		return nil, fmt.Errorf("rrule %q: COUNT and UNTIL are mutually exclusive", expr)
	}

	opt, err := rrule.StrToROption(normalized)
	if err != nil {
		return nil, fmt.Errorf("parse rrule %q: %w", expr, err)
	}
	opt.Dtstart = rruleEpoch
	if !opt.Until.IsZero() {
		// UNTIL bounds the wall-clock frame the rule iterates in.
		opt.Until = wallClone(opt.Until.In(time.UTC))
	}
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("compile rrule %q: %w", expr, err)
	}
	return &rruleSchedule{rule: rule, loc: loc}, nil
}

func (s *rruleSchedule) NextAfter(ref time.Time) (time.Time, bool) {
	return nextResolved(s.loc, ref, func(cursor time.Time) (time.Time, bool) {
		next := s.rule.After(cursor, false)
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	})
}

// validateRRule applies the creation-time checks that Compile deliberately
// skips: a compiled rule may legitimately be exhausted, but registering a new
// task with one is a caller mistake.
func validateRRule(expr string, loc *time.Location, now time.Time) error {
	sched, err := compileRRule(expr, loc)
	if err != nil {
		return err
	}
	rs := sched.(*rruleSchedule)
	opt := rs.rule.OrigOptions

	if !opt.Until.IsZero() && opt.Until.Before(wallClone(now.In(loc))) {
		return fmt.Errorf("rrule %q: UNTIL is in the past", expr)
	}
	if opt.Freq != rrule.YEARLY && opt.Freq != rrule.MONTHLY {
		for _, wd := range opt.Byweekday {
			if wd.N() != 0 {
				return fmt.Errorf("rrule %q: ordinal BYDAY requires FREQ=MONTHLY or FREQ=YEARLY", expr)
			}
		}
	}
	return nil
}
