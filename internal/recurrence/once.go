package recurrence

import (
	"fmt"
	"strings"
	"time"
)

type onceSchedule struct {
	at time.Time
}

// compileOnce accepts an RFC 3339 instant, or a naive reading like
// 2025-06-15T09:00:00 interpreted on the task timezone's wall clock with the
// same gap and fold handling as recurring schedules.
func compileOnce(expr string, loc *time.Location) (Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, fmt.Errorf("once schedule requires a timestamp")
	}
	if at, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return &onceSchedule{at: at.In(loc)}, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04"} {
		wall, err := time.Parse(layout, trimmed)
		if err != nil {
			continue
		}
		return &onceSchedule{at: resolveWall(loc, wall)}, nil
	}
	return nil, fmt.Errorf("once schedule %q: want RFC 3339 or YYYY-MM-DDTHH:MM[:SS]", expr)
}

func (s *onceSchedule) NextAfter(ref time.Time) (time.Time, bool) {
	if s.at.After(ref) {
		return s.at, true
	}
	return time.Time{}, false
}
