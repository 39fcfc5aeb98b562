package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Five-field crontab with minute resolution. Descriptors like @daily expand
// to ordinary field specs; @every produces a delay schedule and is rejected.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// starBit mirrors the top bit the cron parser sets on fields written as *.
const starBit = 1 << 63

type cronSchedule struct {
	spec *cron.SpecSchedule
	loc  *time.Location
}

func compileCron(expr string, loc *time.Location) (Schedule, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	parsed, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	spec, ok := parsed.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("cron %q: interval descriptors are not supported", expr)
	}
	return &cronSchedule{spec: spec, loc: loc}, nil
}

func (s *cronSchedule) NextAfter(ref time.Time) (time.Time, bool) {
	return nextResolved(s.loc, ref, s.nextWall)
}

// nextWall walks the parsed bit sets in the UTC wall frame, largest field
// first, resetting smaller fields whenever a larger one advances. Gives up
// five years out, matching the parser library's own horizon.
func (s *cronSchedule) nextWall(t time.Time) (time.Time, bool) {
	t = t.Add(1*time.Second - time.Duration(t.Nanosecond())*time.Nanosecond)
	added := false
	yearLimit := t.Year() + 5

WRAP:
	if t.Year() > yearLimit {
		return time.Time{}, false
	}

	for 1<<uint(t.Month())&s.spec.Month == 0 {
		if !added {
			added = true
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		}
		t = t.AddDate(0, 1, 0)
		if t.Month() == time.January {
			goto WRAP
		}
	}

	for !dayMatches(s.spec, t) {
		if !added {
			added = true
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		}
		t = t.AddDate(0, 0, 1)
		if t.Day() == 1 {
			goto WRAP
		}
	}

	for 1<<uint(t.Hour())&s.spec.Hour == 0 {
		if !added {
			added = true
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
		}
		t = t.Add(time.Hour)
		if t.Hour() == 0 {
			goto WRAP
		}
	}

	for 1<<uint(t.Minute())&s.spec.Minute == 0 {
		if !added {
			added = true
			t = t.Truncate(time.Minute)
		}
		t = t.Add(time.Minute)
		if t.Minute() == 0 {
			goto WRAP
		}
	}

	for 1<<uint(t.Second())&s.spec.Second == 0 {
		if !added {
			added = true
			t = t.Truncate(time.Second)
		}
		t = t.Add(time.Second)
		if t.Second() == 0 {
			goto WRAP
		}
	}

	return t, true
}

// dayMatches applies crontab day semantics: when either day field is a star
// both must match, otherwise a restricted day-of-month OR day-of-week hit
// suffices.
func dayMatches(spec *cron.SpecSchedule, t time.Time) bool {
	domMatch := 1<<uint(t.Day())&spec.Dom > 0
	dowMatch := 1<<uint(t.Weekday())&spec.Dow > 0
	if spec.Dom&starBit > 0 || spec.Dow&starBit > 0 {
		return domMatch && dowMatch
	}
	return domMatch || dowMatch
}
