package schedule

import (
	"time"

	"github.com/robfig/cron/v3"
)

// CronEngine evaluates standard 5-field cron expressions
// (minute hour day-of-month month day-of-week).
//
// Due-checks are a pure function of (expression, instant, timezone) at minute
// granularity; there is no stateful "next after last" iterator, so repeated
// evaluation cannot drift.
type CronEngine struct {
	parser cron.Parser
}

func NewCronEngine() CronEngine {
	// Strictly 5 fields: no seconds, no descriptors. Anything else is a
	// config error surfaced at load time.
	return CronEngine{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Parse validates expr and returns its schedule.
func (e CronEngine) Parse(expr string) (cron.Schedule, error) {
	return e.parser.Parse(expr)
}

// NextRun returns the next activation of expr strictly after the given
// instant, evaluated in loc.
func (e CronEngine) NextRun(expr string, after time.Time, loc *time.Location) (time.Time, error) {
	sched, err := e.parser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return sched.Next(after.In(loc)), nil
}

// IsDue reports whether expr matches now, truncated to the minute, in loc.
// Second-level precision is deliberately not provided.
func (e CronEngine) IsDue(expr string, now time.Time, loc *time.Location) (bool, error) {
	sched, err := e.parser.Parse(expr)
	if err != nil {
		return false, err
	}
	if loc == nil {
		loc = time.UTC
	}
	minute := now.In(loc).Truncate(time.Minute)
	// Next() is strictly-after, so asking from one second before the minute
	// boundary yields the minute itself iff the expression matches it.
	return sched.Next(minute.Add(-time.Second)).Equal(minute), nil
}
