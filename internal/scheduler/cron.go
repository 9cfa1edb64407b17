package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts both the standard 5-field expression and the extended
// 6-field form with a leading seconds column (spec §4.5).
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// parseCron validates a cron expression, rejecting anything that fails to
// parse or carries an out-of-range field.
func parseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// nextFire computes the next fire time after now in the definition's
// timezone. Evaluating Schedule.Next against a time already converted
// into loc lets Go's time package resolve DST transitions: a fire time
// that falls in a skipped local hour does not occur that day, so the next
// fire is the following day's occurrence, and a repeated local
// time (fall-back) is only ever produced once by time.Date, so the
// first occurrence is what cron observes.
func nextFire(sched cron.Schedule, now time.Time, timezone string) time.Time {
	loc := time.UTC
	if timezone != "" {
		if l, err := time.LoadLocation(timezone); err == nil {
			loc = l
		}
	}
	return sched.Next(now.In(loc))
}
