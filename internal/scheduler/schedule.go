package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ajitpratap0/tributary/pkg/errors"
)

// ShouldSync reports whether a stream with the given cron expression is due
// at now. The schedule is anchored at the last successful sync: the stream
// is due once the first fire time after lastSuccess has passed. A stream
// that has never synced is always due.
func ShouldSync(expr string, lastSuccess *time.Time, now time.Time) (bool, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeConfig, "invalid cron expression").WithDetail("cron", expr)
	}
	if lastSuccess == nil {
		return true, nil
	}
	next := sched.Next(lastSuccess.UTC())
	return !next.After(now.UTC()), nil
}

// NextRun returns the next fire time after the last successful sync, or now
// for a stream that has never synced
func NextRun(expr string, lastSuccess *time.Time, now time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrorTypeConfig, "invalid cron expression").WithDetail("cron", expr)
	}
	if lastSuccess == nil {
		return now.UTC(), nil
	}
	return sched.Next(lastSuccess.UTC()), nil
}
