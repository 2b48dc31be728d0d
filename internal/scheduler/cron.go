package scheduler

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// minRunGap keeps a task from running twice within one matching minute.
const minRunGap = 59 * time.Second

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ValidateCron reports whether expr is a 5-field cron expression.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Matches reports whether the minute containing now satisfies expr.
func Matches(expr string, now time.Time) (bool, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return false, err
	}
	minute := now.Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute), nil
}

// IsDue reports whether a task with expr and lastRun should run at now:
// the current minute matches and at least 59s passed since the last run.
func IsDue(expr string, lastRun *time.Time, now time.Time) (bool, error) {
	ok, err := Matches(expr, now)
	if err != nil || !ok {
		return false, err
	}
	return lastRun == nil || now.Sub(*lastRun) >= minRunGap, nil
}

// NextRunTime returns the first match strictly after after.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
