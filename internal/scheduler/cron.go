package scheduler

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"market-task-orchestrator/internal/calendar"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type fieldRange struct {
	name     string
	min, max int
}

var cronFields = []fieldRange{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ValidateCron accepts five space-separated fields, each either "*" or a
// comma list of values and a-b ranges inside the field's domain.
func ValidateCron(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != len(cronFields) {
		return invalid(CodeInvalidCron, "expected %d fields, got %d", len(cronFields), len(fields))
	}
	for i, f := range fields {
		if err := validateField(f, cronFields[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateField(f string, r fieldRange) error {
	if f == "*" {
		return nil
	}
	for _, part := range strings.Split(f, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := boundedInt(lo, r)
		if err != nil {
			return err
		}
		if !isRange {
			continue
		}
		b, err := boundedInt(hi, r)
		if err != nil {
			return err
		}
		if a > b {
			return invalid(CodeInvalidCron, "%s range %q is reversed", r.name, part)
		}
	}
	return nil
}

func boundedInt(s string, r fieldRange) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, invalid(CodeInvalidCron, "%s value %q is not a number", r.name, s)
	}
	if n < r.min || n > r.max {
		return 0, invalid(CodeInvalidCron, "%s value %d outside %d-%d", r.name, n, r.min, r.max)
	}
	return n, nil
}

// tradingDaySchedule defers fire times that land on a closed market day to the
// next trading day at the same wall-clock time.
type tradingDaySchedule struct {
	inner cron.Schedule
	cal   calendar.Calendar
}

func (s tradingDaySchedule) Next(t time.Time) time.Time {
	next := s.inner.Next(t)
	if next.IsZero() || s.cal == nil {
		return next
	}
	return s.cal.NextTradingDay(next)
}

// parseSchedule validates expr and builds the schedule the timer runs on.
func parseSchedule(expr string, tradingDayOnly bool, cal calendar.Calendar) (cron.Schedule, error) {
	if err := ValidateCron(expr); err != nil {
		return nil, err
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, invalid(CodeInvalidCron, "%v", err)
	}
	if tradingDayOnly && cal != nil {
		return tradingDaySchedule{inner: sched, cal: cal}, nil
	}
	return sched, nil
}

// ComputeNextRun returns the first fire time of expr strictly after now,
// evaluated in loc. With tradingDayOnly set, a result on a non-trading day is
// moved to the next trading day at the same hour and minute.
func ComputeNextRun(expr string, tradingDayOnly bool, now time.Time, loc *time.Location, cal calendar.Calendar) (time.Time, error) {
	sched, err := parseSchedule(expr, tradingDayOnly, cal)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return sched.Next(now.In(loc)), nil
}
