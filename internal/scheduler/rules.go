package scheduler

import (
	"fmt"
	"time"

	"whatsapp-automation/internal/automation"
	"whatsapp-automation/internal/timer"

	"github.com/pkg/errors"
)

// OnceRule fires a single time
type OnceRule struct {
	At time.Time
}

func (r OnceRule) Next(prev time.Time) time.Time {
	if prev.Before(r.At) {
		return r.At
	}
	return time.Time{}
}

// DailyRule fires every day at Hour:Minute in Location
type DailyRule struct {
	Hour, Minute int
	Location     *time.Location
}

func (r DailyRule) Next(prev time.Time) time.Time {
	p := prev.In(r.Location)
	for i := 0; i <= 2; i++ {
		t := time.Date(p.Year(), p.Month(), p.Day()+i, r.Hour, r.Minute, 0, 0, r.Location)
		if t.After(prev) {
			return t
		}
	}
	return time.Time{}
}

// WeeklyRule fires on Weekday at Hour:Minute
type WeeklyRule struct {
	Weekday      time.Weekday
	Hour, Minute int
	Location     *time.Location
}

func (r WeeklyRule) Next(prev time.Time) time.Time {
	p := prev.In(r.Location)
	for i := 0; i <= 8; i++ {
		t := time.Date(p.Year(), p.Month(), p.Day()+i, r.Hour, r.Minute, 0, 0, r.Location)
		if t.Weekday() == r.Weekday && t.After(prev) {
			return t
		}
	}
	return time.Time{}
}

// MonthlyRule fires on Day of each month. Months without that day are
// skipped rather than clamped to their last day.
type MonthlyRule struct {
	Day          int
	Hour, Minute int
	Location     *time.Location
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

func (r MonthlyRule) Next(prev time.Time) time.Time {
	p := prev.In(r.Location)
	for i := 0; i <= 24; i++ {
		first := time.Date(p.Year(), p.Month()+time.Month(i), 1, 0, 0, 0, 0, r.Location)
		if r.Day > daysIn(first.Year(), first.Month(), r.Location) {
			continue
		}
		t := time.Date(first.Year(), first.Month(), r.Day, r.Hour, r.Minute, 0, 0, r.Location)
		if t.After(prev) {
			return t
		}
	}
	return time.Time{}
}

// NewRule builds the rule for a parsed schedule config
func NewRule(c automation.ScheduleConfig, loc *time.Location) (timer.Rule, error) {
	hour, minute, err := c.Clock()
	if err != nil {
		return nil, err
	}
	switch c.ScheduleType {
	case automation.ScheduleOnce:
		day, err := time.ParseInLocation("2006-01-02", c.Date, loc)
		if err != nil {
			return nil, errors.Wrapf(err, "parse date %q", c.Date)
		}
		return OnceRule{At: time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)}, nil
	case automation.ScheduleDaily:
		return DailyRule{Hour: hour, Minute: minute, Location: loc}, nil
	case automation.ScheduleWeekly:
		if c.DayOfWeek == nil {
			return nil, errors.New("weekly schedule without dayOfWeek")
		}
		return WeeklyRule{Weekday: time.Weekday(*c.DayOfWeek), Hour: hour, Minute: minute, Location: loc}, nil
	case automation.ScheduleMonthly:
		if c.DayOfMonth == nil {
			return nil, errors.New("monthly schedule without dayOfMonth")
		}
		return MonthlyRule{Day: *c.DayOfMonth, Hour: hour, Minute: minute, Location: loc}, nil
	}
	return nil, errors.Errorf("unknown schedule type %q", c.ScheduleType)
}

// Describe renders a config for job listings
func Describe(c automation.ScheduleConfig) string {
	switch c.ScheduleType {
	case automation.ScheduleOnce:
		return fmt.Sprintf("once on %s at %s", c.Date, c.Time)
	case automation.ScheduleWeekly:
		if c.DayOfWeek != nil {
			return fmt.Sprintf("weekly on %s at %s", time.Weekday(*c.DayOfWeek), c.Time)
		}
	case automation.ScheduleMonthly:
		if c.DayOfMonth != nil {
			return fmt.Sprintf("monthly on day %d at %s", *c.DayOfMonth, c.Time)
		}
	}
	return fmt.Sprintf("%s at %s", c.ScheduleType, c.Time)
}
