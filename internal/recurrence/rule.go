// Package recurrence computes the next occurrence of a repetition rule.
// The calculator is pure: no state, no I/O, fully deterministic.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// ErrInvalidRule flags a rule that should have been rejected at creation
// time (interval < 1, empty or out-of-range selector). Hitting it during
// calculation is a data-integrity bug, not a user error.
var ErrInvalidRule = errors.New("recurrence: invalid rule")

// DefaultHorizon bounds how far into the future a series may run when the
// rule does not set its own horizon.
const DefaultHorizon = 10 * 365 * 24 * time.Hour

type Freq string

const (
	Daily   Freq = "daily"
	Weekly  Freq = "weekly"
	Monthly Freq = "monthly"
	Yearly  Freq = "yearly"
	Custom  Freq = "custom"
)

// Rule is a repetition pattern. It is created alongside its template task by
// the CRUD service and never mutated by this core.
type Rule struct {
	ID         string `json:"id"`
	TemplateID string `json:"template_id"`
	Freq       Freq   `json:"freq"`
	Interval   int    `json:"interval"`

	// Weekdays selects the weekday set for weekly rules. Empty means
	// "same weekday as the anchor".
	Weekdays []time.Weekday `json:"weekdays,omitempty"`

	// DayOfMonth selects day-of-month mode for monthly rules (1-31).
	DayOfMonth int `json:"day_of_month,omitempty"`

	// Ordinal and OrdinalWeekday select relative mode for monthly rules:
	// the Nth OrdinalWeekday of the month (1-5, or -1 for last).
	Ordinal        int          `json:"ordinal,omitempty"`
	OrdinalWeekday time.Weekday `json:"ordinal_weekday,omitempty"`

	// Custom holds the generalized weekly/monthly hybrid selector.
	Custom *CustomSelector `json:"custom,omitempty"`

	// Horizon is the max future date for the series. Zero means anchor plus
	// DefaultHorizon.
	Horizon time.Time `json:"horizon,omitempty"`

	// Tombstoned marks a deleted series. The coordinator stops reacting to
	// completions referencing a tombstoned rule.
	Tombstoned bool `json:"tombstoned,omitempty"`
}

// CustomSelector describes a custom rule as explicit weekly/monthly fields.
// It compiles to an RRULE; combinations the compiler rejects are validation
// errors at rule-creation time, never at calculation time.
type CustomSelector struct {
	Weekdays    []time.Weekday `json:"weekdays,omitempty"`
	DaysOfMonth []int          `json:"days_of_month,omitempty"`
	Months      []time.Month   `json:"months,omitempty"`
}

// Validate checks the rule the way the CRUD service is expected to at
// creation time. The calculator calls it again defensively and surfaces
// violations as ErrInvalidRule.
func (r *Rule) Validate() error {
	if r.Interval < 1 {
		return fmt.Errorf("%w: interval %d < 1", ErrInvalidRule, r.Interval)
	}
	switch r.Freq {
	case Daily:
		return nil
	case Weekly:
		for _, wd := range r.Weekdays {
			if wd < time.Sunday || wd > time.Saturday {
				return fmt.Errorf("%w: weekday %d out of range", ErrInvalidRule, wd)
			}
		}
		return nil
	case Monthly:
		if r.DayOfMonth == 0 && r.Ordinal == 0 {
			return fmt.Errorf("%w: monthly rule needs day_of_month or ordinal", ErrInvalidRule)
		}
		if r.DayOfMonth != 0 && r.Ordinal != 0 {
			return fmt.Errorf("%w: monthly rule sets both day_of_month and ordinal", ErrInvalidRule)
		}
		if r.DayOfMonth != 0 && (r.DayOfMonth < 1 || r.DayOfMonth > 31) {
			return fmt.Errorf("%w: day_of_month %d out of range", ErrInvalidRule, r.DayOfMonth)
		}
		if r.Ordinal != 0 && (r.Ordinal < -1 || r.Ordinal > 5) {
			return fmt.Errorf("%w: ordinal %d out of range", ErrInvalidRule, r.Ordinal)
		}
		return nil
	case Yearly:
		return nil
	case Custom:
		if r.Custom == nil {
			return fmt.Errorf("%w: custom rule without selector", ErrInvalidRule)
		}
		_, err := r.Custom.compile(r.Interval, time.Now().UTC())
		return err
	default:
		return fmt.Errorf("%w: unknown freq %q", ErrInvalidRule, r.Freq)
	}
}

// compile maps the selector onto an rrule.ROption anchored at dtstart.
func (c *CustomSelector) compile(interval int, dtstart time.Time) (*rrule.RRule, error) {
	if len(c.Weekdays) == 0 && len(c.DaysOfMonth) == 0 {
		return nil, fmt.Errorf("%w: custom selector is empty", ErrInvalidRule)
	}
	if len(c.Weekdays) > 0 && len(c.DaysOfMonth) > 0 {
		return nil, fmt.Errorf("%w: custom selector mixes weekdays and days of month", ErrInvalidRule)
	}

	opt := rrule.ROption{
		Interval: interval,
		Dtstart:  dtstart,
	}
	if len(c.Weekdays) > 0 {
		opt.Freq = rrule.WEEKLY
		for _, wd := range c.Weekdays {
			if wd < time.Sunday || wd > time.Saturday {
				return nil, fmt.Errorf("%w: weekday %d out of range", ErrInvalidRule, wd)
			}
			opt.Byweekday = append(opt.Byweekday, rruleWeekday(wd))
		}
	} else {
		opt.Freq = rrule.MONTHLY
		for _, dom := range c.DaysOfMonth {
			if dom < 1 || dom > 31 {
				return nil, fmt.Errorf("%w: day_of_month %d out of range", ErrInvalidRule, dom)
			}
			opt.Bymonthday = append(opt.Bymonthday, dom)
		}
	}
	for _, m := range c.Months {
		if m < time.January || m > time.December {
			return nil, fmt.Errorf("%w: month %d out of range", ErrInvalidRule, m)
		}
		opt.Bymonth = append(opt.Bymonth, int(m))
	}

	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return rule, nil
}

func rruleWeekday(wd time.Weekday) rrule.Weekday {
	switch wd {
	case time.Monday:
		return rrule.MO
	case time.Tuesday:
		return rrule.TU
	case time.Wednesday:
		return rrule.WE
	case time.Thursday:
		return rrule.TH
	case time.Friday:
		return rrule.FR
	case time.Saturday:
		return rrule.SA
	default:
		return rrule.SU
	}
}
