package recurrence

import (
	"time"
)

// NextOccurrence applies rule to anchor and returns the next occurrence
// date. ok=false means the computed date exceeds the rule's horizon: the
// series has ended, which callers must treat as a terminal state, not a
// failure. An error means the rule itself is invalid.
func NextOccurrence(rule *Rule, anchor time.Time) (time.Time, bool, error) {
	if err := rule.Validate(); err != nil {
		return time.Time{}, false, err
	}

	var next time.Time
	switch rule.Freq {
	case Daily:
		next = anchor.AddDate(0, 0, rule.Interval)
	case Weekly:
		next = nextWeekly(rule, anchor)
	case Monthly:
		next = nextMonthly(rule, anchor)
	case Yearly:
		next = nextYearly(rule, anchor)
	case Custom:
		compiled, err := rule.Custom.compile(rule.Interval, anchor)
		if err != nil {
			return time.Time{}, false, err
		}
		next = compiled.After(anchor, false)
		if next.IsZero() {
			return time.Time{}, false, nil
		}
	}

	horizon := rule.Horizon
	if horizon.IsZero() {
		horizon = anchor.Add(DefaultHorizon)
	}
	if next.After(horizon) {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

// nextWeekly finds the smallest date after anchor on one of the rule's
// weekdays, advancing by interval weeks once the current week is exhausted.
// An empty weekday set means the anchor's own weekday.
func nextWeekly(rule *Rule, anchor time.Time) time.Time {
	days := rule.Weekdays
	if len(days) == 0 {
		return anchor.AddDate(0, 0, 7*rule.Interval)
	}

	selected := make(map[time.Weekday]bool, len(days))
	for _, wd := range days {
		selected[wd] = true
	}

	// Remainder of the anchor's week first.
	for d := 1; anchor.AddDate(0, 0, d).Weekday() != weekStart(anchor); d++ {
		if cand := anchor.AddDate(0, 0, d); selected[cand.Weekday()] {
			return cand
		}
	}

	// Jump to the start of the week interval weeks ahead, then take the
	// first selected weekday in it.
	cand := anchor.AddDate(0, 0, 1)
	for cand.Weekday() != weekStart(anchor) {
		cand = cand.AddDate(0, 0, 1)
	}
	cand = cand.AddDate(0, 0, 7*(rule.Interval-1))
	for i := 0; i < 7; i++ {
		if selected[cand.Weekday()] {
			return cand
		}
		cand = cand.AddDate(0, 0, 1)
	}
	return cand // unreachable with a non-empty set
}

// weekStart returns the weekday that begins the anchor's week. Weeks run
// Monday through Sunday.
func weekStart(time.Time) time.Weekday {
	return time.Monday
}

// nextMonthly handles both day-of-month mode (with clamping: day 30 in
// February lands on Feb 28/29, never rolls into March) and relative mode
// ("first Monday").
func nextMonthly(rule *Rule, anchor time.Time) time.Time {
	year, month, _ := anchor.Date()
	targetYear, targetMonth := addMonths(year, month, rule.Interval)

	if rule.DayOfMonth != 0 {
		return clampedDate(targetYear, targetMonth, rule.DayOfMonth, anchor)
	}
	return nthWeekdayOfMonth(targetYear, targetMonth, rule.Ordinal, rule.OrdinalWeekday, anchor)
}

// nextYearly keeps month/day, clamping Feb 29 to Feb 28 in non-leap years.
func nextYearly(rule *Rule, anchor time.Time) time.Time {
	year, month, day := anchor.Date()
	return clampedDate(year+rule.Interval, month, day, anchor)
}

// addMonths advances (year, month) by n months without day-overflow
// surprises (time.AddDate would roll Jan 31 + 1 month into March).
func addMonths(year int, month time.Month, n int) (int, time.Month) {
	m := int(month-1) + n
	return year + m/12, time.Month(m%12 + 1)
}

// clampedDate builds a date in the target month, clamping the day to the
// month's length. Clock time and location are taken from ref.
func clampedDate(year int, month time.Month, day int, ref time.Time) time.Time {
	if last := daysIn(year, month); day > last {
		day = last
	}
	h, m, s := ref.Clock()
	return time.Date(year, month, day, h, m, s, ref.Nanosecond(), ref.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// nthWeekdayOfMonth returns the nth wd of the month (n=-1 means last).
func nthWeekdayOfMonth(year int, month time.Month, n int, wd time.Weekday, ref time.Time) time.Time {
	h, m, s := ref.Clock()
	if n == -1 {
		d := time.Date(year, month, daysIn(year, month), h, m, s, ref.Nanosecond(), ref.Location())
		for d.Weekday() != wd {
			d = d.AddDate(0, 0, -1)
		}
		return d
	}
	d := time.Date(year, month, 1, h, m, s, ref.Nanosecond(), ref.Location())
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, 1)
	}
	d = d.AddDate(0, 0, 7*(n-1))
	if d.Month() != month {
		// Fifth weekday requested but the month has only four: use the last.
		return nthWeekdayOfMonth(year, month, -1, wd, ref)
	}
	return d
}
