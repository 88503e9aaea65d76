package aitutor

import (
	"fmt"
	"time"
)

// periodFor computes the accounting period containing now.
// Monthly periods follow the anniversary of anchor (the entitlement's
// subscription start); a zero anchor falls back to the calendar month.
func periodFor(cfg PeriodConfig, anchor, now time.Time) (Period, error) {
	n := now.UTC()
	switch cfg.Type {
	case PeriodTypeDaily, "":
		start := startOfDayUTC(n)
		return Period{Start: start, End: start.AddDate(0, 0, 1), Type: PeriodTypeDaily}, nil
	case PeriodTypeMonthly:
		if anchor.IsZero() {
			anchor = time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, time.UTC)
		}
		start, end := currentCycleForStart(anchor, n)
		return Period{Start: start, End: end, Type: PeriodTypeMonthly}, nil
	case PeriodTypeInterval:
		if cfg.Interval <= 0 {
			return Period{}, fmt.Errorf("%w: interval must be positive", ErrInvalidPeriod)
		}
		start := n.Truncate(cfg.Interval)
		return Period{Start: start, End: start.Add(cfg.Interval), Type: PeriodTypeInterval}, nil
	default:
		return Period{}, fmt.Errorf("%w: unknown type %q", ErrInvalidPeriod, cfg.Type)
	}
}

// currentCycleForStart calculates the monthly cycle containing now for a given start date.
// It preserves the anniversary day-of-month across months, clipping to month end:
//   - Jan 31 - Feb 28 (or Feb 29 in leap years)
//   - Feb 28 - Mar 31
//   - Mar 31 - Apr 30
func currentCycleForStart(start, now time.Time) (cycleStart, cycleEnd time.Time) {
	s := startOfDayUTC(start.UTC())
	n := now.UTC()
	if n.Before(s) {
		// Clock skew / future start: clamp.
		return s, addMonthsSafeWithDay(s, 1, s.Day())
	}

	day := s.Day()
	months := (n.Year()-s.Year())*12 + int(n.Month()-s.Month())
	if months > 0 {
		months--
	}
	for {
		cycleStart = addMonthsSafeWithDay(s, months, day)
		cycleEnd = addMonthsSafeWithDay(s, months+1, day)
		if cycleEnd.After(n) {
			return cycleStart, cycleEnd
		}
		months++
	}
}

// addMonthsSafeWithDay adds months while preserving the target day-of-month when possible.
// If the target day doesn't exist in the result month (e.g., Feb 31), it uses the last day of that month.
func addMonthsSafeWithDay(base time.Time, months, targetDay int) time.Time {
	year, month, _ := base.Date()
	first := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, base.Location())

	// day=0 of month+1 is the last day of month
	lastDay := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, first.Location()).Day()
	if targetDay > lastDay {
		targetDay = lastDay
	}
	return time.Date(first.Year(), first.Month(), targetDay, base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())
}

// startOfDayUTC returns the start of day (00:00:00) in UTC for the given time.
func startOfDayUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
}
