package delay

import "time"

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// nextBusinessDay leaves business days untouched and moves weekend dates
// forward to Monday.
func nextBusinessDay(t time.Time) time.Time {
	for isWeekend(t) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// AddBusinessDays counts n business days forward from start in UTC,
// snapping a weekend start to the next business day first.
func AddBusinessDays(start time.Time, n int) time.Time {
	t := nextBusinessDay(start.UTC())
	for i := 0; i < n; i++ {
		t = t.AddDate(0, 0, 1)
		t = nextBusinessDay(t)
	}
	return t
}

// endOfDay returns 23:59:59 UTC of the given date.
func endOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 23, 59, 59, 0, time.UTC)
}

// calendarDaysBetween: whole calendar days from a to b (UTC dates), never
// negative.
func calendarDaysBetween(a, b time.Time) int {
	ya, ma, da := a.UTC().Date()
	yb, mb, db := b.UTC().Date()
	d0 := time.Date(ya, ma, da, 0, 0, 0, 0, time.UTC)
	d1 := time.Date(yb, mb, db, 0, 0, 0, 0, time.UTC)
	days := int(d1.Sub(d0).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
