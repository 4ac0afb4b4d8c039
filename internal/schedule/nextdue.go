package schedule

import (
	"fmt"
	"time"

	"habitbot/internal/habit"
)

const day = 24 * time.Hour

// Zone returns the fixed owner-local zone for a UTC offset in hours.
func Zone(offsetHours int) *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", offsetHours), offsetHours*int(time.Hour/time.Second))
}

// UTCTimeOfDay converts a local time-of-day to the UTC time-of-day for the
// given offset (local = UTC + offset).
func UTCTimeOfDay(local habit.TimeOfDay, offsetHours int) habit.TimeOfDay {
	d := (local.Duration() - time.Duration(offsetHours)*time.Hour) % day
	if d < 0 {
		d += day
	}
	return habit.TimeOfDay(d)
}

// NextDue returns the first due instant of h strictly after from, in UTC.
//
// A proper-subset weekday mask wins over periodicity: the result is the next
// flagged local day. With all seven days selected the cadence is periodicity
// days counted from the local date of h.CreatedAt. An empty mask never fires
// and yields the zero time.
func NextDue(h habit.Habit, offsetHours int, from time.Time) time.Time {
	if h.Days.Empty() {
		return time.Time{}
	}
	loc := Zone(offsetHours)
	tod := h.Time.Duration() % day
	if tod < 0 {
		tod += day
	}
	y, m, d := from.In(loc).Date()

	if !h.Days.All() {
		// At most one week plus today: a flagged day whose time already
		// passed recurs seven days later.
		for i := 0; i <= 7; i++ {
			date := time.Date(y, m, d+i, 0, 0, 0, 0, loc)
			if !h.Days.Has(date.Weekday()) {
				continue
			}
			if c := date.Add(tod); c.After(from) {
				return c.UTC()
			}
		}
		return time.Time{}
	}

	p := h.Periodicity
	if p < habit.MinPeriodicity {
		p = habit.MinPeriodicity
	}
	ay, am, ad := h.CreatedAt.In(loc).Date()
	diff := daysBetween(ay, am, ad, y, m, d)
	k := 0
	if diff > 0 {
		k = (diff + p - 1) / p
	}
	offset := k * p
	c := time.Date(ay, am, ad+offset, 0, 0, 0, 0, loc).Add(tod)
	if !c.After(from) {
		c = time.Date(ay, am, ad+offset+p, 0, 0, 0, 0, loc).Add(tod)
	}
	return c.UTC()
}

// Upcoming lists the next n due instants after from.
func Upcoming(h habit.Habit, offsetHours int, from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, max(n, 0))
	cur := from
	for i := 0; i < n; i++ {
		next := NextDue(h, offsetHours, cur)
		if next.IsZero() {
			break
		}
		out = append(out, next)
		cur = next
	}
	return out
}

// daysBetween counts civil days from (y1,m1,d1) to (y2,m2,d2).
func daysBetween(y1 int, m1 time.Month, d1 int, y2 int, m2 time.Month, d2 int) int {
	a := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	b := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a) / day)
}
