package habit

import (
	"fmt"
	"strings"
	"time"
)

// WeekdayMask is a fixed-size bit set of the days a habit runs on.
// Bit i corresponds to time.Weekday(i) (Sunday = bit 0).
type WeekdayMask uint8

const (
	Sunday WeekdayMask = 1 << iota
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday

	NoDays   WeekdayMask = 0
	AllDays  WeekdayMask = Sunday | Monday | Tuesday | Wednesday | Thursday | Friday | Saturday
	Weekdays WeekdayMask = Monday | Tuesday | Wednesday | Thursday | Friday
)

// MaskOf builds a mask from individual weekdays.
func MaskOf(days ...time.Weekday) WeekdayMask {
	var m WeekdayMask
	for _, d := range days {
		m = m.With(d)
	}
	return m
}

func bit(d time.Weekday) WeekdayMask {
	if d < time.Sunday || d > time.Saturday {
		return 0
	}
	return 1 << uint(d)
}

// Has reports whether d is selected.
func (m WeekdayMask) Has(d time.Weekday) bool { return m&bit(d) != 0 }

// With returns a copy of m with d selected.
func (m WeekdayMask) With(d time.Weekday) WeekdayMask { return (m | bit(d)) & AllDays }

// Without returns a copy of m with d cleared.
func (m WeekdayMask) Without(d time.Weekday) WeekdayMask { return m &^ bit(d) }

// Empty reports whether no day is selected.
func (m WeekdayMask) Empty() bool { return m&AllDays == 0 }

// All reports whether all seven days are selected.
func (m WeekdayMask) All() bool { return m&AllDays == AllDays }

// Count returns the number of selected days.
func (m WeekdayMask) Count() int {
	n := 0
	for d := time.Sunday; d <= time.Saturday; d++ {
		if m.Has(d) {
			n++
		}
	}
	return n
}

// Days lists the selected days, Sunday first.
func (m WeekdayMask) Days() []time.Weekday {
	out := make([]time.Weekday, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		if m.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

func (m WeekdayMask) String() string {
	if m.Empty() {
		return "none"
	}
	if m.All() {
		return "daily"
	}
	parts := make([]string, 0, 7)
	for _, d := range m.Days() {
		parts = append(parts, d.String()[:3])
	}
	return strings.Join(parts, ",")
}

// ParseWeekday accepts English day names or their three-letter prefix,
// case-insensitively.
func ParseWeekday(s string) (time.Weekday, bool) {
	v := strings.ToLower(strings.TrimSpace(s))
	if len(v) < 3 {
		return 0, false
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if v == name || v == name[:3] {
			return d, true
		}
	}
	return 0, false
}

// ParseMask builds a mask from day names. "daily" selects every day and
// "weekdays" Monday to Friday.
func ParseMask(names []string) (WeekdayMask, error) {
	var m WeekdayMask
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "daily", "all":
			m |= AllDays
			continue
		case "weekdays":
			m |= Weekdays
			continue
		}
		d, ok := ParseWeekday(n)
		if !ok {
			return 0, fmt.Errorf("unknown weekday %q", n)
		}
		m = m.With(d)
	}
	return m, nil
}

// Names lists the selected days as lower-case three-letter names.
func (m WeekdayMask) Names() []string {
	out := make([]string, 0, 7)
	for _, d := range m.Days() {
		out = append(out, strings.ToLower(d.String()[:3]))
	}
	return out
}
