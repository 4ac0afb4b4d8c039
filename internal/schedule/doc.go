// Package schedule computes when a habit is next due and parses the trigger
// spec that drives the dispatcher tick.
//
// NextDue is a pure function of (habit, owner offset, reference instant): it
// never reads the clock. Weekday flags and periodicity days are evaluated on
// the owner-local calendar, a fixed zone at UTC+offset, so the returned
// instant's UTC time-of-day is always the habit's local time-of-day minus the
// offset, wrapped into [0, 24h).
package schedule
