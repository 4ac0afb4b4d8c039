package habit

import (
	"strings"
	"time"
)

// ID identifies a habit. Zero means "none".
type ID int64

// UserID identifies a habit owner in the user directory.
type UserID int64

const (
	MaxDurationSeconds = 120
	MinPeriodicity     = 1
	MaxPeriodicity     = 7
)

// Draft is the user-editable part of a habit.
//
// Related (0 = none) and Prize ("" = none) are optional. A blank prize is
// treated as absent.
type Draft struct {
	OwnerID     UserID
	Place       string
	Time        TimeOfDay
	Action      string
	Duration    int // seconds
	Periodicity int // days
	Days        WeekdayMask
	IsNice      bool
	Related     ID
	Prize       string
	IsPublic    bool
}

// NewDraft returns a draft with the defaults a freshly created habit gets:
// daily periodicity and every weekday selected.
func NewDraft(owner UserID) Draft {
	return Draft{OwnerID: owner, Periodicity: 1, Days: AllDays}
}

func (d Draft) HasRelated() bool { return d.Related != 0 }
func (d Draft) HasPrize() bool   { return strings.TrimSpace(d.Prize) != "" }

// DurationTime returns the duration as a time.Duration.
func (d Draft) DurationTime() time.Duration { return time.Duration(d.Duration) * time.Second }

// Habit is a persisted habit. It is handled as an immutable value; changes
// go through Service.Update which re-validates the merged state.
type Habit struct {
	ID ID
	Draft

	// Active habits are scheduled. Deactivated ones keep their history.
	Active bool

	// CreatedAt anchors periodicity-based recurrence.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Patch is a partial update. Nil fields are left unchanged.
// A Related pointing at 0 clears the relation; a Prize pointing at "" clears the prize.
type Patch struct {
	Place       *string
	Time        *TimeOfDay
	Action      *string
	Duration    *int
	Periodicity *int
	Days        *WeekdayMask
	IsNice      *bool
	Related     *ID
	Prize       *string
	IsPublic    *bool
}

// Apply returns d with every non-nil patch field applied.
func (p Patch) Apply(d Draft) Draft {
	if p.Place != nil {
		d.Place = *p.Place
	}
	if p.Time != nil {
		d.Time = *p.Time
	}
	if p.Action != nil {
		d.Action = *p.Action
	}
	if p.Duration != nil {
		d.Duration = *p.Duration
	}
	if p.Periodicity != nil {
		d.Periodicity = *p.Periodicity
	}
	if p.Days != nil {
		d.Days = *p.Days
	}
	if p.IsNice != nil {
		d.IsNice = *p.IsNice
	}
	if p.Related != nil {
		d.Related = *p.Related
	}
	if p.Prize != nil {
		d.Prize = *p.Prize
	}
	if p.IsPublic != nil {
		d.IsPublic = *p.IsPublic
	}
	return d
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Place == nil && p.Time == nil && p.Action == nil && p.Duration == nil &&
		p.Periodicity == nil && p.Days == nil && p.IsNice == nil && p.Related == nil &&
		p.Prize == nil && p.IsPublic == nil
}

// User is the slice of the user directory this core needs.
type User struct {
	ID UserID

	// ChannelID is the messaging channel identifier (Telegram chat id).
	ChannelID string

	// UTCOffsetHours: local = UTC + offset.
	UTCOffsetHours int
}
