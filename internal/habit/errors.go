package habit

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrHabitNotFound = errors.New("habit not found")
	ErrUserNotFound  = errors.New("user not found")
)

// ErrorKind names one violated invariant.
type ErrorKind string

const (
	DurationTooLong             ErrorKind = "duration_too_long"
	DurationNotPositive         ErrorKind = "duration_not_positive"
	PeriodicityOutOfRange       ErrorKind = "periodicity_out_of_range"
	NoWeekdaySelected           ErrorKind = "no_weekday_selected"
	NiceHabitHasRewardOrRelated ErrorKind = "nice_habit_has_reward_or_related"
	RelatedAndPrizeBothSet      ErrorKind = "related_and_prize_both_set"
	RelatedHabitNotNice         ErrorKind = "related_habit_not_nice"
	RelatedHabitMissing         ErrorKind = "related_habit_missing"
	ActionMissing               ErrorKind = "action_missing"
	PlaceMissing                ErrorKind = "place_missing"
	TimeOutOfRange              ErrorKind = "time_out_of_range"
)

var kindMessages = map[ErrorKind]string{
	DurationTooLong:             "duration must not exceed 120 seconds",
	DurationNotPositive:         "duration must be positive",
	PeriodicityOutOfRange:       "periodicity must be between 1 and 7 days",
	NoWeekdaySelected:           "at least one weekday must be selected",
	NiceHabitHasRewardOrRelated: "a nice habit cannot have a prize or a related habit",
	RelatedAndPrizeBothSet:      "a related habit and a prize cannot both be set",
	RelatedHabitNotNice:         "a related habit must be a nice habit",
	RelatedHabitMissing:         "related habit does not exist",
	ActionMissing:               "action is required",
	PlaceMissing:                "place is required",
	TimeOutOfRange:              "time of day must be within 00:00:00 and 23:59:59",
}

// Message returns a human-readable description of the kind.
func (k ErrorKind) Message() string {
	if m, ok := kindMessages[k]; ok {
		return m
	}
	return string(k)
}

// ValidationError is the rejection of a draft. It carries every violated kind.
type ValidationError struct {
	kinds map[ErrorKind]struct{}
}

func (e *ValidationError) add(k ErrorKind) {
	if e.kinds == nil {
		e.kinds = map[ErrorKind]struct{}{}
	}
	e.kinds[k] = struct{}{}
}

// Has reports whether k was violated.
func (e *ValidationError) Has(k ErrorKind) bool {
	if e == nil {
		return false
	}
	_, ok := e.kinds[k]
	return ok
}

// Kinds returns the violated kinds in a stable order.
func (e *ValidationError) Kinds() []ErrorKind {
	if e == nil {
		return nil
	}
	out := make([]ErrorKind, 0, len(e.kinds))
	for k := range e.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *ValidationError) Error() string {
	kinds := e.Kinds()
	msgs := make([]string, 0, len(kinds))
	for _, k := range kinds {
		msgs = append(msgs, k.Message())
	}
	return "invalid habit: " + strings.Join(msgs, "; ")
}

// AsValidation extracts a *ValidationError from err.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
