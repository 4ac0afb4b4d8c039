package habit

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Lookup resolves a related habit. It must return ErrHabitNotFound (possibly
// wrapped) when the habit does not exist.
type Lookup func(ctx context.Context, id ID) (Habit, error)

// Validate checks d against every habit invariant.
//
// It returns nil when d is acceptable and a *ValidationError listing every
// violated kind otherwise. lookup is only invoked when d references a related
// habit. Lookup failures other than ErrHabitNotFound are returned wrapped and
// are not a rejection.
func Validate(ctx context.Context, d Draft, lookup Lookup) error {
	ve := &ValidationError{}

	if d.Duration <= 0 {
		ve.add(DurationNotPositive)
	}
	if d.Duration > MaxDurationSeconds {
		ve.add(DurationTooLong)
	}
	if d.Periodicity < MinPeriodicity || d.Periodicity > MaxPeriodicity {
		ve.add(PeriodicityOutOfRange)
	}
	if d.Days.Empty() {
		ve.add(NoWeekdaySelected)
	}
	if !d.Time.Valid() {
		ve.add(TimeOutOfRange)
	}
	if strings.TrimSpace(d.Action) == "" {
		ve.add(ActionMissing)
	}
	if strings.TrimSpace(d.Place) == "" {
		ve.add(PlaceMissing)
	}
	if d.IsNice && (d.HasRelated() || d.HasPrize()) {
		ve.add(NiceHabitHasRewardOrRelated)
	}
	if d.HasRelated() && d.HasPrize() {
		ve.add(RelatedAndPrizeBothSet)
	}

	if d.HasRelated() {
		if lookup == nil {
			ve.add(RelatedHabitMissing)
		} else {
			rel, err := lookup(ctx, d.Related)
			switch {
			case errors.Is(err, ErrHabitNotFound):
				ve.add(RelatedHabitMissing)
			case err != nil:
				return fmt.Errorf("lookup related habit %d: %w", d.Related, err)
			case !rel.IsNice:
				ve.add(RelatedHabitNotNice)
			}
		}
	}

	if len(ve.kinds) == 0 {
		return nil
	}
	return ve
}
