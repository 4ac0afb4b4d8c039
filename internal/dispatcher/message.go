package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"habitbot/internal/habit"
)

// Render builds the reminder text for h. related is the linked pleasant
// habit, or nil.
func Render(h habit.Habit, related *habit.Habit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reminder: %s at %s in %s (%ds)", h.Action, h.Time.Short(), h.Place, h.Duration)
	switch {
	case related != nil:
		fmt.Fprintf(&b, "\nThen enjoy: %s", related.Action)
	case h.HasPrize():
		fmt.Fprintf(&b, "\nReward: %s", strings.TrimSpace(h.Prize))
	}
	return b.String()
}

func (s *Service) render(ctx context.Context, h habit.Habit) string {
	if !h.HasRelated() {
		return Render(h, nil)
	}
	rel, err := s.store.GetHabit(ctx, h.Related)
	if err != nil {
		s.log.Debug("related habit unavailable", logHabit(h)...)
		return Render(h, nil)
	}
	return Render(h, &rel)
}
