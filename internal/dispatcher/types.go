package dispatcher

import (
	"context"
	"time"

	"habitbot/internal/habit"
	"habitbot/internal/notification"
)

const (
	TopicSent      = "notification.sent"
	TopicFailed    = "notification.failed"
	TopicDead      = "notification.dead"
	TopicClaimLost = "notification.claim_lost"
)

// Config controls the dispatch loop.
type Config struct {
	Enabled bool
	// Tick is a cron spec, "@every" descriptor, Go duration or MM:SS.
	Tick        string
	Workers     int
	SendTimeout time.Duration
	Retry       notification.RetryPolicy
	// MaxLateness bounds catch-up after downtime: slots older than
	// now-MaxLateness are skipped. Zero replays every missed slot.
	MaxLateness time.Duration
	// ClaimLease is how long a Sending claim may stay unfinished before it
	// is treated as a transient failure. Zero disables reclaim.
	ClaimLease time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick == "" {
		c.Tick = "@every 30s"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = 0
	}
	return c
}

// Store is the persistence the dispatcher needs.
type Store interface {
	ActiveHabits(ctx context.Context) ([]habit.Habit, error)
	GetHabit(ctx context.Context, id habit.ID) (habit.Habit, error)
	GetUser(ctx context.Context, id habit.UserID) (habit.User, error)

	Latest(ctx context.Context, id habit.ID) (notification.Record, bool, error)
	Claim(ctx context.Context, key notification.Key, token string, now time.Time) (notification.Record, bool, error)
	Finish(ctx context.Context, rec notification.Record) (bool, error)
	InFlight(ctx context.Context, claimedBefore time.Time) ([]notification.Record, error)
}

// Event is the payload published on the bus for each outcome.
type Event struct {
	HabitID  habit.ID            `json:"habit_id"`
	Slot     time.Time           `json:"slot"`
	Status   notification.Status `json:"status"`
	Attempts int                 `json:"attempts"`
	Error    string              `json:"error,omitempty"`
}

func eventOf(r notification.Record) Event {
	return Event{HabitID: r.HabitID, Slot: r.Slot, Status: r.Status, Attempts: r.Attempts, Error: r.LastError}
}

// Metrics receives dispatch measurements.
type Metrics interface {
	ObserveTick(d time.Duration, habits int)
	ObserveOutcome(status notification.Status, sendLatency time.Duration)
	ClaimLost()
}

type nopMetrics struct{}

func (nopMetrics) ObserveTick(time.Duration, int)                    {}
func (nopMetrics) ObserveOutcome(notification.Status, time.Duration) {}
func (nopMetrics) ClaimLost()                                        {}

// TickStats summarizes one tick.
type TickStats struct {
	Habits    int
	Due       int
	Sent      int
	Retrying  int
	Dead      int
	Skipped   int
	ClaimLost int
	Reclaimed int
	Errors    int
	Took      time.Duration
}
