package storage

import (
	"context"
	"errors"
	"time"

	"habitbot/internal/habit"
	"habitbot/internal/notification"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values: "memory", "sqlite" (Path required) or "postgres" (DSN
// required). Empty means "memory".
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Habits is habit CRUD plus the dispatcher's scan.
type Habits interface {
	GetHabit(ctx context.Context, id habit.ID) (habit.Habit, error)
	CreateHabit(ctx context.Context, h habit.Habit) (habit.Habit, error)
	UpdateHabit(ctx context.Context, h habit.Habit) error
	DeleteHabit(ctx context.Context, id habit.ID) error
	ActiveHabits(ctx context.Context) ([]habit.Habit, error)
}

// Users is the user directory.
type Users interface {
	GetUser(ctx context.Context, id habit.UserID) (habit.User, error)
	PutUser(ctx context.Context, u habit.User) error
}

// Notifications stores one record per (habit, slot).
type Notifications interface {
	// Latest returns the record with the greatest slot for the habit.
	Latest(ctx context.Context, id habit.ID) (notification.Record, bool, error)
	GetNotification(ctx context.Context, key notification.Key) (notification.Record, bool, error)

	// Claim creates the record if missing and atomically moves it from
	// Pending to Sending under token. ok is false when another worker holds
	// the slot, it is terminal, or its backoff gate has not opened.
	Claim(ctx context.Context, key notification.Key, token string, now time.Time) (rec notification.Record, ok bool, err error)

	// Finish writes rec only if the stored record is still Sending under
	// rec.ClaimToken. ok is false when the claim was lost.
	Finish(ctx context.Context, rec notification.Record) (ok bool, err error)

	// InFlight lists Sending records claimed before the cutoff.
	InFlight(ctx context.Context, claimedBefore time.Time) ([]notification.Record, error)

	ListDead(ctx context.Context, limit int) ([]notification.Record, error)
	ListByHabit(ctx context.Context, id habit.ID, limit int) ([]notification.Record, error)
}

// Store is the full persistence surface.
type Store interface {
	Habits
	Users
	Notifications
	Ping(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
