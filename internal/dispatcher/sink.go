package dispatcher

import (
	"context"
	"fmt"
	"time"

	"habitbot/internal/gateway"
	"habitbot/internal/habit"
	"habitbot/internal/notification"
	logx "habitbot/pkg/logx"
)

// Failure describes a slot that reached Dead.
type Failure struct {
	Record notification.Record
	Habit  habit.Habit
	Err    error
}

// ErrorSink receives dead slots for operator attention.
type ErrorSink interface {
	Report(ctx context.Context, f Failure)
}

type SinkFunc func(ctx context.Context, f Failure)

func (fn SinkFunc) Report(ctx context.Context, f Failure) { fn(ctx, f) }

// Sinks fans a failure out to several sinks.
type Sinks []ErrorSink

func (ss Sinks) Report(ctx context.Context, f Failure) {
	for _, s := range ss {
		if s != nil {
			s.Report(ctx, f)
		}
	}
}

// LogSink logs dead slots at error level.
type LogSink struct {
	Log logx.Logger
}

func (l LogSink) Report(_ context.Context, f Failure) {
	l.Log.Error("notification dead",
		logx.Int64("habit_id", int64(f.Record.HabitID)),
		logx.Int64("owner_id", int64(f.Habit.OwnerID)),
		logx.Time("slot", f.Record.Slot),
		logx.Int("attempts", f.Record.Attempts),
		logx.String("last_error", f.Record.LastError),
	)
}

// ChatSink forwards dead slots to an operator chat through a gateway.
type ChatSink struct {
	Gateway gateway.Gateway
	Channel string
	Timeout time.Duration
	Log     logx.Logger
}

func (c ChatSink) Report(ctx context.Context, f Failure) {
	if c.Gateway == nil || c.Channel == "" {
		return
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	msg := fmt.Sprintf("habitbot: reminder for habit %d at %s is dead after %d attempt(s): %s",
		f.Record.HabitID, f.Record.Slot.UTC().Format(time.RFC3339), f.Record.Attempts, f.Record.LastError)
	if err := c.Gateway.Send(sctx, c.Channel, msg); err != nil && !c.Log.IsZero() {
		c.Log.Warn("ops chat report failed", logx.Err(err))
	}
}
