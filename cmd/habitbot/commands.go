package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"habitbot/internal/app"
	"habitbot/internal/config"
	"habitbot/internal/habit"
	"habitbot/internal/schedule"
	"habitbot/internal/storage"
	logx "habitbot/pkg/logx"
)

// Globals is passed to every command's Run.
type Globals struct {
	Config string
}

func (g *Globals) load() (*config.Config, error) {
	return config.NewManager(g.Config).Load()
}

// openStore opens storage for one-shot commands.
func (g *Globals) openStore() (storage.Store, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	return app.OpenStore(cfg, logx.NewConsole("WARN"))
}

type RunCmd struct {
	StopTimeout time.Duration `help:"Upper bound for graceful shutdown." default:"10s"`
}

func (c *RunCmd) Run(g *Globals) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(g.Config)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background())
		return fmt.Errorf("start: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), c.StopTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		return err
	}
	return a.Err()
}

type DeadCmd struct {
	Limit int `help:"Maximum rows." default:"50"`
}

func (c *DeadCmd) Run(g *Globals) error {
	st, err := g.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.ListDead(context.Background(), c.Limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no dead reminders")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HABIT\tSLOT\tATTEMPTS\tLAST ERROR")
	for _, r := range recs {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", r.HabitID, r.Slot.Format(time.RFC3339), r.Attempts, r.LastError)
	}
	return w.Flush()
}

type NextCmd struct {
	HabitID int64 `arg:"" name:"habit-id" help:"Habit to inspect."`
	Count   int   `help:"Number of slots." short:"n" default:"5"`
}

func (c *NextCmd) Run(g *Globals) error {
	st, err := g.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	h, err := st.GetHabit(ctx, habit.ID(c.HabitID))
	if err != nil {
		return err
	}
	u, err := st.GetUser(ctx, h.OwnerID)
	if errors.Is(err, habit.ErrUserNotFound) {
		return fmt.Errorf("habit %d: owner %d has no user entry", h.ID, h.OwnerID)
	}
	if err != nil {
		return err
	}
	if !h.Active {
		fmt.Printf("habit %d is inactive; slots shown as if it were active\n", h.ID)
	}
	zone := schedule.Zone(u.UTCOffsetHours)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UTC\tLOCAL")
	for _, t := range schedule.Upcoming(h, u.UTCOffsetHours, time.Now(), c.Count) {
		fmt.Fprintf(w, "%s\t%s\n", t.Format(time.RFC3339), t.In(zone).Format("Mon 2006-01-02 15:04"))
	}
	return w.Flush()
}

type UserCmd struct {
	ID      int64  `arg:"" help:"User id."`
	Channel string `help:"Telegram chat id." required:""`
	Offset  int    `help:"UTC offset in hours (local = UTC + offset)." default:"0"`
}

func (c *UserCmd) Run(g *Globals) error {
	if c.Offset < -12 || c.Offset > 14 {
		return fmt.Errorf("offset %d out of range [-12, 14]", c.Offset)
	}
	if _, err := strconv.ParseInt(c.Channel, 10, 64); err != nil {
		return fmt.Errorf("channel %q is not a chat id", c.Channel)
	}
	st, err := g.openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	u := habit.User{ID: habit.UserID(c.ID), ChannelID: c.Channel, UTCOffsetHours: c.Offset}
	if err := st.PutUser(context.Background(), u); err != nil {
		return err
	}
	fmt.Printf("user %d saved\n", c.ID)
	return nil
}

type CheckConfigCmd struct{}

func (c *CheckConfigCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if err := app.Validate(cfg); err != nil {
		return err
	}
	fmt.Printf("%s: ok\n", g.Config)
	return nil
}
