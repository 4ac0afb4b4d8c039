package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"habitbot/internal/eventbus"
	"habitbot/internal/gateway"
	"habitbot/internal/habit"
	"habitbot/internal/notification"
	"habitbot/internal/storage"
	logx "habitbot/pkg/logx"
)

var (
	created   = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	firstSlot = time.Date(2024, 3, 1, 3, 45, 0, 0, time.UTC) // 06:45 at UTC+3
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type sent struct {
	channel string
	msg     string
}

// fakeGateway returns scripted errors in order, then succeeds. With block
// set it waits for ctx and returns its error.
type fakeGateway struct {
	mu     sync.Mutex
	errs   []error
	always error
	delay  time.Duration
	block  bool
	onSend func()
	sent   []sent
	calls  int
}

func (g *fakeGateway) Send(ctx context.Context, channel, msg string) error {
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.onSend != nil {
		g.onSend()
	}
	if g.block {
		<-ctx.Done()
		g.mu.Lock()
		g.calls++
		g.mu.Unlock()
		return ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.always != nil {
		return g.always
	}
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		if err != nil {
			return err
		}
	}
	g.sent = append(g.sent, sent{channel: channel, msg: msg})
	return nil
}

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGateway) Sent() []sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sent(nil), g.sent...)
}

type fixture struct {
	store storage.Store
	gw    *fakeGateway
	clk   *clock
	bus   *eventbus.Bus
	dead  []Failure
	mu    sync.Mutex
	h     habit.Habit
	svc   *Service
	seq   atomic.Int64
}

func testConfig() Config {
	return Config{
		Enabled:     true,
		Tick:        "@every 30s",
		Workers:     4,
		SendTimeout: time.Second,
		Retry:       notification.RetryPolicy{MaxRetries: 3, Base: time.Minute, MaxDelay: time.Hour},
	}
}

// stores opens each backend the dispatcher runs against.
var stores = map[string]func(t *testing.T) storage.Store{
	"memory": func(t *testing.T) storage.Store { return storage.NewMemory() },
	"sqlite": func(t *testing.T) storage.Store {
		st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "habitbot.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		return st
	},
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	return newFixtureOn(t, cfg, storage.NewMemory())
}

func newFixtureOn(t *testing.T, cfg Config, st storage.Store) *fixture {
	t.Helper()
	f := &fixture{
		store: st,
		gw:    &fakeGateway{},
		clk:   &clock{t: created},
		bus:   eventbus.New(),
	}
	ctx := context.Background()
	if err := f.store.PutUser(ctx, habit.User{ID: 1, ChannelID: "100", UTCOffsetHours: 3}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	d := habit.NewDraft(1)
	d.Place = "home"
	d.Action = "stretch"
	d.Time = habit.Clock(6, 45, 0)
	d.Duration = 60
	d.Prize = "coffee"
	h, err := f.store.CreateHabit(ctx, habit.Habit{Draft: d, Active: true, CreatedAt: created, UpdatedAt: created})
	if err != nil {
		t.Fatalf("CreateHabit: %v", err)
	}
	f.h = h
	f.svc = f.newService(cfg)
	return f
}

func (f *fixture) newService(cfg Config) *Service {
	return New(cfg, f.store, f.gw, logx.Nop(),
		WithClock(f.clk.Now),
		WithBus(f.bus),
		WithTokens(func() string { return fmt.Sprintf("tok-%d", f.seq.Add(1)) }),
		WithErrorSink(SinkFunc(func(_ context.Context, fl Failure) {
			f.mu.Lock()
			f.dead = append(f.dead, fl)
			f.mu.Unlock()
		})),
	)
}

func (f *fixture) record(t *testing.T, slot time.Time) notification.Record {
	t.Helper()
	r, ok, err := f.store.GetNotification(context.Background(), notification.NewKey(f.h.ID, slot))
	if err != nil || !ok {
		t.Fatalf("record %v missing: ok=%v err=%v", slot, ok, err)
	}
	return r
}

func (f *fixture) tickAt(at time.Time) TickStats {
	f.clk.Set(at)
	return f.svc.Tick(context.Background())
}

func TestTickSendsDueSlotOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	if st := f.tickAt(firstSlot.Add(-time.Minute)); st.Due != 0 || f.gw.Calls() != 0 {
		t.Fatalf("sent before due: %+v", st)
	}
	st := f.tickAt(firstSlot.Add(time.Minute))
	if st.Sent != 1 || st.Habits != 1 {
		t.Fatalf("tick stats = %+v", st)
	}
	msgs := f.gw.Sent()
	if len(msgs) != 1 {
		t.Fatalf("sends = %d, want 1", len(msgs))
	}
	if msgs[0].channel != "100" {
		t.Fatalf("channel = %q", msgs[0].channel)
	}
	if want := "Reminder: stretch at 06:45 in home (60s)\nReward: coffee"; msgs[0].msg != want {
		t.Fatalf("msg = %q, want %q", msgs[0].msg, want)
	}
	r := f.record(t, firstSlot)
	if r.Status != notification.Sent || r.Attempts != 1 {
		t.Fatalf("record = %+v", r)
	}

	f.tickAt(firstSlot.Add(2 * time.Minute))
	if f.gw.Calls() != 1 {
		t.Fatalf("slot sent twice")
	}

	// Next day's slot.
	f.tickAt(firstSlot.Add(24*time.Hour + time.Second))
	if f.gw.Calls() != 2 {
		t.Fatalf("next day calls = %d, want 2", f.gw.Calls())
	}
}

func TestConcurrentTicksExactlyOneSend(t *testing.T) {
	t.Parallel()
	for name, open := range stores {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixtureOn(t, testConfig(), open(t))
			f.gw.delay = 5 * time.Millisecond
			f.clk.Set(firstSlot.Add(time.Minute))

			services := []*Service{f.svc, f.newService(testConfig()), f.newService(testConfig())}
			var wg sync.WaitGroup
			for i := 0; i < 9; i++ {
				wg.Add(1)
				go func(s *Service) {
					defer wg.Done()
					s.Tick(context.Background())
				}(services[i%len(services)])
			}
			wg.Wait()

			if n := f.gw.Calls(); n != 1 {
				t.Fatalf("gateway calls = %d, want exactly 1", n)
			}
			if r := f.record(t, firstSlot); r.Status != notification.Sent || r.Attempts != 1 {
				t.Fatalf("record = %+v", r)
			}
		})
	}
}

func TestShutdownDuringSendRecordsSent(t *testing.T) {
	t.Parallel()
	for name, open := range stores {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.ClaimLease = time.Minute
			f := newFixtureOn(t, cfg, open(t))

			ctx, stop := context.WithCancel(context.Background())
			defer stop()
			f.gw.onSend = stop
			f.clk.Set(firstSlot.Add(time.Minute))
			if st := f.svc.Tick(ctx); st.Sent != 1 {
				t.Fatalf("tick = %+v", st)
			}
			if r := f.record(t, firstSlot); r.Status != notification.Sent || r.Attempts != 1 {
				t.Fatalf("after cancelled tick: %+v", r)
			}

			f.gw.onSend = nil
			f.tickAt(firstSlot.Add(10 * time.Minute))
			f.tickAt(firstSlot.Add(20 * time.Minute))
			if n := f.gw.Calls(); n != 1 {
				t.Fatalf("slot delivered %d times, want 1", n)
			}
		})
	}
}

func TestSendTimeoutIsTransient(t *testing.T) {
	t.Parallel()
	for name, open := range stores {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.SendTimeout = 50 * time.Millisecond
			f := newFixtureOn(t, cfg, open(t))
			f.gw.block = true

			at := firstSlot.Add(time.Minute)
			start := time.Now()
			st := f.tickAt(at)
			if took := time.Since(start); took > 2*time.Second {
				t.Fatalf("tick took %v with a 50ms send timeout", took)
			}
			if st.Retrying != 1 || f.gw.Calls() != 1 {
				t.Fatalf("tick = %+v calls=%d", st, f.gw.Calls())
			}
			r := f.record(t, firstSlot)
			if r.Status != notification.Pending || r.Attempts != 1 {
				t.Fatalf("record = %+v", r)
			}
			if want := at.Add(time.Minute); !r.NextAttemptAt.Equal(want) {
				t.Fatalf("next_attempt_at = %v, want %v", r.NextAttemptAt, want)
			}
			if r.LastError == "" {
				t.Fatalf("timeout not recorded: %+v", r)
			}
		})
	}
}

func TestTransientThenSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	f.gw.errs = []error{gateway.Transient(errors.New("timeout"))}
	events, unsub := f.bus.Subscribe("notification.", 16)
	defer unsub()

	at := firstSlot.Add(time.Minute)
	if st := f.tickAt(at); st.Retrying != 1 {
		t.Fatalf("first tick = %+v", st)
	}
	r := f.record(t, firstSlot)
	if r.Status != notification.Pending || r.Attempts != 1 || !r.NextAttemptAt.Equal(at.Add(time.Minute)) {
		t.Fatalf("after transient: %+v", r)
	}
	if r.LastError != "timeout" {
		t.Fatalf("LastError = %q", r.LastError)
	}

	// Backoff gate still closed.
	f.tickAt(at.Add(30 * time.Second))
	if f.gw.Calls() != 1 {
		t.Fatalf("retried inside backoff")
	}

	if st := f.tickAt(at.Add(time.Minute)); st.Sent != 1 {
		t.Fatalf("retry tick = %+v", st)
	}
	r = f.record(t, firstSlot)
	if r.Status != notification.Sent || r.Attempts != 2 {
		t.Fatalf("after retry: %+v", r)
	}

	var got []string
	for len(got) < 2 {
		select {
		case e := <-events:
			got = append(got, e.Type)
			if e.Type == TopicFailed && e.Data.(Event).Status != notification.Failed {
				t.Fatalf("failed event status = %v", e.Data.(Event).Status)
			}
		case <-time.After(time.Second):
			t.Fatalf("events = %v", got)
		}
	}
	if got[0] != TopicFailed || got[1] != TopicSent {
		t.Fatalf("events = %v", got)
	}
}

func TestRetryCeilingMarksDead(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Retry.MaxRetries = 2
	f := newFixture(t, cfg)
	f.gw.always = gateway.Transient(errors.New("unreachable"))

	at := firstSlot.Add(time.Minute)
	for i := 0; i < 3; i++ {
		f.tickAt(at)
		at = at.Add(time.Hour)
	}
	r := f.record(t, firstSlot)
	if r.Status != notification.Dead || r.Attempts != 3 {
		t.Fatalf("record = %+v", r)
	}
	if len(f.dead) != 1 || f.dead[0].Record.HabitID != f.h.ID {
		t.Fatalf("sink reports = %d", len(f.dead))
	}

	// Dead is final; the same slot is never retried.
	f.tickAt(at)
	if f.gw.Calls() != 3 {
		t.Fatalf("calls = %d, want 3", f.gw.Calls())
	}
}

func TestPermanentFailureIsDeadImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	f.gw.errs = []error{gateway.Permanentf("chat not found")}

	if st := f.tickAt(firstSlot.Add(time.Minute)); st.Dead != 1 {
		t.Fatalf("tick = %+v", st)
	}
	r := f.record(t, firstSlot)
	if r.Status != notification.Dead || r.Attempts != 1 {
		t.Fatalf("record = %+v", r)
	}
	if len(f.dead) != 1 || !gateway.IsPermanent(f.dead[0].Err) {
		t.Fatalf("sink = %+v", f.dead)
	}

	// The next slot is still attempted.
	f.tickAt(firstSlot.Add(24*time.Hour + time.Minute))
	if len(f.gw.Sent()) != 1 {
		t.Fatalf("next slot not sent")
	}
}

func TestRetryAfterHintExtendsBackoff(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	f.gw.errs = []error{gateway.TransientAfter(errors.New("flood"), 5*time.Minute)}

	at := firstSlot.Add(time.Minute)
	f.tickAt(at)
	r := f.record(t, firstSlot)
	if !r.NextAttemptAt.Equal(at.Add(5 * time.Minute)) {
		t.Fatalf("NextAttemptAt = %v, want %v", r.NextAttemptAt, at.Add(5*time.Minute))
	}
}

func TestDeletedHabitStopsScheduling(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	f.tickAt(firstSlot.Add(time.Minute))
	if err := f.store.DeleteHabit(context.Background(), f.h.ID); err != nil {
		t.Fatalf("DeleteHabit: %v", err)
	}
	f.tickAt(firstSlot.Add(24*time.Hour + time.Minute))
	if f.gw.Calls() != 1 {
		t.Fatalf("deleted habit still scheduled: calls=%d", f.gw.Calls())
	}
}

func TestMissingOwnerIsSkipped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	d := f.h.Draft
	d.OwnerID = 77
	if _, err := f.store.CreateHabit(context.Background(), habit.Habit{Draft: d, Active: true, CreatedAt: created}); err != nil {
		t.Fatalf("CreateHabit: %v", err)
	}
	st := f.tickAt(firstSlot.Add(time.Minute))
	if st.Habits != 2 || st.Sent != 1 || st.Skipped != 1 {
		t.Fatalf("tick = %+v", st)
	}
}

func TestMaxLatenessSkipsStaleSlots(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxLateness = time.Hour
	f := newFixture(t, cfg)

	late := firstSlot.Add(4*24*time.Hour + 5*time.Minute)
	f.tickAt(late)
	if _, ok, _ := f.store.GetNotification(context.Background(), notification.NewKey(f.h.ID, firstSlot)); ok {
		t.Fatalf("stale slot was attempted")
	}
	r := f.record(t, firstSlot.Add(4*24*time.Hour))
	if r.Status != notification.Sent {
		t.Fatalf("record = %+v", r)
	}
}

func TestCatchUpReplaysSlotsInOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	late := firstSlot.Add(2*24*time.Hour + time.Minute)
	for i := 0; i < 3; i++ {
		f.tickAt(late)
	}
	for i := 0; i < 3; i++ {
		if r := f.record(t, firstSlot.Add(time.Duration(i)*24*time.Hour)); r.Status != notification.Sent {
			t.Fatalf("slot %d = %+v", i, r)
		}
	}
	f.tickAt(late)
	if f.gw.Calls() != 3 {
		t.Fatalf("calls = %d, want 3", f.gw.Calls())
	}
}

func TestStaleClaimIsReclaimed(t *testing.T) {
	t.Parallel()
	for name, open := range stores {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.ClaimLease = time.Minute
			f := newFixtureOn(t, cfg, open(t))

			ctx := context.Background()
			claimAt := firstSlot.Add(time.Minute)
			if _, ok, err := f.store.Claim(ctx, notification.NewKey(f.h.ID, firstSlot), "crashed", claimAt); err != nil || !ok {
				t.Fatalf("seed claim: %v", err)
			}

			// Lease still valid: slot is held elsewhere.
			if st := f.tickAt(claimAt.Add(30 * time.Second)); st.Reclaimed != 0 || f.gw.Calls() != 0 {
				t.Fatalf("reclaimed live claim: %+v", st)
			}

			reclaimAt := claimAt.Add(2 * time.Minute)
			if st := f.tickAt(reclaimAt); st.Reclaimed != 1 {
				t.Fatalf("tick = %+v", st)
			}
			r := f.record(t, firstSlot)
			if r.Status != notification.Pending || r.LastError != errLeaseExpired.Error() {
				t.Fatalf("after reclaim: %+v", r)
			}

			f.tickAt(reclaimAt.Add(time.Minute))
			r = f.record(t, firstSlot)
			if r.Status != notification.Sent || r.Attempts != 2 {
				t.Fatalf("after retry: %+v", r)
			}
		})
	}
}

func TestRelatedHabitInMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	nd := habit.NewDraft(1)
	nd.Place = "sofa"
	nd.Action = "read a chapter"
	nd.Time = habit.Clock(23, 0, 0)
	nd.Duration = 60
	nd.IsNice = true
	nice, err := f.store.CreateHabit(ctx, habit.Habit{Draft: nd, Active: false, CreatedAt: created})
	if err != nil {
		t.Fatalf("CreateHabit: %v", err)
	}
	h := f.h
	h.Prize = ""
	h.Related = nice.ID
	if err := f.store.UpdateHabit(ctx, h); err != nil {
		t.Fatalf("UpdateHabit: %v", err)
	}

	f.tickAt(firstSlot.Add(time.Minute))
	msgs := f.gw.Sent()
	if len(msgs) != 1 {
		t.Fatalf("sends = %d", len(msgs))
	}
	if want := "Reminder: stretch at 06:45 in home (60s)\nThen enjoy: read a chapter"; msgs[0].msg != want {
		t.Fatalf("msg = %q", msgs[0].msg)
	}
}

func TestStartStopApply(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	f := newFixture(t, cfg)
	ctx := context.Background()

	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start disabled: %v", err)
	}
	if f.svc.Supervisor() != nil {
		t.Fatalf("disabled dispatcher must not run")
	}

	cfg.Enabled = true
	if err := f.svc.Apply(ctx, cfg); err != nil {
		t.Fatalf("Apply enable: %v", err)
	}
	if f.svc.Supervisor() == nil {
		t.Fatalf("Apply did not start dispatcher")
	}

	cfg.Tick = "@every 1m"
	if err := f.svc.Apply(ctx, cfg); err != nil {
		t.Fatalf("Apply tick: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	f.svc.Stop(stopCtx)
	if f.svc.Supervisor() != nil {
		t.Fatalf("Stop left supervisor running")
	}

	bad := testConfig()
	bad.Tick = "never"
	if err := New(bad, f.store, f.gw, logx.Nop()).Start(ctx); err == nil {
		t.Fatalf("invalid tick must fail Start")
	}
}
