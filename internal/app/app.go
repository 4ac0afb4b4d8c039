// Package app wires configuration, storage, the messaging gateway, the
// dispatcher and the admin listener into one supervised process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"habitbot/internal/admin"
	"habitbot/internal/config"
	"habitbot/internal/dispatcher"
	"habitbot/internal/eventbus"
	"habitbot/internal/gateway"
	"habitbot/internal/habit"
	"habitbot/internal/metrics"
	"habitbot/internal/runtime/supervisor"
	"habitbot/internal/storage"
	logx "habitbot/pkg/logx"
)

type App struct {
	mgr  *config.Manager
	sup  *supervisor.Supervisor
	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	gw     gateway.Gateway
	habits *habit.Service
	disp   *dispatcher.Service
	bus    *eventbus.Bus
	reg    *prometheus.Registry
	admin  *admin.Server

	notify func(state string)
}

type Option func(*options)

type options struct {
	gw     gateway.Gateway
	notify func(state string)
	dopts  []dispatcher.Option
}

// WithGateway replaces the configured gateway.
func WithGateway(gw gateway.Gateway) Option { return func(o *options) { o.gw = gw } }

// WithNotifier replaces systemd readiness notification.
func WithNotifier(fn func(state string)) Option { return func(o *options) { o.notify = fn } }

// WithDispatcherOptions passes extra options to the dispatcher.
func WithDispatcherOptions(opts ...dispatcher.Option) Option {
	return func(o *options) { o.dopts = append(o.dopts, opts...) }
}

// NewApp loads the config at cfgPath and builds every component without
// starting background work.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	dcfg, _ := mapDispatcher(cfg)
	tcfg, _ := mapTelegram(cfg)

	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))

	store, err := OpenStore(cfg, root)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	gw := o.gw
	if gw == nil {
		if gw, err = newGateway(tcfg, root); err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mc := metrics.NewCollector(reg)
	bus := eventbus.New()

	sinks := dispatcher.Sinks{dispatcher.LogSink{Log: root.With(logx.String("comp", "dispatcher"))}}
	if ops := strings.TrimSpace(cfg.Telegram.OpsChatID); ops != "" {
		sinks = append(sinks, dispatcher.ChatSink{Gateway: gw, Channel: ops, Timeout: dcfg.SendTimeout, Log: log})
	}
	dopts := append([]dispatcher.Option{
		dispatcher.WithBus(bus),
		dispatcher.WithErrorSink(sinks),
		dispatcher.WithMetrics(mc),
	}, o.dopts...)

	a := &App{
		mgr:    mgr,
		log:    log,
		logs:   logSvc,
		store:  store,
		gw:     gw,
		habits: habit.NewService(store, root.With(logx.String("comp", "habit"))),
		disp:   dispatcher.New(dcfg, store, gw, root, dopts...),
		bus:    bus,
		reg:    reg,
		notify: o.notify,
	}
	if a.notify == nil {
		a.notify = sdNotify(log)
	}
	if ac := mapAdmin(cfg); ac.Enabled {
		h := admin.NewRouter(admin.Deps{
			Habits:   a.habits,
			Records:  store,
			Gatherer: reg,
			Status:   a.status,
			Pprof:    cfg.Admin.Pprof,
			Log:      root.With(logx.String("comp", "admin")),
		})
		a.admin = admin.NewServer(ac, h, root)
	}
	return a, nil
}

func newGateway(cfg gateway.TelegramConfig, log logx.Logger) (gateway.Gateway, error) {
	if cfg.Token == "" {
		log.Warn("telegram.token is empty; reminders are only logged")
		return gateway.NewLog(log), nil
	}
	tg, err := gateway.NewTelegram(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return tg, nil
}

func (a *App) Store() storage.Store            { return a.store }
func (a *App) Habits() *habit.Service          { return a.habits }
func (a *App) Dispatcher() *dispatcher.Service { return a.disp }
func (a *App) Bus() *eventbus.Bus              { return a.bus }
func (a *App) Config() *config.Config          { return a.mgr.Get() }
func (a *App) Gatherer() prometheus.Gatherer   { return a.reg }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) status() any {
	st, at := a.disp.LastTick()
	return map[string]any{
		"app":          a.sup.Snapshot(),
		"dispatcher":   a.disp.Supervisor().Snapshot(),
		"last_tick":    st,
		"last_tick_at": at,
		"bus_dropped":  a.bus.Dropped(),
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.mgr.SetLogger(a.log.With(logx.String("comp", "config")))
	a.mgr.SetValidator(func(_ context.Context, cfg *config.Config) error { return Validate(cfg) })

	if err := a.disp.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.admin != nil {
		a.sup.Go("admin.http", a.admin.Run)
	}

	events, unsub := a.bus.Subscribe("notification.", 128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				a.log.Debug("event log stopped", logx.Uint64("bus_dropped", a.bus.Dropped()))
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.mgr.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.mgr.Unsubscribe(sub)
		applied := a.mgr.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.reload(c, applied, next)
				applied = next
			}
		}
	})
	a.sup.Go("config.watch", a.mgr.Watch)
	a.startWatchdog()

	a.notify("READY=1")
	a.log.Info("app started", logx.Bool("dispatcher", a.disp.Enabled()), logx.Bool("admin", a.admin != nil))
	return nil
}

// reload applies the live-reloadable sections of next.
func (a *App) reload(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config change requires restart", logx.String("sections", strings.Join(rr, ",")))
	}

	a.logs.Apply(mapLogging(next))

	dcfg, err := mapDispatcher(next)
	if err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else if err := a.disp.Apply(ctx, dcfg); err != nil {
		a.log.Warn("dispatcher apply failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order, bounding each step.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.close()
	}
	a.notify("STOPPING=1")
	a.log.Info("stopping")
	a.sup.Cancel()

	a.step(ctx, "dispatcher", 5*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	err := a.close()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

func (a *App) close() error {
	a.bus.Close()
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// step runs fn with a timeout that never extends ctx's deadline.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	if err := fn(sctx); err != nil {
		a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
	}
	if took := time.Since(start); took >= 500*time.Millisecond {
		a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
	}
}
