package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"habitbot/internal/eventbus"
	"habitbot/internal/gateway"
	"habitbot/internal/schedule"
	logx "habitbot/pkg/logx"

	rtsup "habitbot/internal/runtime/supervisor"
)

// Service drives ticks. Start arms a cron trigger; Tick may also be called
// directly (CLI, tests).
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	store   Store
	gw      gateway.Gateway
	bus     *eventbus.Bus
	sink    ErrorSink
	metrics Metrics
	now     func() time.Time
	token   func() string

	sup *rtsup.Supervisor
	c   *cron.Cron

	lastMu   sync.Mutex
	lastTick TickStats
	lastAt   time.Time
}

type Option func(*Service)

func WithBus(b *eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithErrorSink(sink ErrorSink) Option { return func(s *Service) { s.sink = sink } }

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTokens overrides claim token generation.
func WithTokens(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.token = gen
		}
	}
}

func New(cfg Config, store Store, gw gateway.Gateway, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "dispatcher")),
		store:   store,
		gw:      gw,
		metrics: nopMetrics{},
		now:     time.Now,
		token:   uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	if s.sink == nil {
		s.sink = LogSink{Log: s.log}
	}
	return s
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Enabled() bool { return s.config().Enabled }

// Supervisor returns the running supervisor, nil if stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// LastTick returns the stats of the most recent completed tick.
func (s *Service) LastTick() (TickStats, time.Time) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.lastTick, s.lastAt
}

// Start arms the tick trigger. It is a no-op when disabled or running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("dispatcher disabled")
		return nil
	}
	spec, err := schedule.ParseTick(s.cfg.Tick)
	if err != nil {
		return fmt.Errorf("dispatcher tick: %w", err)
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	if err := s.startCronLocked(spec); err != nil {
		s.sup.Cancel()
		s.sup = nil
		return err
	}
	s.log.Info("dispatcher started",
		logx.String("tick", spec.String()),
		logx.Int("workers", s.cfg.Workers),
		logx.Int("retry_max", s.cfg.Retry.MaxRetries),
	)
	return nil
}

func (s *Service) startCronLocked(spec schedule.TickSpec) error {
	sched, err := spec.Schedule()
	if err != nil {
		return err
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(schedule.Parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	runCtx := s.sup.Context()
	c.Schedule(sched, cron.FuncJob(func() { s.Tick(runCtx) }))
	s.c = c

	s.sup.Go0("dispatcher.cron", func(ctx context.Context) {
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
	})
	return nil
}

// Stop halts the trigger and waits for an in-flight tick or ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.c = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("dispatcher stop", logx.Err(err))
	}
	s.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps the runtime config. A changed tick re-arms the trigger;
// workers, timeouts, retry and lateness take effect on the next tick.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case !running && cfg.Enabled:
		return s.Start(ctx)
	case running && old.Tick != cfg.Tick:
		s.Stop(ctx)
		return s.Start(ctx)
	}
	return nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
