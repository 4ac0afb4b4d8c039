package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"habitbot/internal/admin"
	"habitbot/internal/config"
	"habitbot/internal/dispatcher"
	"habitbot/internal/gateway"
	"habitbot/internal/notification"
	"habitbot/internal/schedule"
	"habitbot/internal/storage"
	logx "habitbot/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
			MaxAgeDays: lc.File.MaxAgeDays,
			Compress:   lc.File.Compress,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), DSN: strings.TrimSpace(sc.DSN)}
	switch driver {
	case "", "memory", "mem":
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return out, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return out, err
		}
		out.BusyTimeout = busy
	case "postgres", "postgresql", "pg":
		if out.DSN == "" {
			return out, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
	default:
		return out, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapDispatcher(cfg *config.Config) (dispatcher.Config, error) {
	dc := cfg.Dispatcher
	out := dispatcher.Config{
		Enabled: cfg.DispatcherEnabled(),
		Tick:    strings.TrimSpace(dc.Tick),
		Workers: dc.Workers,
		Retry: notification.RetryPolicy{
			MaxRetries: 3,
			Jitter:     dc.RetryJitter,
		},
	}
	if out.Tick != "" {
		if _, err := schedule.ParseTick(out.Tick); err != nil {
			return out, fmt.Errorf("dispatcher.tick: %w", err)
		}
	}
	if dc.Workers < 0 {
		return out, fmt.Errorf("dispatcher.workers must be >= 0")
	}
	if dc.RetryMax != nil {
		if *dc.RetryMax < 0 {
			return out, fmt.Errorf("dispatcher.retry_max must be >= 0")
		}
		out.Retry.MaxRetries = *dc.RetryMax
	}
	if dc.RetryJitter < 0 || dc.RetryJitter >= 1 {
		return out, fmt.Errorf("dispatcher.retry_jitter must be in [0,1)")
	}

	var err error
	if out.SendTimeout, err = config.DurationOr("dispatcher.send_timeout", dc.SendTimeout, 10*time.Second); err != nil {
		return out, err
	}
	if out.Retry.Base, err = config.DurationOr("dispatcher.retry_base", dc.RetryBase, notification.DefaultRetryBase); err != nil {
		return out, err
	}
	if out.Retry.MaxDelay, err = config.DurationOr("dispatcher.retry_max_delay", dc.RetryMaxDelay, notification.DefaultRetryMaxDelay); err != nil {
		return out, err
	}
	if out.MaxLateness, err = config.ParseDuration("dispatcher.max_lateness", dc.MaxLateness); err != nil {
		return out, err
	}
	if out.ClaimLease, err = config.DurationOr("dispatcher.claim_lease", dc.ClaimLease, 5*time.Minute); err != nil {
		return out, err
	}
	if out.ClaimLease <= out.SendTimeout {
		return out, fmt.Errorf("dispatcher.claim_lease (%s) must exceed dispatcher.send_timeout (%s)", out.ClaimLease, out.SendTimeout)
	}
	return out, nil
}

func mapTelegram(cfg *config.Config) (gateway.TelegramConfig, error) {
	tc := cfg.Telegram
	poll, err := config.DurationOr("telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return gateway.TelegramConfig{}, err
	}
	if tc.RatePerSec < 0 {
		return gateway.TelegramConfig{}, fmt.Errorf("telegram.rate_per_sec must be >= 0")
	}
	if id := strings.TrimSpace(tc.OpsChatID); id != "" {
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			return gateway.TelegramConfig{}, fmt.Errorf("telegram.ops_chat_id: invalid chat id %q", id)
		}
	}
	return gateway.TelegramConfig{
		Token:       strings.TrimSpace(tc.Token),
		PollTimeout: poll,
		RatePerSec:  float64(tc.RatePerSec),
	}, nil
}

func mapAdmin(cfg *config.Config) admin.Config {
	return admin.Config{Enabled: cfg.Admin.Enabled, Addr: strings.TrimSpace(cfg.Admin.Addr)}
}

// Validate checks every section the way startup would, without opening
// anything.
func Validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapTelegram(cfg); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapDispatcher(cfg); err != nil {
		return err
	}
	return nil
}

// OpenStore opens the configured storage backend.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log.With(logx.String("comp", "storage")))
}
