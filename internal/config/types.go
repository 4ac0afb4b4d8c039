package config

// Config is the on-disk configuration. All durations are Go duration
// strings ("500ms", "30s", "15m").
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Storage    StorageConfig    `json:"storage"`
	Admin      AdminConfig      `json:"admin"`
}

// TelegramConfig configures the outbound gateway.
//
// An empty token runs the dispatcher against a log-only gateway (dry run).
// The token can also come from HABITBOT_TELEGRAM_TOKEN.
type TelegramConfig struct {
	Token       string `json:"token"`
	OpsChatID   string `json:"ops_chat_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// DispatcherConfig controls reminder delivery.
//
// Enabled is a pointer so an omitted value defaults to true.
//
// Defaults (when fields are omitted/zero):
//   - tick: "@every 30s"
//   - workers: 4
//   - send_timeout: "10s"
//   - retry_max: 3
//   - retry_base: "30s"
//   - retry_max_delay: "15m"
//   - retry_jitter: 0 (disabled)
//   - max_lateness: "0s" (catch up without limit)
//   - claim_lease: "5m"
type DispatcherConfig struct {
	Enabled       *bool   `json:"enabled,omitempty"`
	Tick          string  `json:"tick,omitempty"`
	Workers       int     `json:"workers,omitempty"`
	SendTimeout   string  `json:"send_timeout,omitempty"`
	RetryMax      *int    `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
	MaxLateness   string  `json:"max_lateness,omitempty"`
	ClaimLease    string  `json:"claim_lease,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/habitbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// AdminConfig controls the diagnostics HTTP listener.
//
// Prefer binding to localhost; the habit endpoints are unauthenticated.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8085"
	Pprof   bool   `json:"pprof,omitempty"`
}

// DispatcherEnabled resolves the omitted-means-true default.
func (c *Config) DispatcherEnabled() bool {
	return c.Dispatcher.Enabled == nil || *c.Dispatcher.Enabled
}
