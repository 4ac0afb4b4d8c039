package config

import (
	"strings"

	logx "habitbot/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values. Secrets (bot token, DSN) are
// reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || trim(ot.OpsChatID) != trim(nt.OpsChatID) ||
		trim(ot.PollTimeout) != trim(nt.PollTimeout) || ot.RatePerSec != nt.RatePerSec {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Bool("telegram.ops_chat_set", trim(nt.OpsChatID) != ""),
			logx.Int("telegram.rate_per_sec", nt.RatePerSec),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	od, nd := oldCfg.Dispatcher, newCfg.Dispatcher
	if oldCfg.DispatcherEnabled() != newCfg.DispatcherEnabled() ||
		trim(od.Tick) != trim(nd.Tick) || od.Workers != nd.Workers ||
		trim(od.SendTimeout) != trim(nd.SendTimeout) || intPtr(od.RetryMax) != intPtr(nd.RetryMax) ||
		trim(od.RetryBase) != trim(nd.RetryBase) || trim(od.RetryMaxDelay) != trim(nd.RetryMaxDelay) ||
		od.RetryJitter != nd.RetryJitter || trim(od.MaxLateness) != trim(nd.MaxLateness) ||
		trim(od.ClaimLease) != trim(nd.ClaimLease) {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Bool("dispatcher.enabled", newCfg.DispatcherEnabled()),
			logx.String("dispatcher.tick", trim(nd.Tick)),
			logx.Int("dispatcher.workers", nd.Workers),
			logx.Int("dispatcher.retry_max", intPtr(nd.RetryMax)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", trim(newCfg.Storage.Driver)),
			logx.Bool("storage.dsn_set", trim(newCfg.Storage.DSN) != ""),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", trim(newCfg.Admin.Addr)),
		)
	}
	return changed, attrs
}

// RestartRequired reports sections whose changes only take effect after a
// process restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "telegram", "storage", "admin":
			out = append(out, s)
		}
	}
	return out
}

func trim(s string) string { return strings.TrimSpace(s) }

func intPtr(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}
