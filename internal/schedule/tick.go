package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TickKind describes the normalized kind of a tick spec.
type TickKind int

const (
	TickCron TickKind = iota
	TickInterval
)

// TickSpec is a parsed dispatcher trigger.
//
// Supported forms:
//   - Cron: "*/1 * * * *", "@every 30s", "@hourly" (optional seconds field)
//   - Interval duration: "30s", "1m"
//   - Interval MM:SS: "00:30" (30 seconds), "01:00" (one minute)
//
// Optional prefixes "cron:" and "every:" force the kind.
type TickSpec struct {
	Kind   TickKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "mmss"
}

var reMMSS = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Parser is the cron parser used for tick specs: 5 or 6 fields plus descriptors.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseTick parses a tick spec and checks that cron expressions are valid.
func ParseTick(raw string) (TickSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return TickSpec{}, fmt.Errorf("tick schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return cronSpec(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		d, src, err := parseInterval(strings.TrimSpace(s[len("every:"):]))
		if err != nil {
			return TickSpec{}, err
		}
		return TickSpec{Kind: TickInterval, Every: d, Source: src}, nil
	}

	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return cronSpec(s)
	}
	d, src, err := parseInterval(s)
	if err != nil {
		return TickSpec{}, fmt.Errorf(
			"invalid tick %q (use cron like '*/1 * * * *', '@every 30s', MM:SS like '00:30', or a duration like '30s')",
			raw,
		)
	}
	return TickSpec{Kind: TickInterval, Every: d, Source: src}, nil
}

func cronSpec(expr string) (TickSpec, error) {
	if expr == "" {
		return TickSpec{}, fmt.Errorf("cron expression required")
	}
	if _, err := Parser.Parse(expr); err != nil {
		return TickSpec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return TickSpec{Kind: TickCron, Cron: expr, Source: "cron"}, nil
}

// Schedule returns the cron schedule for the spec.
func (t TickSpec) Schedule() (cron.Schedule, error) {
	if t.Kind == TickInterval {
		return cron.Every(t.Every), nil
	}
	return Parser.Parse(t.Cron)
}

func (t TickSpec) String() string {
	if t.Kind == TickInterval {
		return "@every " + t.Every.String()
	}
	return t.Cron
}

func parseInterval(v string) (time.Duration, string, error) {
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if m := reMMSS.FindStringSubmatch(v); len(m) == 3 {
		var mm int
		for i := 0; i < len(m[1]); i++ {
			mm = mm*10 + int(m[1][i]-'0')
		}
		ss := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
		if ss > 59 {
			return 0, "", fmt.Errorf("invalid seconds in %q", v)
		}
		d := time.Duration(mm)*time.Minute + time.Duration(ss)*time.Second
		if d <= 0 {
			return 0, "", fmt.Errorf("interval must be > 0")
		}
		return d, "mmss", nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q", v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
}
