package schedule

import (
	"testing"
	"time"
)

func TestParseTickVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     TickKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/1 * * * *", kind: TickCron, source: "cron"},
		{name: "descriptor", raw: "@every 30s", kind: TickCron, source: "cron"},
		{name: "seconds cron", raw: "*/15 * * * * *", kind: TickCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 * * * *", kind: TickCron, source: "cron"},
		{name: "duration", raw: "45s", kind: TickInterval, source: "duration", duration: 45 * time.Second},
		{name: "prefixed interval", raw: "every:1m", kind: TickInterval, source: "duration", duration: time.Minute},
		{name: "mmss", raw: "01:30", kind: TickInterval, source: "mmss", duration: 90 * time.Second},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTick(tt.raw)
			if err != nil {
				t.Fatalf("ParseTick(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == TickInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if _, err := got.Schedule(); err != nil {
				t.Fatalf("Schedule: %v", err)
			}
		})
	}
}

func TestParseTickInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-tick", "cron:", "61 * * * *", "00:00", "-5s"} {
		if _, err := ParseTick(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
