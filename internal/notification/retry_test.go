package notification

import (
	"testing"
	"time"
)

func TestRetryDelayExponentialCapped(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{Base: time.Second, MaxDelay: 10 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Fatalf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryDelayJitterBounds(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{Base: 10 * time.Second, MaxDelay: time.Minute, Jitter: 0.3}
	for i := 0; i < 200; i++ {
		d := p.Delay(1)
		if d < 6900*time.Millisecond || d > 13100*time.Millisecond {
			t.Fatalf("jittered delay %v outside [6.9s,13.1s]", d)
		}
	}
	// Jitter never exceeds the cap.
	for i := 0; i < 200; i++ {
		if d := p.Delay(10); d > time.Minute {
			t.Fatalf("delay %v above cap", d)
		}
	}
}

func TestRetryDelayDefaults(t *testing.T) {
	t.Parallel()
	var p RetryPolicy
	if got := p.Delay(1); got != DefaultRetryBase {
		t.Fatalf("Delay = %v, want %v", got, DefaultRetryBase)
	}
}
