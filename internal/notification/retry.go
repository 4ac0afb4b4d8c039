package notification

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultRetryBase     = 30 * time.Second
	DefaultRetryMaxDelay = 15 * time.Minute
)

// RetryPolicy controls transient-failure backoff.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	Base       time.Duration
	MaxDelay   time.Duration
	// Jitter is a fraction in [0,1): delays are scaled by a random factor in
	// [1-Jitter, 1+Jitter]. Zero disables jitter.
	Jitter float64
}

// Delay returns the wait before the attempt following attempt n (n >= 1):
// Base * 2^(n-1), capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultRetryBase
	}
	maxD := p.MaxDelay
	if maxD <= 0 {
		maxD = DefaultRetryMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	if d > maxD {
		d = maxD
	}
	if j := p.Jitter; j > 0 {
		if j >= 1 {
			j = 0.99
		}
		f := 1 - j + rand.Float64()*2*j
		d = time.Duration(float64(d) * f)
		if d > maxD {
			d = maxD
		}
	}
	if d < 0 {
		return 0
	}
	return d
}
