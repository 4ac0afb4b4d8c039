// Package gateway delivers reminder text to an external messaging channel
// and classifies delivery failures as transient or permanent.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Gateway sends one message to a channel. A nil error means delivered.
type Gateway interface {
	Send(ctx context.Context, channelID string, msg string) error
}

// Func adapts a plain function to Gateway.
type Func func(ctx context.Context, channelID string, msg string) error

func (f Func) Send(ctx context.Context, channelID string, msg string) error {
	return f(ctx, channelID, msg)
}

// TransientError marks a failure worth retrying.
type TransientError struct {
	Err error
	// RetryAfter is a server-provided minimum wait, zero if none.
	RetryAfter time.Duration
}

func (e TransientError) Error() string {
	if e.Err == nil {
		return "transient gateway error"
	}
	return e.Err.Error()
}

func (e TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that will not succeed on retry
// (unknown chat, bot blocked, malformed request).
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string {
	if e.Err == nil {
		return "permanent gateway error"
	}
	return e.Err.Error()
}

func (e PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return TransientError{Err: err}
}

// TransientAfter wraps err as retryable no sooner than d.
func TransientAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return TransientError{Err: err, RetryAfter: d}
}

// Permanent wraps err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

// Permanentf formats a permanent error.
func Permanentf(format string, args ...any) error {
	return PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err should be retried. Unclassified errors and
// context timeouts count as transient; permanent wins over transient.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return true
}

// RetryAfter extracts a server-provided retry hint.
func RetryAfter(err error) (time.Duration, bool) {
	var te TransientError
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter, true
	}
	return 0, false
}
