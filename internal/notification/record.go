package notification

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"habitbot/internal/habit"
)

// Status is the delivery state of a slot.
type Status string

const (
	Pending Status = "pending"
	Sending Status = "sending"
	Sent    Status = "sent"
	Failed  Status = "failed"
	Dead    Status = "dead"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == Sent || s == Dead }

func (s Status) Valid() bool {
	switch s {
	case Pending, Sending, Sent, Failed, Dead:
		return true
	}
	return false
}

// ParseStatus parses a persisted status value.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown notification status %q", v)
	}
	return s, nil
}

var (
	ErrImmutable    = errors.New("notification record is terminal")
	ErrNotClaimable = errors.New("notification slot is not claimable")
	ErrNotSending   = errors.New("notification record is not in flight")
)

// Key identifies one due slot of a habit.
type Key struct {
	HabitID habit.ID
	Slot    time.Time // UTC, second precision
}

// NewKey normalizes slot to UTC second precision.
func NewKey(id habit.ID, slot time.Time) Key {
	return Key{HabitID: id, Slot: slot.UTC().Truncate(time.Second)}
}

func (k Key) String() string {
	return fmt.Sprintf("%d@%s", k.HabitID, k.Slot.UTC().Format(time.RFC3339))
}

// Record is the persisted state of a slot.
type Record struct {
	Key

	Status        Status
	Attempts      int
	LastAttemptAt time.Time
	NextAttemptAt time.Time // zero: eligible immediately
	ClaimToken    string
	ClaimedAt     time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewRecord returns a fresh Pending record for key.
func NewRecord(key Key, now time.Time) Record {
	now = now.UTC()
	return Record{Key: key, Status: Pending, CreatedAt: now, UpdatedAt: now}
}

// Claimable reports whether a worker may take the slot at now.
func (r Record) Claimable(now time.Time) bool {
	return r.Status == Pending && !r.NextAttemptAt.After(now)
}

// Claim moves a Pending record to Sending under token and counts the attempt.
func Claim(r Record, token string, now time.Time) (Record, error) {
	if r.Status.Terminal() {
		return r, ErrImmutable
	}
	if !r.Claimable(now) {
		return r, ErrNotClaimable
	}
	now = now.UTC()
	r.Status = Sending
	r.ClaimToken = token
	r.ClaimedAt = now
	r.Attempts++
	r.LastAttemptAt = now
	r.UpdatedAt = now
	return r, nil
}

// Succeed marks an in-flight record as delivered.
func Succeed(r Record, now time.Time) (Record, error) {
	if err := inFlight(r); err != nil {
		return r, err
	}
	r.Status = Sent
	r.LastError = ""
	r.NextAttemptAt = time.Time{}
	r.UpdatedAt = now.UTC()
	return r, nil
}

// FailTransient records a retryable failure. The record passes through
// Failed and lands on Pending with a backoff gate, or on Dead once the
// attempt count exceeds the policy's retry ceiling.
func FailTransient(r Record, cause error, now time.Time, p RetryPolicy) (Record, error) {
	if err := inFlight(r); err != nil {
		return r, err
	}
	now = now.UTC()
	r.Status = Failed
	r.LastError = errText(cause)
	r.UpdatedAt = now
	if r.Exhausted(p) {
		r.Status = Dead
		r.NextAttemptAt = time.Time{}
		return r, nil
	}
	r.Status = Pending
	r.NextAttemptAt = now.Add(p.Delay(r.Attempts))
	return r, nil
}

// FailPermanent marks an in-flight record as dead without retry.
func FailPermanent(r Record, cause error, now time.Time) (Record, error) {
	if err := inFlight(r); err != nil {
		return r, err
	}
	r.Status = Dead
	r.LastError = errText(cause)
	r.NextAttemptAt = time.Time{}
	r.UpdatedAt = now.UTC()
	return r, nil
}

// Exhausted reports whether a further transient failure would kill the slot.
func (r Record) Exhausted(p RetryPolicy) bool { return r.Attempts > p.MaxRetries }

// LeaseExpired reports whether an in-flight claim is older than lease.
func (r Record) LeaseExpired(now time.Time, lease time.Duration) bool {
	return r.Status == Sending && lease > 0 && !r.ClaimedAt.IsZero() && now.Sub(r.ClaimedAt) > lease
}

func inFlight(r Record) error {
	if r.Status.Terminal() {
		return ErrImmutable
	}
	if r.Status != Sending {
		return ErrNotSending
	}
	return nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}
