package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"habitbot/internal/eventbus"
	"habitbot/internal/gateway"
	"habitbot/internal/habit"
	"habitbot/internal/notification"
	"habitbot/internal/schedule"
	logx "habitbot/pkg/logx"
)

var errLeaseExpired = errors.New("claim lease expired")

// finishTimeout bounds the writes that follow a send. They are detached from
// the tick context: a claimed slot is always finished.
const finishTimeout = 5 * time.Second

type outcome int

const (
	outSkipped outcome = iota
	outClaimLost
	outSent
	outRetrying
	outDead
	outError
)

// Tick runs one dispatch pass over all active habits and returns when every
// habit has been processed. Per-habit failures are recorded, never returned.
func (s *Service) Tick(ctx context.Context) TickStats {
	start := time.Now()
	cfg := s.config()
	var st TickStats

	st.Reclaimed = s.reclaim(ctx, cfg)

	habits, err := s.store.ActiveHabits(ctx)
	if err != nil {
		s.log.Error("list active habits failed", logx.Err(err))
		st.Errors++
		return s.finishTick(st, start)
	}
	st.Habits = len(habits)

	var (
		mu sync.Mutex
		eg errgroup.Group
	)
	eg.SetLimit(cfg.Workers)
	for _, h := range habits {
		if ctx.Err() != nil {
			break
		}
		h := h
		eg.Go(func() error {
			out := s.processHabit(ctx, cfg, h)
			mu.Lock()
			st.add(out)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return s.finishTick(st, start)
}

func (st *TickStats) add(o outcome) {
	switch o {
	case outSkipped:
		st.Skipped++
		return
	case outClaimLost:
		st.ClaimLost++
	case outSent:
		st.Sent++
	case outRetrying:
		st.Retrying++
	case outDead:
		st.Dead++
	case outError:
		st.Errors++
		return
	}
	st.Due++
}

func (s *Service) finishTick(st TickStats, start time.Time) TickStats {
	st.Took = time.Since(start)
	s.metrics.ObserveTick(st.Took, st.Habits)
	s.lastMu.Lock()
	s.lastTick, s.lastAt = st, start
	s.lastMu.Unlock()
	if st.Due > 0 || st.Errors > 0 || st.Reclaimed > 0 {
		s.log.Info("tick done",
			logx.Int("habits", st.Habits),
			logx.Int("due", st.Due),
			logx.Int("sent", st.Sent),
			logx.Int("retrying", st.Retrying),
			logx.Int("dead", st.Dead),
			logx.Int("claim_lost", st.ClaimLost),
			logx.Int("reclaimed", st.Reclaimed),
			logx.Int("errors", st.Errors),
			logx.Duration("took", st.Took),
		)
	} else {
		s.log.Debug("tick idle", logx.Int("habits", st.Habits), logx.Duration("took", st.Took))
	}
	return st
}

// processHabit handles at most one slot of h.
func (s *Service) processHabit(ctx context.Context, cfg Config, h habit.Habit) outcome {
	log := s.log.With(logHabit(h)...)
	now := s.now().UTC()

	owner, err := s.store.GetUser(ctx, h.OwnerID)
	if errors.Is(err, habit.ErrUserNotFound) {
		log.Warn("habit owner missing; skipping")
		return outSkipped
	}
	if err != nil {
		log.Error("load owner failed", logx.Err(err))
		return outError
	}

	key, due, err := s.dueSlot(ctx, cfg, h, owner, now)
	if err != nil {
		log.Error("load latest slot failed", logx.Err(err))
		return outError
	}
	if !due {
		return outSkipped
	}
	log = log.With(logx.Time("slot", key.Slot))

	rec, won, err := s.store.Claim(ctx, key, s.token(), now)
	if err != nil {
		log.Error("claim failed", logx.Err(err))
		return outError
	}
	if !won {
		s.metrics.ClaimLost()
		s.publish(TopicClaimLost, rec)
		log.Debug("slot held elsewhere", logx.String("status", string(rec.Status)))
		return outClaimLost
	}

	// From here on the claim is ours and must be finished.
	work := context.WithoutCancel(ctx)
	msg := s.render(work, h)
	sendCtx, cancel := context.WithTimeout(work, cfg.SendTimeout)
	sendStart := time.Now()
	sendErr := s.gw.Send(sendCtx, owner.ChannelID, msg)
	cancel()
	latency := time.Since(sendStart)

	finCtx, cancelFin := context.WithTimeout(work, finishTimeout)
	defer cancelFin()
	return s.finish(finCtx, cfg, log, h, rec, sendErr, latency)
}

// dueSlot picks the slot to work on, if any is due at now.
func (s *Service) dueSlot(ctx context.Context, cfg Config, h habit.Habit, owner habit.User, now time.Time) (notification.Key, bool, error) {
	latest, ok, err := s.store.Latest(ctx, h.ID)
	if err != nil {
		return notification.Key{}, false, err
	}
	if ok && !latest.Status.Terminal() {
		// Sending: another worker holds it (stale claims are reclaimed
		// at tick start). Pending: retry once the backoff gate opens.
		return latest.Key, latest.Claimable(now), nil
	}

	ref := h.CreatedAt
	if ok && latest.Slot.After(ref) {
		ref = latest.Slot
	}
	if cfg.MaxLateness > 0 {
		if floor := now.Add(-cfg.MaxLateness); floor.After(ref) {
			ref = floor
		}
	}
	slot := schedule.NextDue(h, owner.UTCOffsetHours, ref)
	if slot.IsZero() || slot.After(now) {
		return notification.Key{}, false, nil
	}
	return notification.NewKey(h.ID, slot), true, nil
}

func (s *Service) finish(ctx context.Context, cfg Config, log logx.Logger, h habit.Habit, rec notification.Record, sendErr error, latency time.Duration) outcome {
	now := s.now().UTC()
	var (
		next notification.Record
		err  error
	)
	switch {
	case sendErr == nil:
		next, err = notification.Succeed(rec, now)
	case gateway.IsPermanent(sendErr):
		next, err = notification.FailPermanent(rec, sendErr, now)
	default:
		next, err = notification.FailTransient(rec, sendErr, now, cfg.Retry)
		if d, ok := gateway.RetryAfter(sendErr); ok && next.Status == notification.Pending {
			if gate := now.Add(d); gate.After(next.NextAttemptAt) {
				next.NextAttemptAt = gate
			}
		}
	}
	if err != nil {
		log.Error("invalid transition", logx.Err(err))
		return outError
	}

	ok, err := s.store.Finish(ctx, next)
	if err != nil {
		log.Error("finish failed", logx.Err(err))
		return outError
	}
	if !ok {
		s.metrics.ClaimLost()
		s.publish(TopicClaimLost, next)
		log.Warn("claim lost before finish", logx.Err(sendErr))
		return outClaimLost
	}
	return s.report(ctx, log, h, next, sendErr, latency)
}

func (s *Service) report(ctx context.Context, log logx.Logger, h habit.Habit, rec notification.Record, cause error, latency time.Duration) outcome {
	switch rec.Status {
	case notification.Sent:
		s.metrics.ObserveOutcome(notification.Sent, latency)
		s.publish(TopicSent, rec)
		log.Info("reminder sent", logx.Int("attempts", rec.Attempts), logx.Duration("took", latency))
		return outSent
	case notification.Pending:
		s.metrics.ObserveOutcome(notification.Failed, latency)
		ev := rec
		ev.Status = notification.Failed
		s.publish(TopicFailed, ev)
		log.Warn("reminder failed; retry scheduled",
			logx.Int("attempts", rec.Attempts),
			logx.Time("next_attempt_at", rec.NextAttemptAt),
			logx.Err(cause),
		)
		return outRetrying
	default:
		s.metrics.ObserveOutcome(notification.Dead, latency)
		s.publish(TopicDead, rec)
		s.sink.Report(ctx, Failure{Record: rec, Habit: h, Err: cause})
		return outDead
	}
}

// reclaim turns expired Sending claims into transient failures.
func (s *Service) reclaim(ctx context.Context, cfg Config) int {
	if cfg.ClaimLease <= 0 {
		return 0
	}
	now := s.now().UTC()
	stale, err := s.store.InFlight(ctx, now.Add(-cfg.ClaimLease))
	if err != nil {
		s.log.Error("list in-flight failed", logx.Err(err))
		return 0
	}
	n := 0
	for _, rec := range stale {
		if ctx.Err() != nil {
			break
		}
		if !rec.LeaseExpired(now, cfg.ClaimLease) {
			continue
		}
		if s.reclaimOne(context.WithoutCancel(ctx), cfg, rec, now) {
			n++
		}
	}
	return n
}

func (s *Service) reclaimOne(ctx context.Context, cfg Config, rec notification.Record, now time.Time) bool {
	ctx, cancel := context.WithTimeout(ctx, finishTimeout)
	defer cancel()
	next, err := notification.FailTransient(rec, errLeaseExpired, now, cfg.Retry)
	if err != nil {
		return false
	}
	ok, err := s.store.Finish(ctx, next)
	if err != nil {
		s.log.Error("reclaim failed", logx.Int64("habit_id", int64(rec.HabitID)), logx.Err(err))
		return false
	}
	if !ok {
		return false
	}
	h, herr := s.store.GetHabit(ctx, rec.HabitID)
	if herr != nil {
		h = habit.Habit{ID: rec.HabitID}
	}
	log := s.log.With(logHabit(h)...).With(logx.Time("slot", rec.Slot))
	s.report(ctx, log, h, next, errLeaseExpired, 0)
	return true
}

func (s *Service) publish(topic string, rec notification.Record) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: s.now(), Data: eventOf(rec)})
}

func logHabit(h habit.Habit) []logx.Field {
	return []logx.Field{logx.Int64("habit_id", int64(h.ID)), logx.Int64("owner_id", int64(h.OwnerID))}
}
