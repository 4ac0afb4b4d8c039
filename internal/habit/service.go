package habit

import (
	"context"
	"fmt"
	"time"

	logx "habitbot/pkg/logx"
)

// Repository is the habit persistence the service needs.
type Repository interface {
	GetHabit(ctx context.Context, id ID) (Habit, error)
	// CreateHabit stores h and returns it with its assigned ID.
	CreateHabit(ctx context.Context, h Habit) (Habit, error)
	UpdateHabit(ctx context.Context, h Habit) error
	DeleteHabit(ctx context.Context, id ID) error
}

// Service is the write path for habits. Every create and update runs the
// full validator against the resulting state.
type Service struct {
	repo Repository
	log  logx.Logger
	now  func() time.Time
}

type ServiceOption func(*Service)

// WithClock overrides the time source used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(repo Repository, log logx.Logger, opts ...ServiceOption) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{repo: repo, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) lookup(ctx context.Context, id ID) (Habit, error) {
	return s.repo.GetHabit(ctx, id)
}

func (s *Service) Get(ctx context.Context, id ID) (Habit, error) {
	return s.repo.GetHabit(ctx, id)
}

// Create validates d and persists a new active habit.
func (s *Service) Create(ctx context.Context, d Draft) (Habit, error) {
	if err := Validate(ctx, d, s.lookup); err != nil {
		return Habit{}, err
	}
	now := s.now().UTC()
	h, err := s.repo.CreateHabit(ctx, Habit{Draft: d, Active: true, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return Habit{}, fmt.Errorf("create habit: %w", err)
	}
	s.log.Info("habit created", logx.Int64("habit", int64(h.ID)), logx.Int64("owner", int64(h.OwnerID)))
	return h, nil
}

// Update merges p into the stored habit and re-validates the whole result,
// since the invariants span several fields.
func (s *Service) Update(ctx context.Context, id ID, p Patch) (Habit, error) {
	cur, err := s.repo.GetHabit(ctx, id)
	if err != nil {
		return Habit{}, err
	}
	if p.Empty() {
		return cur, nil
	}
	next := cur
	next.Draft = p.Apply(cur.Draft)
	if err := Validate(ctx, next.Draft, s.lookup); err != nil {
		return Habit{}, err
	}
	next.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateHabit(ctx, next); err != nil {
		return Habit{}, fmt.Errorf("update habit %d: %w", id, err)
	}
	s.log.Debug("habit updated", logx.Int64("habit", int64(id)))
	return next, nil
}

// SetActive toggles scheduling for a habit. An in-flight send is not aborted.
func (s *Service) SetActive(ctx context.Context, id ID, active bool) (Habit, error) {
	cur, err := s.repo.GetHabit(ctx, id)
	if err != nil {
		return Habit{}, err
	}
	if cur.Active == active {
		return cur, nil
	}
	cur.Active = active
	cur.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateHabit(ctx, cur); err != nil {
		return Habit{}, fmt.Errorf("update habit %d: %w", id, err)
	}
	return cur, nil
}

// Delete removes a habit. Future slots are never computed for it again;
// existing notification records stay for diagnostics.
func (s *Service) Delete(ctx context.Context, id ID) error {
	if err := s.repo.DeleteHabit(ctx, id); err != nil {
		return err
	}
	s.log.Info("habit deleted", logx.Int64("habit", int64(id)))
	return nil
}
