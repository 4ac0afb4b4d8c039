package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"habitbot/internal/habit"
	"habitbot/internal/notification"
)

// Memory is an in-process Store. All operations are serialized by one mutex,
// which makes Claim and Finish trivially atomic.
type Memory struct {
	mu     sync.Mutex
	nextID habit.ID
	habits map[habit.ID]habit.Habit
	users  map[habit.UserID]habit.User
	recs   map[notification.Key]notification.Record
}

func NewMemory() *Memory {
	return &Memory{
		habits: make(map[habit.ID]habit.Habit),
		users:  make(map[habit.UserID]habit.User),
		recs:   make(map[notification.Key]notification.Record),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) GetHabit(_ context.Context, id habit.ID) (habit.Habit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.habits[id]
	if !ok {
		return habit.Habit{}, habit.ErrHabitNotFound
	}
	return h, nil
}

func (m *Memory) CreateHabit(_ context.Context, h habit.Habit) (habit.Habit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	h.ID = m.nextID
	m.habits[h.ID] = h
	return h, nil
}

func (m *Memory) UpdateHabit(_ context.Context, h habit.Habit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.habits[h.ID]; !ok {
		return habit.ErrHabitNotFound
	}
	m.habits[h.ID] = h
	return nil
}

func (m *Memory) DeleteHabit(_ context.Context, id habit.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.habits[id]; !ok {
		return habit.ErrHabitNotFound
	}
	delete(m.habits, id)
	return nil
}

func (m *Memory) ActiveHabits(context.Context) ([]habit.Habit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]habit.Habit, 0, len(m.habits))
	for _, h := range m.habits {
		if h.Active {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetUser(_ context.Context, id habit.UserID) (habit.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return habit.User{}, habit.ErrUserNotFound
	}
	return u, nil
}

func (m *Memory) PutUser(_ context.Context, u habit.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *Memory) Latest(_ context.Context, id habit.ID) (notification.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  notification.Record
		found bool
	)
	for k, r := range m.recs {
		if k.HabitID != id {
			continue
		}
		if !found || r.Slot.After(best.Slot) {
			best, found = r, true
		}
	}
	return best, found, nil
}

func (m *Memory) GetNotification(_ context.Context, key notification.Key) (notification.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[normKey(key)]
	return r, ok, nil
}

func (m *Memory) Claim(_ context.Context, key notification.Key, token string, now time.Time) (notification.Record, bool, error) {
	key = normKey(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[key]
	if !ok {
		r = notification.NewRecord(key, now)
	}
	c, err := notification.Claim(r, token, now)
	if err != nil {
		if !ok {
			m.recs[key] = r
		}
		return r, false, nil
	}
	m.recs[key] = c
	return c, true, nil
}

func (m *Memory) Finish(_ context.Context, rec notification.Record) (bool, error) {
	key := normKey(rec.Key)
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recs[key]
	if !ok || cur.Status != notification.Sending || cur.ClaimToken != rec.ClaimToken {
		return false, nil
	}
	rec.Key = key
	m.recs[key] = rec
	return true, nil
}

func (m *Memory) InFlight(_ context.Context, claimedBefore time.Time) ([]notification.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []notification.Record
	for _, r := range m.recs {
		if r.Status == notification.Sending && r.ClaimedAt.Before(claimedBefore) {
			out = append(out, r)
		}
	}
	sortBySlot(out, false)
	return out, nil
}

func (m *Memory) ListDead(_ context.Context, limit int) ([]notification.Record, error) {
	return m.list(func(r notification.Record) bool { return r.Status == notification.Dead }, limit), nil
}

func (m *Memory) ListByHabit(_ context.Context, id habit.ID, limit int) ([]notification.Record, error) {
	return m.list(func(r notification.Record) bool { return r.HabitID == id }, limit), nil
}

func (m *Memory) list(keep func(notification.Record) bool, limit int) []notification.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []notification.Record
	for _, r := range m.recs {
		if keep(r) {
			out = append(out, r)
		}
	}
	sortBySlot(out, true)
	if l := clampLimit(limit); len(out) > l {
		out = out[:l]
	}
	return out
}

func sortBySlot(rs []notification.Record, desc bool) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if !a.Slot.Equal(b.Slot) {
			if desc {
				return a.Slot.After(b.Slot)
			}
			return a.Slot.Before(b.Slot)
		}
		return a.HabitID < b.HabitID
	})
}

func normKey(k notification.Key) notification.Key {
	return notification.NewKey(k.HabitID, k.Slot)
}
