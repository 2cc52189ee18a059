package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"pumpd/internal/schedule"
)

const memoryActivationCap = 1000

type memoryStore struct {
	mu          sync.RWMutex
	schedules   map[string]schedule.Schedule
	activations []schedule.Activation
	closed      bool
	now         func() time.Time
}

// NewMemory returns an in-process store. Activations are kept in a bounded ring.
func NewMemory() Store {
	return &memoryStore{schedules: map[string]schedule.Schedule{}, now: time.Now}
}

func (m *memoryStore) FindAll(ctx context.Context) ([]schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]schedule.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) FindByID(ctx context.Context, id string) (*schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	s, ok := m.schedules[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memoryStore) Save(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return s, ErrClosed
	}
	if prev, ok := m.schedules[s.ID]; ok {
		s.CreatedAt = prev.CreatedAt
	}
	s, err := prepareSave(s, m.now())
	if err != nil {
		return s, err
	}
	m.schedules[s.ID] = s
	return s, nil
}

func (m *memoryStore) DeleteByID(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.schedules, id)
	return nil
}

func (m *memoryStore) AppendActivation(ctx context.Context, a schedule.Activation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.activations = append(m.activations, a)
	if over := len(m.activations) - memoryActivationCap; over > 0 {
		m.activations = append(m.activations[:0:0], m.activations[over:]...)
	}
	return nil
}

func (m *memoryStore) RecentActivations(ctx context.Context, scheduleID string, limit int) ([]schedule.Activation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	limit = clampLimit(limit)
	out := make([]schedule.Activation, 0, limit)
	for i := len(m.activations) - 1; i >= 0 && len(out) < limit; i-- {
		if scheduleID == "" || m.activations[i].ScheduleID == scheduleID {
			out = append(out, m.activations[i])
		}
	}
	return out, nil
}

func (m *memoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
