package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. State is lost on restart.
type Memory struct {
	mu      sync.Mutex
	state   State
	history []Entry
	byID    map[uuid.UUID]int
	now     func() time.Time
}

// NewMemory returns a Memory store starting at baseline.
func NewMemory(baseline State) *Memory {
	m := &Memory{state: baseline, byID: make(map[uuid.UUID]int), now: time.Now}
	if m.state.UpdatedAt.IsZero() {
		m.state.UpdatedAt = m.now().UTC()
	}
	return m
}

func (m *Memory) State(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *Memory) UpdateState(_ context.Context, fn func(*State)) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state
	fn(&next)
	next.UpdatedAt = m.now().UTC()
	m.state = next
	return next, nil
}

func (m *Memory) Append(_ context.Context, e Entry, reset *State) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e = prepare(e, now)
	if i, ok := m.byID[e.ID]; ok {
		return m.history[i], nil
	}
	m.byID[e.ID] = len(m.history)
	m.history = append(m.history, e)
	if reset != nil {
		paused := m.state.Paused
		m.state = *reset
		m.state.Paused = paused
		m.state.UpdatedAt = now.UTC()
	}
	return e, nil
}

func (m *Memory) History(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if limit > 0 && len(m.history) > limit {
		start = len(m.history) - limit
	}
	return append([]Entry(nil), m.history[start:]...), nil
}

func (m *Memory) Close() error { return nil }
