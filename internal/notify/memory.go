package notify

import (
	"context"
	"sync"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// Memory is an in-process channel used by tests and dry runs.
type Memory struct {
	name string
	fail func(event watch.ContentEvent) error

	mu     sync.Mutex
	events []watch.ContentEvent
}

// NewMemory builds a memory channel. fail, when non-nil, is consulted
// before recording so tests can inject per-event failures.
func NewMemory(name string, fail func(event watch.ContentEvent) error) *Memory {
	return &Memory{name: name, fail: fail}
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Send(_ context.Context, event watch.ContentEvent) error {
	if m.fail != nil {
		if err := m.fail(event); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of everything delivered so far.
func (m *Memory) Events() []watch.ContentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]watch.ContentEvent, len(m.events))
	copy(out, m.events)
	return out
}
