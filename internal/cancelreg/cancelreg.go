// Package cancelreg is the cross-process cancellation flag registry. The API
// realm raises a flag, the worker realm polls it at every progress step.
// Flags expire on their own so a crashed worker never leaves a repository
// permanently "being cancelled".
package cancelreg

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long a raised flag stays visible before expiring.
const DefaultTTL = time.Hour

// Registry is the cancellation flag store.
type Registry interface {
	// Set raises the cancellation flag for the task.
	Set(ctx context.Context, taskID string) error
	// IsSet reports whether the flag is currently raised.
	IsSet(ctx context.Context, taskID string) (bool, error)
	// Clear lowers the flag. Clearing an absent flag is not an error.
	Clear(ctx context.Context, taskID string) error
}

// Key returns the registry key for a task id.
func Key(taskID string) string { return "cancel:" + taskID }

// Memory is an in-process Registry with per-flag expiry. Used in tests and
// single-process deployments without NATS.
type Memory struct {
	mu    sync.Mutex
	ttl   time.Duration
	flags map[string]time.Time
	clock func() time.Time
}

// NewMemory returns a Memory registry with ttl (DefaultTTL when <= 0).
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, flags: make(map[string]time.Time), clock: time.Now}
}

func (m *Memory) Set(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[Key(taskID)] = m.clock().Add(m.ttl)
	return nil
}

func (m *Memory) IsSet(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deadline, ok := m.flags[Key(taskID)]
	if !ok {
		return false, nil
	}
	if m.clock().After(deadline) {
		delete(m.flags, Key(taskID))
		return false, nil
	}
	return true, nil
}

func (m *Memory) Clear(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, Key(taskID))
	return nil
}
