// Package progress is the task progress bus. The worker publishes one event
// per status change, the API realm relays them to SSE clients. Delivery is
// fire-and-forget: the database remains the durable record, the bus only
// makes it live.
package progress

import (
	"context"
	"math"
	"sync"
	"time"
)

// Event is one progress update for a task.
type Event struct {
	TaskID      string  `json:"task_id"`
	Status      string  `json:"status"`
	ProgressPct float64 `json:"progress_pct"`
	Stage       string  `json:"stage,omitempty"`
	Timestamp   string  `json:"timestamp"`
	Error       string  `json:"error,omitempty"`

	WikiID string `json:"wiki_id,omitempty"`
	// WikiRegenSuggestion carries the human-readable reason a full wiki
	// regeneration is recommended; empty when none is.
	WikiRegenSuggestion string     `json:"wiki_regen_suggestion,omitempty"`
	SkippedPages        []string   `json:"skipped_pages,omitempty"`
	SyncStats           *SyncStats `json:"sync_stats,omitempty"`
}

// SyncStats summarizes an incremental sync for the final event.
type SyncStats struct {
	Added    int `json:"added"`
	Modified int `json:"modified"`
	Deleted  int `json:"deleted"`
}

// NewEvent builds an event with the timestamp stamped and the percentage
// rounded to one decimal.
func NewEvent(taskID, status, stage string, pct float64) Event {
	return Event{
		TaskID:      taskID,
		Status:      status,
		Stage:       stage,
		ProgressPct: RoundPct(pct),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

// RoundPct rounds to one decimal place, the resolution clients display.
func RoundPct(pct float64) float64 {
	return math.Round(pct*10) / 10
}

// Bus publishes and subscribes to per-task progress events.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe delivers events for taskID on the returned channel until
	// cancel is called. Slow consumers may miss events.
	Subscribe(ctx context.Context, taskID string) (<-chan Event, func(), error)
}

// Memory is an in-process Bus for tests and single-process deployments.
type Memory struct {
	mu   sync.Mutex
	subs map[string][]chan Event
	// Events retains everything published, for assertions.
	events []Event
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]chan Event)}
}

func (m *Memory) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	subs := append([]chan Event(nil), m.subs[ev.TaskID]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default: // slow consumer, drop
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, taskID string) (<-chan Event, func(), error) {
	ch := make(chan Event, 64)
	m.mu.Lock()
	m.subs[taskID] = append(m.subs[taskID], ch)
	m.mu.Unlock()
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.subs[taskID]
		for i, c := range list {
			if c == ch {
				m.subs[taskID] = append(list[:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// EventsFor returns the published events for one task.
func (m *Memory) EventsFor(taskID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out
}
