// Package queue carries processing jobs from the API realm to the worker
// realm. A job is acknowledged only after the runner is completely done with
// it, so a worker crash returns the job to the queue instead of losing it.
package queue

import (
	"context"
	"sync"
)

// Job is one unit of work. PATToken travels only on the wire between realms;
// it is never persisted and never logged.
type Job struct {
	TaskID      string `json:"task_id"`
	RepoID      string `json:"repo_id"`
	RepoURL     string `json:"repo_url"`
	PATToken    string `json:"pat_token,omitempty"`
	Branch      string `json:"branch,omitempty"`
	LLMProvider string `json:"llm_provider,omitempty"`
	LLMModel    string `json:"llm_model,omitempty"`
	// Pages restricts a wiki_regenerate job to specific page ids.
	Pages []string `json:"pages,omitempty"`
}

// Handler processes one job. The job is acknowledged when Handler returns,
// regardless of error: the runner owns retries, the queue only owns delivery.
type Handler func(ctx context.Context, job Job) error

// Queue is the producer and control side.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Revoke removes a not-yet-delivered job for the task. Best effort: a
	// job already in a worker's hands is stopped via the cancellation
	// registry instead.
	Revoke(ctx context.Context, taskID string) error
}

// Consumer is the worker side. Run blocks, delivering jobs one at a time,
// until ctx is cancelled.
type Consumer interface {
	Run(ctx context.Context, handle Handler) error
}

// Memory is an in-process Queue and Consumer for tests and single-process
// deployments.
type Memory struct {
	mu      sync.Mutex
	jobs    []Job
	revoked map[string]bool
	wake    chan struct{}
}

func NewMemory() *Memory {
	return &Memory{revoked: make(map[string]bool), wake: make(chan struct{}, 1)}
}

func (m *Memory) Enqueue(_ context.Context, job Job) error {
	m.mu.Lock()
	m.jobs = append(m.jobs, job)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) Revoke(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[taskID] = true
	return nil
}

func (m *Memory) Run(ctx context.Context, handle Handler) error {
	for {
		job, ok := m.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.wake:
				continue
			}
		}
		_ = handle(ctx, job)
	}
}

func (m *Memory) next() (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.jobs) > 0 {
		job := m.jobs[0]
		m.jobs = m.jobs[1:]
		if m.revoked[job.TaskID] {
			delete(m.revoked, job.TaskID)
			continue
		}
		return job, true
	}
	return Job{}, false
}

// Pending returns how many jobs are waiting, for assertions.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}
