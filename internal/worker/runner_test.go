package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/repowiki/internal/cancelreg"
	"git.home.luguber.info/inful/repowiki/internal/metrics"
	"git.home.luguber.info/inful/repowiki/internal/pipeline"
	"git.home.luguber.info/inful/repowiki/internal/progress"
	"git.home.luguber.info/inful/repowiki/internal/queue"
	"git.home.luguber.info/inful/repowiki/internal/retry"
	"git.home.luguber.info/inful/repowiki/internal/store"
)

// stubExecutor scripts one outcome per attempt.
type stubExecutor struct {
	errs     []error
	attempts int
	// perAttempt runs before each attempt's scripted result, for mid-run
	// state changes.
	perAttempt func(attempt int)
}

func (s *stubExecutor) Execute(_ context.Context, _ queue.Job) (*pipeline.Result, error) {
	if s.perAttempt != nil {
		s.perAttempt(s.attempts)
	}
	var err error
	if s.attempts < len(s.errs) {
		err = s.errs[s.attempts]
	}
	s.attempts++
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{}, nil
}

type fixture struct {
	runner  *Runner
	store   *store.Store
	bus     *progress.Memory
	cancels *cancelreg.Memory
	exec    *stubExecutor
	repo    *store.Repository
	task    *store.Task
}

func newFixture(t *testing.T, exec *stubExecutor) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	repo, err := st.CreateRepository(ctx, "https://github.com/acme/widgets", "widgets", "github", "main")
	require.NoError(t, err)
	task, err := st.CreateTask(ctx, "task-1", repo.ID, store.TaskTypeFullProcess)
	require.NoError(t, err)

	bus := progress.NewMemory()
	cancels := cancelreg.NewMemory(time.Hour)
	return &fixture{
		runner: &Runner{
			ID:       "worker-test",
			Store:    st,
			Pipeline: exec,
			Cancels:  cancels,
			Bus:      bus,
			Metrics:  metrics.NoopRecorder{},
			Policy:   retry.NewPolicy(retry.BackoffLinear, time.Millisecond, 2*time.Millisecond, 2),
			sleep:    func(context.Context, time.Duration) error { return nil },
		},
		store:   st,
		bus:     bus,
		cancels: cancels,
		exec:    exec,
		repo:    repo,
		task:    task,
	}
}

func (f *fixture) job() queue.Job {
	return queue.Job{TaskID: f.task.ID, RepoID: f.repo.ID, RepoURL: f.repo.URL}
}

func TestHandleSuccessFirstAttempt(t *testing.T) {
	f := newFixture(t, &stubExecutor{})
	require.NoError(t, f.runner.Handle(context.Background(), f.job()))
	assert.Equal(t, 1, f.exec.attempts)
}

func TestHandleRetriesThenSucceeds(t *testing.T) {
	boom := errors.New("vector store unreachable")
	f := newFixture(t, &stubExecutor{errs: []error{boom, boom}})

	require.NoError(t, f.runner.Handle(context.Background(), f.job()))
	assert.Equal(t, 3, f.exec.attempts)

	// Each retry reset the task to pending first; the stub's success leaves
	// it wherever the pipeline would, here still pending.
	task, err := f.store.GetTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.NotEqual(t, store.TaskFailed, task.Status)
}

func TestHandleFailsAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	boom := &pipeline.StageError{Stage: pipeline.StageEmbed, Err: errors.New("provider down, token ghp_9f8e7d6c5b4a39281716 leaked")}
	f := newFixture(t, &stubExecutor{errs: []error{boom, boom, boom}})

	require.NoError(t, f.runner.Handle(ctx, f.job()))
	assert.Equal(t, 3, f.exec.attempts)

	task, err := f.store.GetTask(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, task.Status)
	assert.Equal(t, string(pipeline.StageEmbed), task.FailedAtStage)
	assert.NotContains(t, task.ErrorMsg, "ghp_9f8e7d6c5b4a39281716")
	assert.Contains(t, task.ErrorMsg, "[REDACTED]")

	repo, err := f.store.GetRepository(ctx, f.repo.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RepoError, repo.Status)

	events := f.bus.EventsFor(f.task.ID)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, store.TaskFailed, last.Status)
	assert.NotContains(t, last.Error, "ghp_9f8e7d6c5b4a39281716")
}

func TestHandleNeverRetriesCancellation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubExecutor{errs: []error{pipeline.ErrCancelled}})
	require.NoError(t, f.cancels.Set(ctx, "task-1"))
	require.NoError(t, f.store.UpdateRepoStatus(ctx, f.repo.ID, store.RepoCloning))

	require.NoError(t, f.runner.Handle(ctx, f.job()))
	assert.Equal(t, 1, f.exec.attempts)

	task, err := f.store.GetTask(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCancelled, task.Status)

	// The flag is released and the repo is submittable again.
	set, err := f.cancels.IsSet(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, set)
	repo, err := f.store.GetRepository(ctx, f.repo.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RepoPending, repo.Status)

	events := f.bus.EventsFor(f.task.ID)
	require.NotEmpty(t, events)
	assert.Equal(t, store.TaskCancelled, events[len(events)-1].Status)
}

func TestHandleStopsRetryingWhenTaskWentTerminal(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("transient")
	var f *fixture
	exec := &stubExecutor{
		errs: []error{boom, boom, boom},
		perAttempt: func(attempt int) {
			if attempt == 1 {
				// Someone cancelled between attempts.
				_, _ = f.store.CancelTask(ctx, "task-1")
			}
		},
	}
	f = newFixture(t, exec)

	require.NoError(t, f.runner.Handle(ctx, f.job()))
	// Attempt 2 ran, then the reset before attempt 3 hit the terminal row.
	assert.Equal(t, 2, f.exec.attempts)
	task, err := f.store.GetTask(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCancelled, task.Status)
}

func TestHandleDropsGhostJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubExecutor{})

	// Missing task row.
	require.NoError(t, f.runner.Handle(ctx, queue.Job{TaskID: "nope", RepoID: f.repo.ID}))
	assert.Zero(t, f.exec.attempts)

	// Interrupted task row.
	_, err := f.store.MarkInterruptedIfNonTerminal(ctx)
	require.NoError(t, err)
	require.NoError(t, f.runner.Handle(ctx, f.job()))
	assert.Zero(t, f.exec.attempts)
	task, err := f.store.GetTask(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskInterrupted, task.Status)
}

func TestRunMarksOrphansInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, &stubExecutor{})
	q := queue.NewMemory()
	f.runner.Consumer = q

	done := make(chan error, 1)
	go func() { done <- f.runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		task, err := f.store.GetTask(context.Background(), f.task.ID)
		return err == nil && task.Status == store.TaskInterrupted
	}, time.Second, 10*time.Millisecond)

	events := f.bus.EventsFor(f.task.ID)
	require.NotEmpty(t, events)
	assert.Equal(t, store.TaskInterrupted, events[0].Status)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSchedulerEnqueuesReadyRepos(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ready, err := st.CreateRepository(ctx, "https://github.com/acme/a", "a", "github", "main")
	require.NoError(t, err)
	require.NoError(t, st.UpdateRepoStatus(ctx, ready.ID, store.RepoReady))
	pending, err := st.CreateRepository(ctx, "https://github.com/acme/b", "b", "github", "main")
	require.NoError(t, err)

	q := queue.NewMemory()
	s := &SyncScheduler{Store: st, Queue: q, Interval: time.Hour}
	s.tick(ctx)

	assert.Equal(t, 1, q.Pending())
	task, err := st.ActiveTask(ctx, ready.ID)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, store.TaskTypeIncrementalSync, task.Type)
	noTask, err := st.ActiveTask(ctx, pending.ID)
	require.NoError(t, err)
	assert.Nil(t, noTask)

	// A second tick skips the repo with the active task.
	s.tick(ctx)
	assert.Equal(t, 1, q.Pending())
}
