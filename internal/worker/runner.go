// Package worker is the worker realm: it consumes jobs from the durable
// queue and drives the pipeline, owning retries, terminal failure and
// cancellation bookkeeping, and ghost-job protection across restarts.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/repowiki/internal/cancelreg"
	"git.home.luguber.info/inful/repowiki/internal/logfields"
	"git.home.luguber.info/inful/repowiki/internal/metrics"
	"git.home.luguber.info/inful/repowiki/internal/pipeline"
	"git.home.luguber.info/inful/repowiki/internal/progress"
	"git.home.luguber.info/inful/repowiki/internal/queue"
	"git.home.luguber.info/inful/repowiki/internal/redact"
	"git.home.luguber.info/inful/repowiki/internal/retry"
	"git.home.luguber.info/inful/repowiki/internal/store"
)

// DefaultRetryPolicy retries a crashed job twice, 30s then 60s.
func DefaultRetryPolicy() retry.Policy {
	return retry.NewPolicy(retry.BackoffLinear, 30*time.Second, 60*time.Second, 2)
}

// Executor runs one job to completion; satisfied by *pipeline.Pipeline.
type Executor interface {
	Execute(ctx context.Context, job queue.Job) (*pipeline.Result, error)
}

// Runner executes jobs delivered by the queue consumer.
type Runner struct {
	ID       string
	Store    *store.Store
	Pipeline Executor
	Cancels  cancelreg.Registry
	Bus      progress.Bus
	Consumer queue.Consumer
	Metrics  metrics.Recorder
	Policy   retry.Policy

	// sleep is swapped in tests so retries do not wait for real time.
	sleep func(ctx context.Context, d time.Duration) error
}

// Run marks tasks orphaned by a previous worker generation as interrupted,
// then consumes the queue until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ids, err := r.Store.MarkInterruptedIfNonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		ev := progress.NewEvent(id, store.TaskInterrupted, "", 0)
		if err := r.Bus.Publish(ctx, ev); err != nil {
			slog.Warn("interrupted publish failed", logfields.TaskID(id), logfields.Error(err))
		}
	}
	if len(ids) > 0 {
		slog.Info("marked orphaned tasks interrupted", logfields.Worker(r.ID), logfields.Count(len(ids)))
	}
	return r.Consumer.Run(ctx, r.Handle)
}

// Handle runs one delivered job to a terminal state. It always returns nil:
// the queue's delivery duty ends here, and whatever happened is recorded on
// the task row and the bus.
func (r *Runner) Handle(ctx context.Context, job queue.Job) error {
	task, err := r.Store.GetTask(ctx, job.TaskID)
	if err != nil || task.Status == store.TaskInterrupted || store.Terminal(task.Status) {
		// Ghost job: the row vanished, a prior generation owned it, or it
		// already finished. Terminate silently.
		slog.Debug("ghost job dropped", logfields.TaskID(job.TaskID), logfields.Worker(r.ID))
		return nil
	}
	if _, err := r.Store.GetRepository(ctx, job.RepoID); err != nil {
		slog.Debug("ghost job dropped, repository missing", logfields.TaskID(job.TaskID))
		return nil
	}
	if err := r.Store.SetTaskRunner(ctx, job.TaskID, r.ID); err != nil {
		slog.Warn("runner id write failed", logfields.TaskID(job.TaskID), logfields.Error(err))
	}

	var execErr error
	for attempt := 0; ; attempt++ {
		_, execErr = r.Pipeline.Execute(ctx, job)
		if execErr == nil {
			r.clearFlag(job.TaskID)
			return nil
		}
		if errors.Is(execErr, pipeline.ErrCancelled) {
			r.finishCancelled(ctx, job)
			return nil
		}
		if attempt >= r.Policy.MaxRetries {
			break
		}
		// Reset to pending for the next attempt; a task that went terminal
		// in the meantime (cancelled, interrupted) is never retried.
		if err := r.Store.ResetTaskForRetry(ctx, job.TaskID); err != nil {
			if errors.Is(err, store.ErrTaskCancelled) {
				r.finishCancelled(ctx, job)
				return nil
			}
			slog.Error("retry reset failed", logfields.TaskID(job.TaskID), logfields.Error(err))
			break
		}
		delay := r.Policy.Delay(attempt + 1)
		slog.Warn("task attempt failed, retrying",
			logfields.TaskID(job.TaskID),
			logfields.Error(errors.New(redact.Scrub(execErr.Error()))),
			slog.Duration("delay", delay))
		if err := r.doSleep(ctx, delay); err != nil {
			break
		}
	}
	r.finishFailed(ctx, job, execErr)
	return nil
}

func (r *Runner) finishCancelled(ctx context.Context, job queue.Job) {
	if _, err := r.Store.CancelTask(ctx, job.TaskID); err != nil {
		slog.Warn("cancel status write failed", logfields.TaskID(job.TaskID), logfields.Error(err))
	}
	// A cancelled run leaves no work in flight; a repo stuck in a transient
	// status becomes submittable again.
	if repo, err := r.Store.GetRepository(ctx, job.RepoID); err == nil && store.RepoTransient(repo.Status) {
		if err := r.Store.UpdateRepoStatus(ctx, job.RepoID, store.RepoPending); err != nil {
			slog.Warn("repo status write failed", logfields.RepoID(job.RepoID), logfields.Error(err))
		}
	}
	ev := progress.NewEvent(job.TaskID, store.TaskCancelled, "", 0)
	if err := r.Bus.Publish(ctx, ev); err != nil {
		slog.Warn("cancelled publish failed", logfields.TaskID(job.TaskID), logfields.Error(err))
	}
	r.clearFlag(job.TaskID)
	r.Metrics.IncTaskOutcome(store.TaskCancelled)
	slog.Info("task cancelled", logfields.TaskID(job.TaskID), logfields.Worker(r.ID))
}

func (r *Runner) finishFailed(ctx context.Context, job queue.Job, execErr error) {
	stage := ""
	var stageErr *pipeline.StageError
	if errors.As(execErr, &stageErr) {
		stage = string(stageErr.Stage)
	}
	msg := redact.Scrub(execErr.Error())
	if err := r.Store.FailTask(ctx, job.TaskID, stage, msg); err != nil {
		slog.Error("failure write failed", logfields.TaskID(job.TaskID), logfields.Error(err))
	}
	if err := r.Store.UpdateRepoStatus(ctx, job.RepoID, store.RepoError); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("repo status write failed", logfields.RepoID(job.RepoID), logfields.Error(err))
	}
	ev := progress.NewEvent(job.TaskID, store.TaskFailed, stage, 0)
	ev.Error = msg
	if err := r.Bus.Publish(ctx, ev); err != nil {
		slog.Warn("failed publish failed", logfields.TaskID(job.TaskID), logfields.Error(err))
	}
	r.clearFlag(job.TaskID)
	r.Metrics.IncTaskOutcome(store.TaskFailed)
	slog.Error("task failed",
		logfields.TaskID(job.TaskID),
		logfields.Stage(stage),
		logfields.Error(errors.New(msg)))
}

func (r *Runner) clearFlag(taskID string) {
	if err := r.Cancels.Clear(context.Background(), taskID); err != nil {
		slog.Debug("cancel flag clear failed", logfields.TaskID(taskID), logfields.Error(err))
	}
}

func (r *Runner) doSleep(ctx context.Context, d time.Duration) error {
	if r.sleep != nil {
		return r.sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
