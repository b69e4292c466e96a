package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"git.home.luguber.info/inful/repowiki/internal/logfields"
	"git.home.luguber.info/inful/repowiki/internal/queue"
	"git.home.luguber.info/inful/repowiki/internal/store"
)

// SyncScheduler periodically enqueues incremental_sync tasks for every ready
// repository. Repositories with a running task are skipped; the next tick
// catches them.
type SyncScheduler struct {
	Store    *store.Store
	Queue    queue.Queue
	Interval time.Duration

	scheduler gocron.Scheduler
}

// Start registers the periodic job and begins ticking. A zero interval
// disables scheduling entirely.
func (s *SyncScheduler) Start(ctx context.Context) error {
	if s.Interval <= 0 {
		return nil
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.Interval),
		gocron.NewTask(s.tick, ctx),
		gocron.WithName("periodic-sync"),
	)
	if err != nil {
		return fmt.Errorf("schedule periodic sync: %w", err)
	}
	s.scheduler = sched
	sched.Start()
	slog.Info("periodic sync scheduled", slog.Duration("interval", s.Interval))
	return nil
}

// Stop shuts the scheduler down.
func (s *SyncScheduler) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}

func (s *SyncScheduler) tick(ctx context.Context) {
	repos, err := s.Store.ListRepositories(ctx)
	if err != nil {
		slog.Error("periodic sync list failed", logfields.Error(err))
		return
	}
	for _, repo := range repos {
		if repo.Status != store.RepoReady {
			continue
		}
		if err := s.enqueueSync(ctx, repo); err != nil {
			var conflict *store.ErrActiveTaskExists
			if errors.As(err, &conflict) {
				continue
			}
			slog.Error("periodic sync enqueue failed", logfields.RepoID(repo.ID), logfields.Error(err))
		}
	}
}

func (s *SyncScheduler) enqueueSync(ctx context.Context, repo *store.Repository) error {
	task, err := s.Store.CreateTask(ctx, uuid.NewString(), repo.ID, store.TaskTypeIncrementalSync)
	if err != nil {
		return err
	}
	job := queue.Job{
		TaskID:  task.ID,
		RepoID:  repo.ID,
		RepoURL: repo.URL,
		Branch:  repo.DefaultBranch,
	}
	if err := s.Queue.Enqueue(ctx, job); err != nil {
		_ = s.Store.FailTask(ctx, task.ID, "", "enqueue failed")
		return err
	}
	slog.Info("periodic sync enqueued", logfields.TaskID(task.ID), logfields.RepoID(repo.ID))
	return nil
}
