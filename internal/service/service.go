// Package service is the API realm: it accepts submissions, publishes cancel
// flags, performs cascading deletes and reads status. No pipeline work runs
// here; jobs travel to the worker realm through the queue.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/repowiki/internal/cancelreg"
	"git.home.luguber.info/inful/repowiki/internal/logfields"
	"git.home.luguber.info/inful/repowiki/internal/progress"
	"git.home.luguber.info/inful/repowiki/internal/queue"
	"git.home.luguber.info/inful/repowiki/internal/store"
	"git.home.luguber.info/inful/repowiki/internal/vectorstore"
)

// DefaultDeleteGrace is how long a cascading delete waits after setting
// cancel flags, so a running worker can hit a checkpoint and release its
// write locks.
const DefaultDeleteGrace = 2 * time.Second

// ValidationError reports invalid caller input. Never recorded as a job
// failure.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Service wires the API-side operations.
type Service struct {
	Store   *store.Store
	Cancels cancelreg.Registry
	Queue   queue.Queue
	Bus     progress.Bus
	Vectors vectorstore.Store

	// ReposDir is the clone root, used to locate a repo directory when the
	// row never recorded a local path.
	ReposDir    string
	DeleteGrace time.Duration
}

// SubmitRequest is one repository submission.
type SubmitRequest struct {
	RepoURL  string
	PATToken string
	Branch   string
	Provider string
	Model    string
}

// SubmitResult reports what a submission started.
type SubmitResult struct {
	RepoID   string
	TaskID   string
	TaskType string
}

// Submit registers (or finds) the repository and starts the right task type:
// full_process for a new repository, incremental_sync for a known one. A
// repository with a non-terminal task rejects the submission with
// *store.ErrActiveTaskExists carrying the running task's id.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	ref, err := ParseRepoURL(req.RepoURL)
	if err != nil {
		return nil, err
	}
	branch := req.Branch
	if branch == "" {
		branch = "main"
	}

	taskType := store.TaskTypeFullProcess
	repo, err := s.Store.GetRepositoryByURL(ctx, ref.URL)
	switch {
	case err == nil:
		if repo.Status == store.RepoReady || repo.Status == store.RepoSyncing {
			taskType = store.TaskTypeIncrementalSync
		}
	case errors.Is(err, store.ErrNotFound):
		repo, err = s.Store.CreateRepository(ctx, ref.URL, ref.Name, ref.Platform, branch)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	return s.startTask(ctx, repo, taskType, req, nil)
}

// Reprocess forces a fresh full_process run on an existing repository.
func (s *Service) Reprocess(ctx context.Context, repoID string, req SubmitRequest) (*SubmitResult, error) {
	repo, err := s.Store.GetRepository(ctx, repoID)
	if err != nil {
		return nil, err
	}
	if req.RepoURL == "" {
		req.RepoURL = repo.URL
	}
	return s.startTask(ctx, repo, store.TaskTypeFullProcess, req, nil)
}

// RegenerateWiki starts a wiki_regenerate task. With page ids it regenerates
// only those pages; without, the whole wiki.
func (s *Service) RegenerateWiki(ctx context.Context, repoID string, pages []string) (*SubmitResult, error) {
	repo, err := s.Store.GetRepository(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return s.startTask(ctx, repo, store.TaskTypeWikiRegenerate, SubmitRequest{RepoURL: repo.URL}, pages)
}

func (s *Service) startTask(ctx context.Context, repo *store.Repository, taskType string, req SubmitRequest, pages []string) (*SubmitResult, error) {
	task, err := s.Store.CreateTask(ctx, uuid.NewString(), repo.ID, taskType)
	if err != nil {
		return nil, err
	}
	job := queue.Job{
		TaskID:      task.ID,
		RepoID:      repo.ID,
		RepoURL:     req.RepoURL,
		PATToken:    req.PATToken,
		Branch:      req.Branch,
		LLMProvider: req.Provider,
		LLMModel:    req.Model,
		Pages:       pages,
	}
	if job.RepoURL == "" {
		job.RepoURL = repo.URL
	}
	if err := s.Queue.Enqueue(ctx, job); err != nil {
		// The task row would sit pending forever; mark it failed instead.
		_ = s.Store.FailTask(ctx, task.ID, "", "enqueue failed")
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	slog.Info("task submitted",
		logfields.TaskID(task.ID),
		logfields.RepoID(repo.ID),
		logfields.TaskType(taskType))
	return &SubmitResult{RepoID: repo.ID, TaskID: task.ID, TaskType: taskType}, nil
}

// Cancel requests cooperative cancellation of a task. The registry flag is
// the primary channel; the status write and queue revoke are best-effort. A
// task cancelled before any worker picked it up gets its terminal event
// published here, since no runner will.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	task, err := s.Store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if store.Terminal(task.Status) {
		return store.ErrTaskCancelled
	}
	if err := s.Cancels.Set(ctx, taskID); err != nil {
		return fmt.Errorf("set cancel flag: %w", err)
	}
	if err := s.Queue.Revoke(ctx, taskID); err != nil {
		slog.Warn("queue revoke failed", logfields.TaskID(taskID), logfields.Error(err))
	}
	did, err := s.Store.CancelTask(ctx, taskID)
	if err != nil {
		slog.Warn("cancel status write failed", logfields.TaskID(taskID), logfields.Error(err))
		return nil
	}
	if did && task.Status == store.TaskPending {
		ev := progress.NewEvent(taskID, store.TaskCancelled, task.CurrentStage, task.ProgressPct)
		if err := s.Bus.Publish(ctx, ev); err != nil {
			slog.Warn("cancel publish failed", logfields.TaskID(taskID), logfields.Error(err))
		}
	}
	return nil
}

// Delete removes a repository and every derived artifact: cancel flags for
// its live work, a bounded grace period, then the DB cascade, the vector
// collection and the clone directory.
func (s *Service) Delete(ctx context.Context, repoID string) error {
	repo, err := s.Store.GetRepository(ctx, repoID)
	if err != nil {
		return err
	}

	if active, err := s.Store.ActiveTask(ctx, repoID); err != nil {
		return err
	} else if active != nil {
		if err := s.Cancels.Set(ctx, active.ID); err != nil {
			slog.Warn("cancel flag set failed", logfields.TaskID(active.ID), logfields.Error(err))
		}
		if err := s.Queue.Revoke(ctx, active.ID); err != nil {
			slog.Warn("queue revoke failed", logfields.TaskID(active.ID), logfields.Error(err))
		}
		if _, err := s.Store.CancelTask(ctx, active.ID); err != nil {
			slog.Warn("cancel status write failed", logfields.TaskID(active.ID), logfields.Error(err))
		}
		// Give the worker a checkpoint to notice the flag and release its
		// write locks before we cascade.
		select {
		case <-time.After(s.grace()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.Store.DeleteRepository(ctx, repoID); err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	if err := s.Vectors.DeleteCollection(ctx, vectorstore.CollectionName(repoID)); err != nil {
		slog.Warn("vector collection delete failed", logfields.RepoID(repoID), logfields.Error(err))
	}
	dir := repo.LocalPath
	if dir == "" {
		dir = filepath.Join(s.ReposDir, repoID)
	}
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("clone directory delete failed", logfields.RepoID(repoID), logfields.Error(err))
	}
	slog.Info("repository deleted", logfields.RepoID(repoID), logfields.Repository(repo.Name))
	return nil
}

func (s *Service) grace() time.Duration {
	if s.DeleteGrace <= 0 {
		return DefaultDeleteGrace
	}
	return s.DeleteGrace
}

// RepoStatus is the status read for one repository.
type RepoStatus struct {
	Repository *store.Repository
	ActiveTask *store.Task
	WikiID     string
}

// Status returns the repository, its running task if any, and its wiki id if
// one was generated.
func (s *Service) Status(ctx context.Context, repoID string) (*RepoStatus, error) {
	repo, err := s.Store.GetRepository(ctx, repoID)
	if err != nil {
		return nil, err
	}
	active, err := s.Store.ActiveTask(ctx, repoID)
	if err != nil {
		return nil, err
	}
	out := &RepoStatus{Repository: repo, ActiveTask: active}
	w, err := s.Store.GetWikiByRepo(ctx, repoID)
	switch {
	case err == nil:
		out.WikiID = w.ID
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}
	return out, nil
}

// List returns every registered repository.
func (s *Service) List(ctx context.Context) ([]*store.Repository, error) {
	return s.Store.ListRepositories(ctx)
}
