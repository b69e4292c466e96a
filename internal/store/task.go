package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Task statuses. The active statuses form a strict forward order; once a task
// reaches a terminal status no method moves it again.
const (
	TaskPending    = "pending"
	TaskCloning    = "cloning"
	TaskParsing    = "parsing"
	TaskEmbedding  = "embedding"
	TaskGenerating = "generating"

	TaskCompleted   = "completed"
	TaskFailed      = "failed"
	TaskCancelled   = "cancelled"
	TaskInterrupted = "interrupted"
)

// Task types. ParseOnly indexes a repository (clone, parse, embed) without
// generating a wiki.
const (
	TaskTypeFullProcess     = "full_process"
	TaskTypeIncrementalSync = "incremental_sync"
	TaskTypeWikiRegenerate  = "wiki_regenerate"
	TaskTypeParseOnly       = "parse_only"
)

var stageOrder = map[string]int{
	TaskPending:    0,
	TaskCloning:    1,
	TaskParsing:    2,
	TaskEmbedding:  3,
	TaskGenerating: 4,
	TaskCompleted:  5,
}

// ErrTaskCancelled is returned by SetStage when the task was already moved to
// a terminal status (typically cancelled by another process). Callers treat
// it as the stop signal for the running pipeline.
var ErrTaskCancelled = errors.New("task is no longer active")

// ErrActiveTaskExists is returned by CreateTask when the repository already
// has a non-terminal task.
type ErrActiveTaskExists struct {
	TaskID string
}

func (e *ErrActiveTaskExists) Error() string {
	return fmt.Sprintf("repository already has active task %s", e.TaskID)
}

// Task is one processing job for a repository.
type Task struct {
	ID             string
	RepoID         string
	Type           string
	Status         string
	ProgressPct    float64
	CurrentStage   string
	ErrorMsg       string
	RunnerID       string
	FailedAtStage  string
	FilesTotal     int
	FilesProcessed int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether status is one of the four terminal statuses.
func Terminal(status string) bool {
	switch status {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskInterrupted:
		return true
	}
	return false
}

// CreateTask inserts a pending task. It refuses when the repository already
// has a non-terminal task, returning *ErrActiveTaskExists with its id.
func (s *Store) CreateTask(ctx context.Context, id, repoID, taskType string) (*Task, error) {
	if existing, err := s.ActiveTask(ctx, repoID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, &ErrActiveTaskExists{TaskID: existing.ID}
	}
	ts := now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, repo_id, type, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, repoID, taskType, TaskPending, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &Task{
		ID: id, RepoID: repoID, Type: taskType, Status: TaskPending,
		CreatedAt: time.Unix(ts, 0).UTC(), UpdatedAt: time.Unix(ts, 0).UTC(),
	}, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	return scanTaskRow(s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id))
}

// ActiveTask returns the repository's non-terminal task, or nil.
func (s *Store) ActiveTask(ctx context.Context, repoID string) (*Task, error) {
	t, err := scanTaskRow(s.db.QueryRowContext(ctx,
		taskSelect+` WHERE repo_id = ? AND status NOT IN (?, ?, ?, ?) ORDER BY created_at DESC LIMIT 1`,
		repoID, TaskCompleted, TaskFailed, TaskCancelled, TaskInterrupted))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return t, err
}

// HasActiveTasks reports whether any non-terminal task exists, across all
// repositories.
func (s *Store) HasActiveTasks(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status NOT IN (?, ?, ?, ?)`,
		TaskCompleted, TaskFailed, TaskCancelled, TaskInterrupted).Scan(&n)
	return n > 0, err
}

// SetStage advances the task to the given active status (or completed) and
// records progress. Transitions only move forward; if the task is already in
// a terminal status the update is refused and ErrTaskCancelled is returned,
// which is how a concurrent cancel reaches the running pipeline.
func (s *Store) SetStage(ctx context.Context, id, status string, progressPct float64) error {
	target, ok := stageOrder[status]
	if !ok {
		return fmt.Errorf("not a stage status: %q", status)
	}
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if Terminal(t.Status) {
		return ErrTaskCancelled
	}
	if stageOrder[t.Status] > target {
		return fmt.Errorf("refusing backward transition %s -> %s", t.Status, status)
	}
	stage := status
	if status == TaskCompleted {
		stage = t.CurrentStage
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, current_stage = ?, progress_pct = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		status, stage, progressPct, now(), id,
		TaskCompleted, TaskFailed, TaskCancelled, TaskInterrupted)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race with a cancel between the read and the write.
		return ErrTaskCancelled
	}
	return nil
}

// SetProgress updates progress_pct without changing status. Refused on
// terminal tasks, same contract as SetStage.
func (s *Store) SetProgress(ctx context.Context, id string, progressPct float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET progress_pct = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		progressPct, now(), id, TaskCompleted, TaskFailed, TaskCancelled, TaskInterrupted)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskCancelled
	}
	return nil
}

// FailTask marks the task failed with a (pre-scrubbed) error message and the
// stage it failed in. No-op when the task already reached a terminal status.
func (s *Store) FailTask(ctx context.Context, id, stage, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error_msg = ?, failed_at_stage = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		TaskFailed, errMsg, stage, now(), id,
		TaskCompleted, TaskFailed, TaskCancelled, TaskInterrupted)
	return err
}

// CancelTask marks the task cancelled unless it already reached a terminal
// status. Returns true when this call performed the transition.
func (s *Store) CancelTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		TaskCancelled, now(), id,
		TaskCompleted, TaskFailed, TaskCancelled, TaskInterrupted)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkInterruptedIfNonTerminal flips every non-terminal task to interrupted
// and moves their repositories out of transient states, also to interrupted,
// unless already ready or error. Called once at worker boot so jobs that died
// with the previous process do not look alive. Returns the task ids flipped.
func (s *Store) MarkInterruptedIfNonTerminal(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, repo_id FROM tasks WHERE status NOT IN (?, ?, ?, ?)`,
		TaskCompleted, TaskFailed, TaskCancelled, TaskInterrupted)
	if err != nil {
		return nil, err
	}
	var ids, repoIDs []string
	for rows.Next() {
		var id, repoID string
		if err := rows.Scan(&id, &repoID); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		repoIDs = append(repoIDs, repoID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE status NOT IN (?, ?, ?, ?)`,
		TaskInterrupted, now(),
		TaskCompleted, TaskFailed, TaskCancelled, TaskInterrupted)
	if err != nil {
		return nil, err
	}
	for _, repoID := range repoIDs {
		_, err = s.db.ExecContext(ctx,
			`UPDATE repositories SET status = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?)`,
			RepoInterrupted, now(), repoID, RepoReady, RepoError)
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// ResetTaskForRetry puts a non-terminal task back to pending so the runner
// can re-execute it. Refused on terminal tasks.
func (s *Store) ResetTaskForRetry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, progress_pct = 0, current_stage = NULL, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		TaskPending, now(), id,
		TaskCompleted, TaskFailed, TaskCancelled, TaskInterrupted)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskCancelled
	}
	return nil
}

func (s *Store) SetTaskRunner(ctx context.Context, id, runnerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET runner_id = ?, updated_at = ? WHERE id = ?`, runnerID, now(), id)
	return err
}

// SetTaskFileCounts records how many files the parse stage discovered and how
// many have been embedded so far.
func (s *Store) SetTaskFileCounts(ctx context.Context, id string, total, processed int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET files_total = ?, files_processed = ?, updated_at = ? WHERE id = ?`,
		total, processed, now(), id)
	return err
}

const taskSelect = `SELECT id, repo_id, type, status, progress_pct, current_stage, error_msg, runner_id, failed_at_stage, files_total, files_processed, created_at, updated_at FROM tasks`

func scanTaskRow(row rowScanner) (*Task, error) {
	var t Task
	var stage, errMsg, runner, failedAt sql.NullString
	var created, updated int64
	err := row.Scan(&t.ID, &t.RepoID, &t.Type, &t.Status, &t.ProgressPct, &stage, &errMsg, &runner, &failedAt, &t.FilesTotal, &t.FilesProcessed, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.CurrentStage = stage.String
	t.ErrorMsg = errMsg.String
	t.RunnerID = runner.String
	t.FailedAtStage = failedAt.String
	t.CreatedAt = time.Unix(created, 0).UTC()
	t.UpdatedAt = time.Unix(updated, 0).UTC()
	return &t, nil
}
