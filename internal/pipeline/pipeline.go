// Package pipeline executes one task as an ordered sequence of stages:
// Clone/Sync, Parse, Embed, Generate. Every progress callback doubles as a
// cancellation checkpoint; cancellation unwinds through ErrCancelled and ends
// the task in cancelled, never failed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/repowiki/internal/cancelreg"
	"git.home.luguber.info/inful/repowiki/internal/chunk"
	"git.home.luguber.info/inful/repowiki/internal/embed"
	"git.home.luguber.info/inful/repowiki/internal/gitrepo"
	"git.home.luguber.info/inful/repowiki/internal/logfields"
	"git.home.luguber.info/inful/repowiki/internal/metrics"
	"git.home.luguber.info/inful/repowiki/internal/parser"
	"git.home.luguber.info/inful/repowiki/internal/progress"
	"git.home.luguber.info/inful/repowiki/internal/queue"
	"git.home.luguber.info/inful/repowiki/internal/store"
	"git.home.luguber.info/inful/repowiki/internal/vectorstore"
	"git.home.luguber.info/inful/repowiki/internal/wiki"
)

// ErrCancelled is the cancellation sentinel. It propagates cleanly out of
// every stage; the runner never retries it.
var ErrCancelled = errors.New("task cancelled")

// StageName is a strongly-typed stage identifier, also the failed_at_stage
// tag on the task row.
type StageName string

const (
	StageClone    StageName = "cloning"
	StageParse    StageName = "parsing"
	StageEmbed    StageName = "embedding"
	StageGenerate StageName = "generating"
)

// Stage progress anchors: the percentage reported when a stage begins.
// Embedding and generation interpolate within their sub-range.
const (
	pctClone         = 5.0
	pctParse         = 20.0
	pctEmbedStart    = 20.0
	pctEmbedEnd      = 50.0
	pctGenerateStart = 75.0
	pctGenerateEnd   = 95.0
	pctDone          = 100.0
)

// StageDef pairs a stage name with its executing function.
type StageDef struct {
	Name StageName
	Fn   func(ctx context.Context, r *run) error
}

// StageError carries the stage a failure happened in, for failed_at_stage
// stamping by the runner.
type StageError struct {
	Stage StageName
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Pipeline holds the collaborators shared by all runs.
type Pipeline struct {
	Store    *store.Store
	Cancels  cancelreg.Registry
	Bus      progress.Bus
	Git      *gitrepo.Client
	Registry *parser.Registry
	Embedder *embed.Embedder
	Wiki     *wiki.Generator
	Vectors  vectorstore.Store
	Metrics  metrics.Recorder

	// ReposDir is the root under which clones live, one directory per
	// repo id.
	ReposDir string
}

// run is the per-task state threaded through the stages.
type run struct {
	task *store.Task
	repo *store.Repository
	job  queue.Job

	commitHash string
	// changes is set by the sync path of the clone stage.
	changes gitrepo.Changes
	// files are the parse stage's output, ready for embedding.
	files []embed.FileChunks
	// allChunks feeds the repo index.
	allChunks []chunk.Chunk

	result *wiki.Result
	stats  *progress.SyncStats
	// rebuilt means an incremental sync fell back to a fresh clone
	// (diverged history or missing working copy); later stages treat the
	// run as a full rebuild.
	rebuilt bool
	// done short-circuits the remaining stages (empty incremental diff).
	done bool
}

// Result is what Execute reports for the terminal event.
type Result struct {
	WikiID             string
	SkippedPages       []string
	WikiRegenSuggested string
	SyncStats          *progress.SyncStats
}

// Execute runs the task to completion. The returned error is nil (completed),
// ErrCancelled, or a *StageError. Terminal task-row writes for failure and
// cancellation are the caller's job; completion is written here.
func (p *Pipeline) Execute(ctx context.Context, job queue.Job) (*Result, error) {
	task, err := p.Store.GetTask(ctx, job.TaskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	repo, err := p.Store.GetRepository(ctx, job.RepoID)
	if err != nil {
		return nil, fmt.Errorf("load repository: %w", err)
	}
	r := &run{task: task, repo: repo, job: job}

	stages := []StageDef{
		{Name: StageClone, Fn: p.stageCloneSync},
		{Name: StageParse, Fn: p.stageParse},
		{Name: StageEmbed, Fn: p.stageEmbed},
		{Name: StageGenerate, Fn: p.stageGenerate},
	}
	switch task.Type {
	case store.TaskTypeWikiRegenerate:
		stages = []StageDef{{Name: StageGenerate, Fn: p.stageGenerate}}
	case store.TaskTypeParseOnly:
		stages = stages[:3] // index only, no wiki
	}
	if err := p.runStages(ctx, r, stages); err != nil {
		return nil, err
	}
	return p.finish(ctx, r)
}

// runStages executes stages in order, recording timing and stopping on the
// first error.
func (p *Pipeline) runStages(ctx context.Context, r *run, stages []StageDef) error {
	for _, st := range stages {
		if r.done {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}
		t0 := time.Now()
		err := st.Fn(ctx, r)
		dur := time.Since(t0)
		p.Metrics.ObserveStageDuration(string(st.Name), dur)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				p.Metrics.IncStageResult(string(st.Name), metrics.ResultCancelled)
				return ErrCancelled
			}
			p.Metrics.IncStageResult(string(st.Name), metrics.ResultFailed)
			return &StageError{Stage: st.Name, Err: err}
		}
		p.Metrics.IncStageResult(string(st.Name), metrics.ResultSuccess)
		slog.Debug("stage complete",
			logfields.TaskID(r.task.ID),
			logfields.Stage(string(st.Name)),
			logfields.DurationMS(float64(dur.Milliseconds())))
	}
	return nil
}

// progressTo is the shared cancellation checkpoint: check the flag, advance
// the task row, publish the event. The flag dominates; once set, nothing
// further is recorded.
func (p *Pipeline) progressTo(ctx context.Context, r *run, status StageName, pct float64) error {
	set, err := p.Cancels.IsSet(ctx, r.task.ID)
	if err != nil {
		slog.Warn("cancel flag check failed", logfields.TaskID(r.task.ID), logfields.Error(err))
	}
	if set {
		return ErrCancelled
	}
	if err := p.Store.SetStage(ctx, r.task.ID, string(status), pct); err != nil {
		if errors.Is(err, store.ErrTaskCancelled) {
			return ErrCancelled
		}
		return err
	}
	ev := progress.NewEvent(r.task.ID, string(status), string(status), pct)
	if err := p.Bus.Publish(ctx, ev); err != nil {
		slog.Warn("progress publish failed", logfields.TaskID(r.task.ID), logfields.Error(err))
	}
	return nil
}

// finish marks the task completed and publishes the terminal event with the
// generation artifacts attached.
func (p *Pipeline) finish(ctx context.Context, r *run) (*Result, error) {
	out := &Result{SyncStats: r.stats}
	if r.result != nil {
		out.WikiID = r.result.WikiID
		out.SkippedPages = r.result.SkippedPages
		if r.result.FullRegenSuggested {
			out.WikiRegenSuggested = r.result.Reason
		}
	}

	if err := p.Store.SetStage(ctx, r.task.ID, store.TaskCompleted, pctDone); err != nil {
		if errors.Is(err, store.ErrTaskCancelled) {
			return nil, ErrCancelled
		}
		return nil, err
	}
	if err := p.Store.UpdateRepoStatus(ctx, r.repo.ID, store.RepoReady); err != nil {
		return nil, err
	}
	if err := p.Store.SetRepoLastSynced(ctx, r.repo.ID, time.Now()); err != nil {
		return nil, err
	}

	stageLabel := string(StageGenerate)
	if r.task.Type == store.TaskTypeParseOnly {
		stageLabel = string(StageEmbed)
	}
	if r.done {
		stageLabel = "no_changes"
	}
	ev := progress.NewEvent(r.task.ID, store.TaskCompleted, stageLabel, pctDone)
	ev.WikiID = out.WikiID
	ev.SkippedPages = out.SkippedPages
	ev.SyncStats = out.SyncStats
	ev.WikiRegenSuggestion = out.WikiRegenSuggested
	if err := p.Bus.Publish(ctx, ev); err != nil {
		slog.Warn("terminal publish failed", logfields.TaskID(r.task.ID), logfields.Error(err))
	}
	p.Metrics.IncTaskOutcome(store.TaskCompleted)
	return out, nil
}
