package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/repowiki/internal/chunker"
	"git.home.luguber.info/inful/repowiki/internal/embed"
	"git.home.luguber.info/inful/repowiki/internal/gitrepo"
	"git.home.luguber.info/inful/repowiki/internal/logfields"
	"git.home.luguber.info/inful/repowiki/internal/parser"
	"git.home.luguber.info/inful/repowiki/internal/progress"
	"git.home.luguber.info/inful/repowiki/internal/repoindex"
	"git.home.luguber.info/inful/repowiki/internal/store"
	"git.home.luguber.info/inful/repowiki/internal/vectorstore"
	"git.home.luguber.info/inful/repowiki/internal/wiki"
)

// stageCloneSync materializes the working copy. Full-process tasks clone from
// scratch; incremental tasks fetch, diff against the remote branch, clean up
// vectors for modified and deleted files, then fast-forward. A diverged or
// missing working copy degrades to a fresh clone and a full rebuild.
func (p *Pipeline) stageCloneSync(ctx context.Context, r *run) error {
	if err := p.progressTo(ctx, r, StageClone, pctClone); err != nil {
		return err
	}
	dest := filepath.Join(p.ReposDir, r.repo.ID)
	branch := r.job.Branch
	if branch == "" {
		branch = r.repo.DefaultBranch
	}

	if r.task.Type == store.TaskTypeFullProcess || !workingCopyExists(r.repo.LocalPath) {
		return p.cloneFresh(ctx, r, branch, dest)
	}
	return p.syncExisting(ctx, r, branch, dest)
}

func workingCopyExists(localPath string) bool {
	if localPath == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(localPath, ".git"))
	return err == nil
}

func (p *Pipeline) cloneFresh(ctx context.Context, r *run, branch, dest string) error {
	if err := p.Store.UpdateRepoStatus(ctx, r.repo.ID, store.RepoCloning); err != nil {
		return err
	}
	hash, err := p.Git.Clone(ctx, r.job.RepoURL, r.job.PATToken, branch, dest)
	if err != nil {
		return err
	}
	if err := p.Store.SetRepoLocalPath(ctx, r.repo.ID, dest); err != nil {
		return err
	}
	r.repo.LocalPath = dest
	r.commitHash = hash
	if r.task.Type != store.TaskTypeFullProcess {
		r.rebuilt = true
	}
	slog.Info("repository cloned",
		logfields.RepoID(r.repo.ID),
		logfields.Branch(branch),
		logfields.Commit(hash))
	return nil
}

func (p *Pipeline) syncExisting(ctx context.Context, r *run, branch, dest string) error {
	if err := p.Store.UpdateRepoStatus(ctx, r.repo.ID, store.RepoSyncing); err != nil {
		return err
	}
	dir := r.repo.LocalPath
	if err := p.Git.Fetch(ctx, dir, r.job.PATToken); err != nil {
		return err
	}
	changes, err := p.Git.DiffNameStatus(ctx, dir, branch)
	if err != nil {
		return err
	}
	if changes.Empty() {
		r.stats = &progress.SyncStats{}
		r.done = true
		slog.Info("repository already up to date", logfields.RepoID(r.repo.ID))
		return nil
	}

	// Old vectors for modified and deleted files go first, so a crash
	// between here and re-embedding leaves those files unprocessed rather
	// than doubled.
	if err := p.dropStaleVectors(ctx, r, changes); err != nil {
		return err
	}

	hash, err := p.Git.FastForward(ctx, dir, branch)
	if errors.Is(err, gitrepo.ErrDiverged) {
		slog.Warn("branch diverged, recloning", logfields.RepoID(r.repo.ID), logfields.Branch(branch))
		return p.cloneFresh(ctx, r, branch, dest)
	}
	if err != nil {
		return err
	}
	r.commitHash = hash
	r.changes = changes
	r.stats = &progress.SyncStats{
		Added:    len(changes.Added),
		Modified: len(changes.Modified),
		Deleted:  len(changes.Deleted),
	}
	slog.Info("repository synced",
		logfields.RepoID(r.repo.ID),
		logfields.Commit(hash),
		logfields.Count(len(changes.All())))
	return nil
}

// dropStaleVectors removes the stored chunks for every modified or deleted
// file along with their file state rows. The state row must go with the
// vectors: a row surviving its chunks would satisfy the parse stage's hash
// check on a retried run and the file would never be re-embedded.
func (p *Pipeline) dropStaleVectors(ctx context.Context, r *run, changes gitrepo.Changes) error {
	col, err := p.Vectors.GetOrCreateCollection(ctx, vectorstore.CollectionName(r.repo.ID))
	if err != nil {
		return err
	}
	stale := append(append([]string{}, changes.Modified...), changes.Deleted...)
	var ids []string
	for _, path := range stale {
		fs, err := p.Store.GetFileState(ctx, r.repo.ID, path)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		ids = append(ids, fs.ChunkIDs...)
	}
	if len(ids) > 0 {
		if err := col.DeleteByIDs(ctx, ids); err != nil {
			return fmt.Errorf("delete stale vectors: %w", err)
		}
		p.Metrics.AddVectorsDeleted(len(ids))
	}
	if len(stale) > 0 {
		if err := p.Store.DeleteFileStates(ctx, r.repo.ID, stale); err != nil {
			return err
		}
	}
	return nil
}

// stageParse reads and chunks the working copy. Full runs walk the whole
// tree; incremental runs only the added and modified paths. Files whose
// content hash matches their recorded state are parsed for the index but not
// re-embedded, which is what makes a retried run idempotent.
func (p *Pipeline) stageParse(ctx context.Context, r *run) error {
	if err := p.progressTo(ctx, r, StageParse, pctParse); err != nil {
		return err
	}
	dir := r.repo.LocalPath
	paths, err := p.parseTargets(r, dir)
	if err != nil {
		return err
	}
	states, err := p.Store.ListFileStates(ctx, r.repo.ID)
	if err != nil {
		return err
	}

	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}
		content, err := parser.ReadFile(dir, rel)
		if err != nil {
			slog.Warn("unreadable file skipped", logfields.File(rel), logfields.Error(err))
			continue
		}
		chunks, err := p.Registry.For(rel).Parse(rel, content)
		if err != nil {
			slog.Warn("unparseable file skipped", logfields.File(rel), logfields.Error(err))
			continue
		}
		if len(chunks) == 0 {
			continue
		}
		chunks = chunker.SplitAll(chunks)
		r.allChunks = append(r.allChunks, chunks...)

		hash := parser.ContentHash(content)
		if st, ok := states[rel]; ok && st.ContentHash == hash && len(st.ChunkIDs) > 0 {
			// Already embedded with identical content.
			continue
		}
		r.files = append(r.files, embed.FileChunks{
			Path:        rel,
			CommitHash:  r.commitHash,
			ContentHash: hash,
			Chunks:      chunks,
		})
	}

	if r.fullRun() && len(r.allChunks) == 0 {
		return fmt.Errorf("no parseable content in repository")
	}
	if err := p.Store.SetTaskFileCounts(ctx, r.task.ID, len(r.files), 0); err != nil {
		return err
	}
	slog.Info("parse complete",
		logfields.TaskID(r.task.ID),
		logfields.Count(len(r.files)))
	return nil
}

// parseTargets decides which repository-relative paths the parse stage
// visits.
func (p *Pipeline) parseTargets(r *run, dir string) ([]string, error) {
	if r.fullRun() {
		walked, err := parser.Walk(dir)
		if err != nil {
			return nil, fmt.Errorf("walk repository: %w", err)
		}
		paths := make([]string, len(walked))
		for i, w := range walked {
			paths[i] = w.Path
		}
		return paths, nil
	}
	var paths []string
	for _, rel := range append(append([]string{}, r.changes.Added...), r.changes.Modified...) {
		if !parser.Parseable(filepath.Base(rel)) {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
			continue
		}
		paths = append(paths, rel)
	}
	return paths, nil
}

// fullRun reports whether the task rebuilds the whole repository rather than
// patching the changed subset.
func (r *run) fullRun() bool {
	return r.task.Type == store.TaskTypeFullProcess || r.rebuilt
}

// stageEmbed pushes the parsed chunks into the vector store and refreshes the
// repo index. Progress interpolates across the stage's sub-range per file
// committed.
func (p *Pipeline) stageEmbed(ctx context.Context, r *run) error {
	if err := p.progressTo(ctx, r, StageEmbed, pctEmbedStart); err != nil {
		return err
	}
	col, err := p.Vectors.GetOrCreateCollection(ctx, vectorstore.CollectionName(r.repo.ID))
	if err != nil {
		return err
	}
	err = p.Embedder.EmbedFiles(ctx, r.repo.ID, col, r.files, func(done, total int) error {
		pct := pctEmbedStart + (pctEmbedEnd-pctEmbedStart)*float64(done)/float64(total)
		if err := p.Store.SetTaskFileCounts(ctx, r.task.ID, total, done); err != nil {
			return err
		}
		return p.progressWithin(ctx, r, StageEmbed, pct)
	})
	if err != nil {
		return err
	}
	if r.fullRun() {
		return repoindex.BuildFull(ctx, p.Store, r.repo.ID, r.allChunks)
	}
	return repoindex.Patch(ctx, p.Store, r.repo.ID, r.allChunks, r.changes.Deleted)
}

// stageGenerate produces or patches the wiki. Full runs and rebuilds
// generate from scratch; incremental runs regenerate only pages touched by
// the changed files; explicit regenerate tasks honor the requested page list.
func (p *Pipeline) stageGenerate(ctx context.Context, r *run) error {
	if err := p.progressTo(ctx, r, StageGenerate, pctGenerateStart); err != nil {
		return err
	}
	onProgress := func(frac float64) error {
		pct := pctGenerateStart + (pctGenerateEnd-pctGenerateStart)*frac
		return p.progressWithin(ctx, r, StageGenerate, pct)
	}

	var res *wiki.Result
	var err error
	switch {
	case r.task.Type == store.TaskTypeIncrementalSync && !r.rebuilt:
		res, err = p.Wiki.RegenerateIncremental(ctx, r.repo, r.changes.All(), onProgress)
	case r.task.Type == store.TaskTypeWikiRegenerate && len(r.job.Pages) > 0:
		res, err = p.Wiki.RegeneratePages(ctx, r.repo, r.job.Pages, onProgress)
	default:
		res, err = p.Wiki.GenerateFull(ctx, r.repo, onProgress)
	}
	if err != nil {
		return err
	}
	r.result = res
	return nil
}

// progressWithin is the intra-stage variant of progressTo: same cancellation
// checkpoint, but the status does not change, only the percentage.
func (p *Pipeline) progressWithin(ctx context.Context, r *run, status StageName, pct float64) error {
	set, err := p.Cancels.IsSet(ctx, r.task.ID)
	if err != nil {
		slog.Warn("cancel flag check failed", logfields.TaskID(r.task.ID), logfields.Error(err))
	}
	if set {
		return ErrCancelled
	}
	if err := p.Store.SetProgress(ctx, r.task.ID, pct); err != nil {
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
