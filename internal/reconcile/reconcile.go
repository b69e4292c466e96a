// Package reconcile sweeps resources no live repository owns: clone
// directories under the repos root and vector-store collections. It refuses
// to touch anything while any task is still running.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/repowiki/internal/logfields"
	"git.home.luguber.info/inful/repowiki/internal/store"
	"git.home.luguber.info/inful/repowiki/internal/vectorstore"
)

// ErrActiveTasks is returned when the safety interlock refuses a scan.
var ErrActiveTasks = errors.New("refusing to reconcile while tasks are active")

// Report lists what a scan found.
type Report struct {
	OrphanDirs        []string // absolute paths under the repos root
	OrphanCollections []string
}

func (r *Report) Empty() bool {
	return len(r.OrphanDirs) == 0 && len(r.OrphanCollections) == 0
}

// Reconciler compares on-disk and vector-store state against the repository
// table.
type Reconciler struct {
	Store    *store.Store
	Vectors  vectorstore.Store
	ReposDir string
}

// Scan reports orphaned clone directories and collections without deleting
// anything. The active-task interlock applies to Scan too: a mid-flight clone
// looks like an orphan until its repo row gets a local path.
func (r *Reconciler) Scan(ctx context.Context) (*Report, error) {
	if busy, err := r.Store.HasActiveTasks(ctx); err != nil {
		return nil, err
	} else if busy {
		return nil, ErrActiveTasks
	}

	repos, err := r.Store.ListRepositories(ctx)
	if err != nil {
		return nil, err
	}
	ownedDirs := make(map[string]bool, len(repos))
	ownedCols := make(map[string]bool, len(repos))
	for _, repo := range repos {
		ownedDirs[repo.ID] = true
		if repo.LocalPath != "" {
			ownedDirs[filepath.Base(repo.LocalPath)] = true
		}
		ownedCols[vectorstore.CollectionName(repo.ID)] = true
	}

	report := &Report{}
	entries, err := os.ReadDir(r.ReposDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read repos dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || ownedDirs[e.Name()] {
			continue
		}
		report.OrphanDirs = append(report.OrphanDirs, filepath.Join(r.ReposDir, e.Name()))
	}

	cols, err := r.Vectors.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	for _, name := range cols {
		// Only collections this system created are candidates.
		if !strings.HasPrefix(name, "repo_") || !strings.HasSuffix(name, "_chunks") {
			continue
		}
		if !ownedCols[name] {
			report.OrphanCollections = append(report.OrphanCollections, name)
		}
	}
	return report, nil
}

// Execute scans and then deletes everything the scan reported. Each deletion
// is independent; the first error aborts so a partial sweep can be re-run.
func (r *Reconciler) Execute(ctx context.Context) (*Report, error) {
	report, err := r.Scan(ctx)
	if err != nil {
		return nil, err
	}
	for _, dir := range report.OrphanDirs {
		if err := os.RemoveAll(dir); err != nil {
			return report, fmt.Errorf("remove %s: %w", dir, err)
		}
		slog.Info("orphan clone removed", logfields.Path(dir))
	}
	for _, name := range report.OrphanCollections {
		if err := r.Vectors.DeleteCollection(ctx, name); err != nil {
			return report, fmt.Errorf("delete collection %s: %w", name, err)
		}
		slog.Info("orphan collection removed", slog.String("collection", name))
	}
	return report, nil
}
