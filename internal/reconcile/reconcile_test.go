package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/repowiki/internal/store"
	"git.home.luguber.info/inful/repowiki/internal/vectorstore"
)

func newReconciler(t *testing.T) (*Reconciler, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return &Reconciler{Store: st, Vectors: vectorstore.NewMemory(), ReposDir: t.TempDir()}, st
}

func TestScanFindsOrphans(t *testing.T) {
	ctx := context.Background()
	r, st := newReconciler(t)

	repo, err := st.CreateRepository(ctx, "https://github.com/acme/widgets", "widgets", "github", "main")
	require.NoError(t, err)
	owned := filepath.Join(r.ReposDir, repo.ID)
	require.NoError(t, os.MkdirAll(owned, 0o755))
	orphanDir := filepath.Join(r.ReposDir, "dead-repo-id")
	require.NoError(t, os.MkdirAll(orphanDir, 0o755))

	_, err = r.Vectors.GetOrCreateCollection(ctx, vectorstore.CollectionName(repo.ID))
	require.NoError(t, err)
	_, err = r.Vectors.GetOrCreateCollection(ctx, "repo_dead_chunks")
	require.NoError(t, err)
	// Foreign collections are not candidates.
	_, err = r.Vectors.GetOrCreateCollection(ctx, "unrelated")
	require.NoError(t, err)

	report, err := r.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{orphanDir}, report.OrphanDirs)
	assert.Equal(t, []string{"repo_dead_chunks"}, report.OrphanCollections)
}

func TestScanRefusesWithActiveTasks(t *testing.T) {
	ctx := context.Background()
	r, st := newReconciler(t)
	repo, err := st.CreateRepository(ctx, "https://github.com/acme/widgets", "widgets", "github", "main")
	require.NoError(t, err)
	_, err = st.CreateTask(ctx, "t1", repo.ID, store.TaskTypeFullProcess)
	require.NoError(t, err)

	_, err = r.Scan(ctx)
	assert.ErrorIs(t, err, ErrActiveTasks)
}

func TestExecuteSweeps(t *testing.T) {
	ctx := context.Background()
	r, _ := newReconciler(t)
	orphanDir := filepath.Join(r.ReposDir, "dead-repo-id")
	require.NoError(t, os.MkdirAll(orphanDir, 0o755))
	_, err := r.Vectors.GetOrCreateCollection(ctx, "repo_dead_chunks")
	require.NoError(t, err)

	report, err := r.Execute(ctx)
	require.NoError(t, err)
	assert.False(t, report.Empty())

	_, statErr := os.Stat(orphanDir)
	assert.True(t, os.IsNotExist(statErr))
	cols, err := r.Vectors.ListCollections(ctx)
	require.NoError(t, err)
	assert.NotContains(t, cols, "repo_dead_chunks")

	again, err := r.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, again.Empty())
}
