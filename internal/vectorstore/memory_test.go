package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "repo_ab_cd_ef_chunks", CollectionName("ab-cd-ef"))
	assert.Equal(t, "repo_plain_chunks", CollectionName("plain"))
}

func TestUpsertIsIdempotentByID(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	col, err := store.GetOrCreateCollection(ctx, "repo_x_chunks")
	require.NoError(t, err)

	doc := Document{ID: "c1", Text: "v1", Metadata: map[string]string{"file_path": "a.go"}, Vector: []float32{1, 0}}
	require.NoError(t, col.Upsert(ctx, []Document{doc}))
	doc.Text = "v2"
	require.NoError(t, col.Upsert(ctx, []Document{doc}))

	n, err := col.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := col.Get(ctx, GetOptions{IDs: []string{"c1"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "v2", got[0].Text)
}

func TestGetFiltersByMetadata(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	col, _ := store.GetOrCreateCollection(ctx, "c")
	require.NoError(t, col.Upsert(ctx, []Document{
		{ID: "1", Metadata: map[string]string{"file_path": "a.go"}},
		{ID: "2", Metadata: map[string]string{"file_path": "b.go"}},
		{ID: "3", Metadata: map[string]string{"file_path": "a.go"}},
	}))

	got, err := col.Get(ctx, GetOptions{Where: map[string]string{"file_path": "a.go"}})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = col.Get(ctx, GetOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestQueryRanksByCosine(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	col, _ := store.GetOrCreateCollection(ctx, "c")
	require.NoError(t, col.Upsert(ctx, []Document{
		{ID: "east", Vector: []float32{1, 0}},
		{ID: "north", Vector: []float32{0, 1}},
		{ID: "northeast", Vector: []float32{1, 1}},
	}))

	res, err := col.Query(ctx, [][]float32{{1, 0.1}}, 2, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Len(t, res[0], 2)
	assert.Equal(t, "east", res[0][0].ID)
	assert.Equal(t, "northeast", res[0][1].ID)
}

func TestDeleteByIDsAndCollectionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	col, _ := store.GetOrCreateCollection(ctx, "repo_a_chunks")
	require.NoError(t, col.Upsert(ctx, []Document{{ID: "1"}, {ID: "2"}}))
	require.NoError(t, col.DeleteByIDs(ctx, []string{"1", "missing"}))

	n, _ := col.Count(ctx)
	assert.Equal(t, 1, n)

	names, err := store.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"repo_a_chunks"}, names)

	require.NoError(t, store.DeleteCollection(ctx, "repo_a_chunks"))
	names, _ = store.ListCollections(ctx)
	assert.Empty(t, names)
}
