package repoindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/repowiki/internal/chunk"
	"git.home.luguber.info/inful/repowiki/internal/store"
)

func mk(path, name, nodeType string, start int) chunk.Chunk {
	c := chunk.New()
	c.FilePath = path
	c.Name = name
	c.NodeType = nodeType
	c.StartLine = start
	c.EndLine = start + 5
	return c
}

func TestEntriesGroupsAndSorts(t *testing.T) {
	chunks := []chunk.Chunk{
		mk("b.go", "Second", "function", 40),
		mk("b.go", "First", "function", 2),
		mk("a.go", "Server", "type", 1),
	}
	got := Entries(chunks)
	require.Len(t, got, 2)
	require.Len(t, got["b.go"], 2)
	assert.Equal(t, "First", got["b.go"][0].Name)
	assert.Equal(t, "Second", got["b.go"][1].Name)
	assert.Equal(t, "type", got["a.go"][0].NodeType)
}

func TestEntriesCollapsesWindowedParts(t *testing.T) {
	chunks := []chunk.Chunk{
		mk("a.go", "Huge_part_0", "function_part", 10),
		mk("a.go", "Huge_part_1", "function_part", 290),
		mk("a.go", "Huge_part_2", "function_part", 570),
	}
	got := Entries(chunks)
	require.Len(t, got["a.go"], 1)
	assert.Equal(t, "Huge", got["a.go"][0].Name)
	assert.Equal(t, "function", got["a.go"][0].NodeType)
}

func TestBuildFullAndPatch(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()
	repo, err := st.CreateRepository(ctx, "https://github.com/acme/w", "w", "github", "main")
	require.NoError(t, err)

	require.NoError(t, BuildFull(ctx, st, repo.ID, []chunk.Chunk{
		mk("a.go", "A", "function", 1),
		mk("b.go", "B", "function", 1),
	}))

	require.NoError(t, Patch(ctx, st, repo.ID, []chunk.Chunk{mk("a.go", "A2", "function", 1)}, []string{"b.go"}))

	idx, err := st.GetRepoIndex(ctx, repo.ID)
	require.NoError(t, err)
	require.Len(t, idx.Files, 1)
	assert.Equal(t, "A2", idx.Files["a.go"][0].Name)
}
