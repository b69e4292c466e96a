// Package repoindex derives the per-file definition index from parsed
// chunks. The wiki generator reads it to describe files without re-querying
// the vector store.
package repoindex

import (
	"context"
	"sort"
	"strings"

	"git.home.luguber.info/inful/repowiki/internal/chunk"
	"git.home.luguber.info/inful/repowiki/internal/store"
)

// Entries groups chunks into per-file index entries. Windowed parts collapse
// back to their original definition so a split function appears once.
func Entries(chunks []chunk.Chunk) map[string][]store.IndexEntry {
	out := map[string][]store.IndexEntry{}
	for _, c := range chunks {
		name := c.Name
		nodeType := c.NodeType
		if strings.HasSuffix(nodeType, "_part") {
			if !strings.HasSuffix(name, "_part_0") {
				continue
			}
			name = strings.TrimSuffix(name, "_part_0")
			nodeType = strings.TrimSuffix(nodeType, "_part")
		}
		out[c.FilePath] = append(out[c.FilePath], store.IndexEntry{
			Name:      name,
			NodeType:  nodeType,
			StartLine: c.StartLine,
			EndLine:   c.EndLine,
		})
	}
	for path := range out {
		entries := out[path]
		sort.Slice(entries, func(i, j int) bool { return entries[i].StartLine < entries[j].StartLine })
		out[path] = entries
	}
	return out
}

// BuildFull replaces the repository's index with one derived from chunks.
func BuildFull(ctx context.Context, st *store.Store, repoID string, chunks []chunk.Chunk) error {
	return st.SaveRepoIndex(ctx, &store.RepoIndex{RepoID: repoID, Files: Entries(chunks)})
}

// Patch updates the index incrementally: files present in chunks get their
// entry lists replaced, deleted paths are dropped.
func Patch(ctx context.Context, st *store.Store, repoID string, chunks []chunk.Chunk, deleted []string) error {
	return st.PatchRepoIndex(ctx, repoID, Entries(chunks), deleted)
}
