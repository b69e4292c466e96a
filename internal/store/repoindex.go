package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// RepoIndex is the per-repository structural summary consumed by the wiki
// generator: for each file, the named definitions its chunks produced.
type RepoIndex struct {
	RepoID      string
	Files       map[string][]IndexEntry
	GeneratedAt time.Time
}

// IndexEntry is one named definition inside a file.
type IndexEntry struct {
	Name      string `json:"name"`
	NodeType  string `json:"node_type"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// SaveRepoIndex stores the full index, replacing any previous one.
func (s *Store) SaveRepoIndex(ctx context.Context, idx *RepoIndex) error {
	blob, err := json.Marshal(idx.Files)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO repo_indexes (repo_id, index_json, generated_at) VALUES (?, ?, ?)
		 ON CONFLICT(repo_id) DO UPDATE SET index_json = excluded.index_json, generated_at = excluded.generated_at`,
		idx.RepoID, string(blob), now())
	return err
}

// GetRepoIndex loads the index, or ErrNotFound.
func (s *Store) GetRepoIndex(ctx context.Context, repoID string) (*RepoIndex, error) {
	var blob string
	var generated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT index_json, generated_at FROM repo_indexes WHERE repo_id = ?`, repoID).
		Scan(&blob, &generated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	idx := &RepoIndex{RepoID: repoID, Files: map[string][]IndexEntry{}, GeneratedAt: time.Unix(generated, 0).UTC()}
	if err := json.Unmarshal([]byte(blob), &idx.Files); err != nil {
		return nil, err
	}
	return idx, nil
}

// PatchRepoIndex applies an incremental update: entries in changed replace
// the per-file lists, paths in deleted are removed. Creates the index when
// none exists yet.
func (s *Store) PatchRepoIndex(ctx context.Context, repoID string, changed map[string][]IndexEntry, deleted []string) error {
	idx, err := s.GetRepoIndex(ctx, repoID)
	if errors.Is(err, ErrNotFound) {
		idx = &RepoIndex{RepoID: repoID, Files: map[string][]IndexEntry{}}
	} else if err != nil {
		return err
	}
	for path, entries := range changed {
		idx.Files[path] = entries
	}
	for _, path := range deleted {
		delete(idx.Files, path)
	}
	return s.SaveRepoIndex(ctx, idx)
}
