package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FileState is the idempotency record for one source file: which commit and
// content hash it was last embedded at, and the chunk ids that embedding
// produced. A file with a matching content hash is skipped on re-runs; the
// chunk ids let incremental sync delete stale vectors precisely.
type FileState struct {
	ID             string
	RepoID         string
	FilePath       string
	LastCommitHash string
	ContentHash    string
	ChunkIDs       []string
	UpdatedAt      time.Time
}

// UpsertFileState writes the record for (repoID, filePath). Called only after
// the file's chunks were durably upserted into the vector store, so a crash
// between the two leaves the file marked unprocessed and it is redone.
func (s *Store) UpsertFileState(ctx context.Context, fs *FileState) error {
	ids, err := json.Marshal(fs.ChunkIDs)
	if err != nil {
		return err
	}
	ts := now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO file_states (id, repo_id, file_path, last_commit_hash, content_hash, chunk_ids, chunk_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(repo_id, file_path) DO UPDATE SET
		   last_commit_hash = excluded.last_commit_hash,
		   content_hash = excluded.content_hash,
		   chunk_ids = excluded.chunk_ids,
		   chunk_count = excluded.chunk_count,
		   updated_at = excluded.updated_at`,
		orUUID(fs.ID), fs.RepoID, fs.FilePath, fs.LastCommitHash, fs.ContentHash, string(ids), len(fs.ChunkIDs), ts, ts)
	if err != nil {
		return fmt.Errorf("upsert file state %s: %w", fs.FilePath, err)
	}
	return nil
}

func orUUID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

// GetFileState returns the record for (repoID, filePath), or ErrNotFound.
func (s *Store) GetFileState(ctx context.Context, repoID, filePath string) (*FileState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, repo_id, file_path, last_commit_hash, content_hash, chunk_ids, updated_at
		 FROM file_states WHERE repo_id = ? AND file_path = ?`, repoID, filePath)
	return scanFileState(row)
}

// ListFileStates returns every record for the repository, keyed by file path.
func (s *Store) ListFileStates(ctx context.Context, repoID string) (map[string]*FileState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, repo_id, file_path, last_commit_hash, content_hash, chunk_ids, updated_at
		 FROM file_states WHERE repo_id = ?`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]*FileState)
	for rows.Next() {
		fs, err := scanFileState(rows)
		if err != nil {
			return nil, err
		}
		out[fs.FilePath] = fs
	}
	return out, rows.Err()
}

// DeleteFileStates removes the records for the given paths. Missing paths are
// ignored.
func (s *Store) DeleteFileStates(ctx context.Context, repoID string, paths []string) error {
	for _, p := range paths {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM file_states WHERE repo_id = ? AND file_path = ?`, repoID, p); err != nil {
			return err
		}
	}
	return nil
}

func scanFileState(row rowScanner) (*FileState, error) {
	var fs FileState
	var ids string
	var updated int64
	err := row.Scan(&fs.ID, &fs.RepoID, &fs.FilePath, &fs.LastCommitHash, &fs.ContentHash, &ids, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(ids), &fs.ChunkIDs); err != nil {
		return nil, fmt.Errorf("decode chunk ids for %s: %w", fs.FilePath, err)
	}
	fs.UpdatedAt = time.Unix(updated, 0).UTC()
	return &fs, nil
}
