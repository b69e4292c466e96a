package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository statuses. Cloning and syncing are transient; a worker crash
// moves them to interrupted at the next boot.
const (
	RepoPending     = "pending"
	RepoCloning     = "cloning"
	RepoSyncing     = "syncing"
	RepoReady       = "ready"
	RepoError       = "error"
	RepoInterrupted = "interrupted"
)

// RepoTransient reports whether status is one a crashed worker could have
// left behind.
func RepoTransient(status string) bool {
	return status == RepoPending || status == RepoCloning || status == RepoSyncing
}

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Repository is a registered git repository.
type Repository struct {
	ID            string
	URL           string
	Name          string
	Platform      string
	DefaultBranch string
	LocalPath     string
	Status        string
	LastSyncedAt  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateRepository inserts a new repository row in status pending.
func (s *Store) CreateRepository(ctx context.Context, repoURL, name, platform, branch string) (*Repository, error) {
	r := &Repository{
		ID:            uuid.NewString(),
		URL:           repoURL,
		Name:          name,
		Platform:      platform,
		DefaultBranch: branch,
		Status:        RepoPending,
	}
	ts := now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO repositories (id, url, name, platform, default_branch, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.URL, r.Name, r.Platform, r.DefaultBranch, r.Status, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}
	r.CreatedAt = time.Unix(ts, 0).UTC()
	r.UpdatedAt = r.CreatedAt
	return r, nil
}

func (s *Store) GetRepository(ctx context.Context, id string) (*Repository, error) {
	return s.scanRepo(s.db.QueryRowContext(ctx, repoSelect+` WHERE id = ?`, id))
}

// GetRepositoryByURL matches on the normalized URL (trailing ".git" and "/"
// stripped, case-insensitive host).
func (s *Store) GetRepositoryByURL(ctx context.Context, repoURL string) (*Repository, error) {
	norm := NormalizeRepoURL(repoURL)
	rows, err := s.db.QueryContext(ctx, repoSelect)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanRepoRow(rows)
		if err != nil {
			return nil, err
		}
		if NormalizeRepoURL(r.URL) == norm {
			return r, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

// NormalizeRepoURL canonicalizes a clone URL for duplicate detection.
func NormalizeRepoURL(raw string) string {
	u := strings.TrimSpace(raw)
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")
	return strings.ToLower(u)
}

func (s *Store) ListRepositories(ctx context.Context) ([]*Repository, error) {
	rows, err := s.db.QueryContext(ctx, repoSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Repository
	for rows.Next() {
		r, err := scanRepoRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRepoStatus(ctx context.Context, id, status string) error {
	return s.execRepo(ctx, `UPDATE repositories SET status = ?, updated_at = ? WHERE id = ?`, status, now(), id)
}

func (s *Store) SetRepoLocalPath(ctx context.Context, id, path string) error {
	return s.execRepo(ctx, `UPDATE repositories SET local_path = ?, updated_at = ? WHERE id = ?`, path, now(), id)
}

func (s *Store) SetRepoLastSynced(ctx context.Context, id string, at time.Time) error {
	return s.execRepo(ctx, `UPDATE repositories SET last_synced_at = ?, updated_at = ? WHERE id = ?`, at.UTC().Unix(), now(), id)
}

// DeleteRepository removes the repository row; tasks, file states, wikis and
// the repo index go with it via ON DELETE CASCADE.
func (s *Store) DeleteRepository(ctx context.Context, id string) error {
	return s.execRepo(ctx, `DELETE FROM repositories WHERE id = ?`, id)
}

func (s *Store) execRepo(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const repoSelect = `SELECT id, url, name, platform, default_branch, local_path, status, last_synced_at, created_at, updated_at FROM repositories`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepoRow(row rowScanner) (*Repository, error) {
	var r Repository
	var localPath sql.NullString
	var lastSynced sql.NullInt64
	var created, updated int64
	err := row.Scan(&r.ID, &r.URL, &r.Name, &r.Platform, &r.DefaultBranch, &localPath, &r.Status, &lastSynced, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.LocalPath = localPath.String
	r.LastSyncedAt = toTime(lastSynced)
	r.CreatedAt = time.Unix(created, 0).UTC()
	r.UpdatedAt = time.Unix(updated, 0).UTC()
	return &r, nil
}

func (s *Store) scanRepo(row *sql.Row) (*Repository, error) {
	return scanRepoRow(row)
}
