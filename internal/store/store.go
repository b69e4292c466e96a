// Package store persists repositories, tasks, file states, wikis and repo
// indexes in SQLite. Every mutating method commits before returning so that
// observers on other connections (the API realm, SSE pollers) see updates
// immediately.
package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite handle. One Store per process realm; jobs share it.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the database at path. Use ":memory:"
// for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?" + url.Values{
			"_pragma": []string{"foreign_keys(1)", "journal_mode(WAL)", "busy_timeout(5000)"},
		}.Encode()
	} else {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY storms between worker goroutines.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS repositories (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		platform TEXT NOT NULL DEFAULT 'github',
		default_branch TEXT NOT NULL DEFAULT 'main',
		local_path TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		last_synced_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
		type TEXT NOT NULL DEFAULT 'full_process',
		status TEXT NOT NULL DEFAULT 'pending',
		progress_pct REAL NOT NULL DEFAULT 0,
		current_stage TEXT,
		error_msg TEXT,
		runner_id TEXT,
		failed_at_stage TEXT,
		files_total INTEGER NOT NULL DEFAULT 0,
		files_processed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_repo ON tasks(repo_id);
	CREATE TABLE IF NOT EXISTS file_states (
		id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
		file_path TEXT NOT NULL,
		last_commit_hash TEXT NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		chunk_ids TEXT NOT NULL DEFAULT '[]',
		chunk_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(repo_id, file_path)
	);
	CREATE INDEX IF NOT EXISTS idx_file_states_repo ON file_states(repo_id);
	CREATE TABLE IF NOT EXISTS wikis (
		id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		llm_provider TEXT,
		llm_model TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_wikis_repo ON wikis(repo_id);
	CREATE TABLE IF NOT EXISTS wiki_sections (
		id TEXT PRIMARY KEY,
		wiki_id TEXT NOT NULL REFERENCES wikis(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		order_index INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sections_wiki ON wiki_sections(wiki_id);
	CREATE TABLE IF NOT EXISTS wiki_pages (
		id TEXT PRIMARY KEY,
		section_id TEXT NOT NULL REFERENCES wiki_sections(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		importance TEXT NOT NULL DEFAULT 'medium',
		content_md TEXT,
		relevant_files TEXT NOT NULL DEFAULT '[]',
		order_index INTEGER NOT NULL DEFAULT 0,
		summary TEXT,
		page_type TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_pages_section ON wiki_pages(section_id);
	CREATE TABLE IF NOT EXISTS repo_indexes (
		repo_id TEXT PRIMARY KEY REFERENCES repositories(id) ON DELETE CASCADE,
		index_json TEXT NOT NULL DEFAULT '{}',
		generated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func now() int64 { return time.Now().UTC().Unix() }

func toTime(unix sql.NullInt64) *time.Time {
	if !unix.Valid {
		return nil
	}
	t := time.Unix(unix.Int64, 0).UTC()
	return &t
}
