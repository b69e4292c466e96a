package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLite is a Store persisted in a standalone SQLite file, so vectors
// survive process restarts alongside the relational ledger. Similarity
// search is an exhaustive cosine scan over the collection, which is adequate
// at single-repository scale.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and creates if needed) the vector database at path. Use
// ":memory:" for tests.
func NewSQLite(path string) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?" + url.Values{
			"_pragma": []string{"journal_mode(WAL)", "busy_timeout(5000)"},
		}.Encode()
	} else {
		dsn = "file::memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open vector database: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY
	);
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		vector BLOB NOT NULL DEFAULT x'',
		PRIMARY KEY (collection, id)
	);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize vector schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) GetOrCreateCollection(ctx context.Context, name string) (Collection, error) {
	if name == "" {
		return nil, fmt.Errorf("collection name must not be empty")
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO collections (name) VALUES (?)`, name); err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	return &sqliteCollection{db: s.db, name: name}, nil
}

func (s *SQLite) DeleteCollection(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, name); err != nil {
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name)
	return err
}

func (s *SQLite) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

type sqliteCollection struct {
	db   *sql.DB
	name string
}

func (c *sqliteCollection) Name() string { return c.name }

func (c *sqliteCollection) Upsert(ctx context.Context, docs []Document) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("upsert into %s: document without id", c.name)
		}
		meta, err := json.Marshal(d.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", d.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (collection, id, text, metadata, vector)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (collection, id) DO UPDATE SET
				text = excluded.text, metadata = excluded.metadata, vector = excluded.vector`,
			c.name, d.ID, d.Text, string(meta), encodeVector(d.Vector))
		if err != nil {
			return fmt.Errorf("upsert %s into %s: %w", d.ID, c.name, err)
		}
	}
	return tx.Commit()
}

func (c *sqliteCollection) Get(ctx context.Context, opts GetOptions) ([]Document, error) {
	query := `SELECT id, text, metadata, vector FROM documents WHERE collection = ?`
	args := []any{c.name}
	if len(opts.IDs) > 0 {
		query += ` AND id IN (?` + strings.Repeat(",?", len(opts.IDs)-1) + `)`
		for _, id := range opts.IDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY id`

	docs, err := c.scan(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []Document
	for _, d := range docs {
		if matches(d, opts.Where) {
			out = append(out, d)
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (c *sqliteCollection) Query(ctx context.Context, vectors [][]float32, nResults int, where map[string]string) ([][]Document, error) {
	all, err := c.scan(ctx, `SELECT id, text, metadata, vector FROM documents WHERE collection = ? ORDER BY id`, c.name)
	if err != nil {
		return nil, err
	}
	var candidates []Document
	for _, d := range all {
		if matches(d, where) {
			candidates = append(candidates, d)
		}
	}
	results := make([][]Document, len(vectors))
	for i, qv := range vectors {
		results[i] = nearest(candidates, qv, nResults)
	}
	return results, nil
}

func (c *sqliteCollection) DeleteByIDs(ctx context.Context, ids []string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, c.name, id); err != nil {
			return fmt.Errorf("delete %s from %s: %w", id, c.name, err)
		}
	}
	return tx.Commit()
}

func (c *sqliteCollection) Count(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE collection = ?`, c.name).Scan(&n)
	return n, err
}

func (c *sqliteCollection) scan(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		var (
			d    Document
			meta string
			blob []byte
		)
		if err := rows.Scan(&d.ID, &d.Text, &meta, &blob); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", d.ID, err)
		}
		d.Vector = decodeVector(blob)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// nearest ranks candidates by cosine distance to qv, ties broken by id for
// determinism, and returns at most n of them.
func nearest(candidates []Document, qv []float32, n int) []Document {
	type scored struct {
		doc  Document
		dist float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, d := range candidates {
		ranked = append(ranked, scored{doc: d, dist: cosineDistance(qv, d.Vector)})
	}
	sort.Slice(ranked, func(a, b int) bool {
		if ranked[a].dist != ranked[b].dist {
			return ranked[a].dist < ranked[b].dist
		}
		return ranked[a].doc.ID < ranked[b].doc.ID
	})
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]Document, 0, n)
	for _, s := range ranked[:n] {
		out = append(out, s.doc)
	}
	return out
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
