// Package vectorstore defines the vector database capability consumed by the
// pipeline, plus an in-memory implementation used by tests and local runs.
// Vectors are always computed by the caller; implementations never embed
// server-side.
package vectorstore

import (
	"context"
	"strings"
)

// Document is one stored vector with its source text and scalar metadata.
type Document struct {
	ID       string
	Text     string
	Metadata map[string]string
	Vector   []float32
}

// GetOptions filters a metadata read. Zero value returns everything up to
// Limit.
type GetOptions struct {
	IDs   []string
	Where map[string]string // equality match on metadata fields
	Limit int               // 0 = no limit
}

// Collection is a per-repo logical namespace. All writes are idempotent by
// document id.
type Collection interface {
	Name() string
	Upsert(ctx context.Context, docs []Document) error
	Get(ctx context.Context, opts GetOptions) ([]Document, error)
	// Query returns the nResults nearest documents per query vector under the
	// cosine metric, optionally filtered by metadata equality.
	Query(ctx context.Context, vectors [][]float32, nResults int, where map[string]string) ([][]Document, error)
	DeleteByIDs(ctx context.Context, ids []string) error
	Count(ctx context.Context) (int, error)
}

// Store is the vector database itself.
type Store interface {
	GetOrCreateCollection(ctx context.Context, name string) (Collection, error)
	DeleteCollection(ctx context.Context, name string) error
	ListCollections(ctx context.Context) ([]string, error)
}

// CollectionName derives the per-repo collection name from a repo id.
func CollectionName(repoID string) string {
	return "repo_" + strings.ReplaceAll(repoID, "-", "_") + "_chunks"
}
