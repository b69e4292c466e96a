// Package embed pushes parsed chunks into the vector store. Work is batched
// per provider call and parallel across files, but the file-state write for a
// file happens only after every one of its chunks is durably upserted; that
// ordering is what makes reprocessing after a crash safe.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"git.home.luguber.info/inful/repowiki/internal/chunk"
	"git.home.luguber.info/inful/repowiki/internal/llm"
	"git.home.luguber.info/inful/repowiki/internal/logfields"
	"git.home.luguber.info/inful/repowiki/internal/metrics"
	"git.home.luguber.info/inful/repowiki/internal/retry"
	"git.home.luguber.info/inful/repowiki/internal/store"
	"git.home.luguber.info/inful/repowiki/internal/vectorstore"
)

// Defaults for batch geometry.
const (
	DefaultBatchSize   = 32
	DefaultConcurrency = 10
)

// FileChunks is the embed-stage unit: one file and the chunks parsed from it.
type FileChunks struct {
	Path        string
	CommitHash  string
	ContentHash string
	Chunks      []chunk.Chunk
}

// Embedder runs the embed stage for one repository.
type Embedder struct {
	Provider    llm.Embedder
	Store       *store.Store
	Policy      retry.Policy
	BatchSize   int
	Concurrency int
	Metrics     metrics.Recorder
}

// New returns an Embedder with default geometry and the stage retry policy
// (three attempts, 2s doubling to 30s).
func New(provider llm.Embedder, st *store.Store, rec metrics.Recorder) *Embedder {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Embedder{
		Provider:    provider,
		Store:       st,
		Policy:      retry.DefaultPolicy(),
		BatchSize:   DefaultBatchSize,
		Concurrency: DefaultConcurrency,
		Metrics:     rec,
	}
}

// EmbedFiles embeds every file's chunks into col. onFileDone is called after
// each file commits (vector upsert plus file state); returning an error from
// it aborts the remaining work, which is how cancellation propagates here.
func (e *Embedder) EmbedFiles(ctx context.Context, repoID string, col vectorstore.Collection, files []FileChunks, onFileDone func(done, total int) error) error {
	if len(files) == 0 {
		return nil
	}
	var mu sync.Mutex
	done := 0

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency())
	for _, fc := range files {
		fc := fc
		g.Go(func() error {
			if err := e.embedFile(ctx, repoID, col, fc); err != nil {
				return fmt.Errorf("embed %s: %w", fc.Path, err)
			}
			mu.Lock()
			defer mu.Unlock()
			done++
			return onFileDone(done, len(files))
		})
	}
	return g.Wait()
}

func (e *Embedder) embedFile(ctx context.Context, repoID string, col vectorstore.Collection, fc FileChunks) error {
	chunkIDs := make([]string, 0, len(fc.Chunks))
	for i := 0; i < len(fc.Chunks); i += e.batchSize() {
		end := i + e.batchSize()
		if end > len(fc.Chunks) {
			end = len(fc.Chunks)
		}
		batch := fc.Chunks[i:end]
		docs, err := e.embedBatch(ctx, batch)
		if err != nil {
			return err
		}
		if err := col.Upsert(ctx, docs); err != nil {
			return fmt.Errorf("upsert vectors: %w", err)
		}
		e.Metrics.AddChunksEmbedded(len(docs))
		for _, c := range batch {
			chunkIDs = append(chunkIDs, c.ID)
		}
	}
	// Vectors are durable; now and only now mark the file processed.
	return e.Store.UpsertFileState(ctx, &store.FileState{
		RepoID:         repoID,
		FilePath:       fc.Path,
		LastCommitHash: fc.CommitHash,
		ContentHash:    fc.ContentHash,
		ChunkIDs:       chunkIDs,
	})
}

func (e *Embedder) embedBatch(ctx context.Context, batch []chunk.Chunk) ([]vectorstore.Document, error) {
	texts := make([]string, len(batch))
	for i := range batch {
		texts[i] = batch[i].EmbeddingText()
	}
	var vectors [][]float32
	attempt := 0
	err := e.Policy.Do(ctx, func(error) bool { return true }, func() error {
		attempt++
		if attempt > 1 {
			e.Metrics.IncEmbedRetry()
			slog.Debug("retrying embed batch", logfields.Count(len(texts)))
		}
		var err error
		vectors, err = e.Provider.Embed(ctx, texts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	if len(vectors) != len(batch) {
		return nil, fmt.Errorf("embedding provider returned %d vectors for %d texts", len(vectors), len(batch))
	}
	docs := make([]vectorstore.Document, len(batch))
	for i := range batch {
		docs[i] = vectorstore.Document{
			ID:       batch[i].ID,
			Text:     texts[i],
			Metadata: batch[i].Metadata(),
			Vector:   vectors[i],
		}
	}
	return docs, nil
}

func (e *Embedder) batchSize() int {
	if e.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return e.BatchSize
}

func (e *Embedder) concurrency() int {
	if e.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return e.Concurrency
}
