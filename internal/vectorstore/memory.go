package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Memory is an in-process Store keyed by collection name. Safe for concurrent
// use. Cosine distance, matching the deployment contract of the external
// store.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*memCollection)}
}

func (m *Memory) GetOrCreateCollection(_ context.Context, name string) (Collection, error) {
	if name == "" {
		return nil, fmt.Errorf("collection name must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		c = &memCollection{name: name, docs: make(map[string]Document)}
		m.collections[name] = c
	}
	return c, nil
}

func (m *Memory) DeleteCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *Memory) ListCollections(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.collections))
	for n := range m.collections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

type memCollection struct {
	name string
	mu   sync.RWMutex
	docs map[string]Document
}

func (c *memCollection) Name() string { return c.name }

func (c *memCollection) Upsert(_ context.Context, docs []Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("upsert into %s: document without id", c.name)
		}
		c.docs[d.ID] = d
	}
	return nil
}

func (c *memCollection) Get(_ context.Context, opts GetOptions) ([]Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Document
	if len(opts.IDs) > 0 {
		for _, id := range opts.IDs {
			if d, ok := c.docs[id]; ok && matches(d, opts.Where) {
				out = append(out, d)
			}
		}
	} else {
		ids := make([]string, 0, len(c.docs))
		for id := range c.docs {
			ids = append(ids, id)
		}
		sort.Strings(ids) // deterministic iteration for tests
		for _, id := range ids {
			if matches(c.docs[id], opts.Where) {
				out = append(out, c.docs[id])
			}
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (c *memCollection) Query(_ context.Context, vectors [][]float32, nResults int, where map[string]string) ([][]Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var candidates []Document
	for _, d := range c.docs {
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

func (c *memCollection) DeleteByIDs(_ context.Context, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.docs, id)
	}
	return nil
}

func (c *memCollection) Count(_ context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs), nil
}

func matches(d Document, where map[string]string) bool {
	for k, v := range where {
		if d.Metadata[k] != v {
			return false
		}
	}
	return true
}

func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 2 // worst cosine distance for mismatched vectors
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
