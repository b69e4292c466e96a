package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
)

// ScriptedGenerator returns canned responses in order, or calls Fn when set.
// Used throughout the wiki and pipeline tests.
type ScriptedGenerator struct {
	mu        sync.Mutex
	Responses []Response
	Errs      []error
	// Fn, when non-nil, overrides the scripted responses entirely.
	Fn    func(ctx context.Context, messages []Message, opts Options) (Response, error)
	Calls []([]Message)
}

func (g *ScriptedGenerator) Generate(ctx context.Context, messages []Message, opts Options) (Response, error) {
	g.mu.Lock()
	g.Calls = append(g.Calls, messages)
	fn := g.Fn
	var resp Response
	var err error
	if fn == nil {
		if len(g.Errs) > 0 {
			err, g.Errs = g.Errs[0], g.Errs[1:]
		}
		if err == nil && len(g.Responses) > 0 {
			resp, g.Responses = g.Responses[0], g.Responses[1:]
		}
	}
	g.mu.Unlock()

	if fn != nil {
		return fn(ctx, messages, opts)
	}
	return resp, err
}

func (g *ScriptedGenerator) Stream(ctx context.Context, messages []Message, opts Options) (<-chan string, error) {
	resp, err := g.Generate(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	ch := make(chan string, 1)
	ch <- resp.Text
	close(ch)
	return ch, nil
}

// CallCount returns how many Generate calls were made.
func (g *ScriptedGenerator) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Calls)
}

// HashEmbedder is a deterministic Embedder: the vector depends only on the
// input text, so identical chunks embed identically across runs.
type HashEmbedder struct {
	Dim int
	// Err, when set, is returned for every call.
	Err error

	mu    sync.Mutex
	calls int
}

func (h *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.Err != nil {
		return nil, h.Err
	}
	dim := h.Dimension()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		sum := sha256.Sum256([]byte(t))
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			word := binary.BigEndian.Uint32(sum[(j*4)%28 : (j*4)%28+4])
			vec[j] = float32(word%1000)/1000 - 0.5
		}
		out[i] = vec
	}
	return out, nil
}

func (h *HashEmbedder) Dimension() int {
	if h.Dim <= 0 {
		return 8
	}
	return h.Dim
}

// Calls returns how many Embed calls were made.
func (h *HashEmbedder) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}
