package wiki

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/repowiki/internal/llm"
	"git.home.luguber.info/inful/repowiki/internal/metrics"
	"git.home.luguber.info/inful/repowiki/internal/store"
	"git.home.luguber.info/inful/repowiki/internal/vectorstore"
)

// scriptedByRole answers each agent based on its system prompt, which keeps
// the script stable under page-level parallelism.
func scriptedByRole(t *testing.T) *llm.ScriptedGenerator {
	t.Helper()
	return &llm.ScriptedGenerator{
		Fn: func(_ context.Context, messages []llm.Message, _ llm.Options) (llm.Response, error) {
			system := messages[0].Content
			switch {
			case strings.Contains(system, "design documentation wikis"):
				return llm.Response{Text: `<wiki_structure>
<title>Widgets</title>
<sections>
  <section><title>Core</title><pages>
    <page><title>Pipeline</title><importance>high</importance>
      <relevant_files><file>internal/pipeline/run.go</file></relevant_files></page>
    <page><title>Storage</title><importance>medium</importance>
      <relevant_files><file>internal/store/store.go</file></relevant_files></page>
  </pages></section>
</sections>
</wiki_structure>`}, nil
			case strings.Contains(system, "plan documentation pages"):
				return llm.Response{Text: `{"subsections": ["Design", "Usage"], "diagrams": [{"description": "flow"}]}`}, nil
			case strings.Contains(system, "mermaid diagram specs"):
				return llm.Response{Text: "DIAGRAM_0:\n```mermaid\ngraph TD; A-->B\n```"}, nil
			case strings.Contains(system, "precise technical documentation"):
				return llm.Response{Text: "## Design\n\nProse.\n\n[DIAGRAM_0]\n\n## Usage\n\nMore prose."}, nil
			case strings.Contains(system, "Summarize documentation pages"):
				return llm.Response{Text: "A short summary."}, nil
			case strings.Contains(system, "project overview pages"):
				return llm.Response{Text: "# Overview\n\nWelcome."}, nil
			case strings.Contains(system, "best section title"):
				return llm.Response{Text: "Renamed Core"}, nil
			default:
				t.Fatalf("unexpected system prompt: %s", system)
				return llm.Response{}, nil
			}
		},
	}
}

func setupRepo(t *testing.T) (*store.Store, *store.Repository, vectorstore.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	repo, err := st.CreateRepository(ctx, "https://github.com/acme/widgets", "widgets", "github", "main")
	require.NoError(t, err)
	require.NoError(t, st.SaveRepoIndex(ctx, &store.RepoIndex{RepoID: repo.ID, Files: map[string][]store.IndexEntry{
		"internal/pipeline/run.go": {{Name: "Run", NodeType: "function", StartLine: 1, EndLine: 50}},
		"internal/store/store.go":  {{Name: "Open", NodeType: "function", StartLine: 1, EndLine: 40}},
	}}))

	vs := vectorstore.NewMemory()
	col, _ := vs.GetOrCreateCollection(ctx, vectorstore.CollectionName(repo.ID))
	require.NoError(t, col.Upsert(ctx, []vectorstore.Document{
		{ID: "1", Text: "func Run() {}", Metadata: map[string]string{"file_path": "internal/pipeline/run.go"}},
		{ID: "2", Text: "func Open() {}", Metadata: map[string]string{"file_path": "internal/store/store.go"}},
	}))
	return st, repo, vs
}

func TestGenerateFull(t *testing.T) {
	ctx := context.Background()
	st, repo, vs := setupRepo(t)
	g := New(scriptedByRole(t), st, vs, metrics.NoopRecorder{})

	var lastFrac float64
	res, err := g.GenerateFull(ctx, repo, func(frac float64) error {
		lastFrac = frac
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, res.SkippedPages)
	assert.Equal(t, 1.0, lastFrac)

	w, err := st.GetWikiByRepo(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, res.WikiID, w.ID)
	assert.Equal(t, "Widgets", w.Title)

	sections, err := st.ListSections(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, sections, 2)
	assert.Equal(t, 0, sections[0].OrderIndex)
	assert.Equal(t, "Quick Start", sections[0].Title)
	assert.Equal(t, "Core", sections[1].Title)

	quick, err := st.ListPages(ctx, sections[0].ID)
	require.NoError(t, err)
	require.Len(t, quick, 2)
	assert.Equal(t, store.PageTypeOverview, quick[0].PageType)
	assert.Equal(t, store.PageTypeNavigation, quick[1].PageType)
	// Navigation is rendered from stored summaries.
	assert.Contains(t, quick[1].ContentMD, "Pipeline")
	assert.Contains(t, quick[1].ContentMD, "A short summary.")

	tech, err := st.ListPages(ctx, sections[1].ID)
	require.NoError(t, err)
	require.Len(t, tech, 2)
	assert.Contains(t, tech[0].ContentMD, "graph TD")
	assert.NotContains(t, tech[0].ContentMD, "[DIAGRAM_0]")
	assert.Equal(t, "A short summary.", tech[0].Summary)
}

func TestGenerateFullFallsBackToDefaultOutline(t *testing.T) {
	ctx := context.Background()
	st, repo, vs := setupRepo(t)
	gen := scriptedByRole(t)
	inner := gen.Fn
	gen.Fn = func(ctx context.Context, messages []llm.Message, opts llm.Options) (llm.Response, error) {
		if strings.Contains(messages[0].Content, "design documentation wikis") {
			return llm.Response{Text: "I cannot produce XML today."}, nil
		}
		return inner(ctx, messages, opts)
	}
	g := New(gen, st, vs, metrics.NoopRecorder{})

	res, err := g.GenerateFull(ctx, repo, nil)
	require.NoError(t, err)

	sections, _ := st.ListSections(ctx, res.WikiID)
	require.Len(t, sections, 2)
	assert.Equal(t, "Overview", sections[1].Title)
	pages, _ := st.ListPages(ctx, sections[1].ID)
	require.Len(t, pages, 1)
	assert.Equal(t, "Codebase Overview", pages[0].Title)
}

// countingRecorder tallies labeled metric increments.
type countingRecorder struct {
	metrics.NoopRecorder
	mu       sync.Mutex
	llmCalls map[string]int
	pages    map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{llmCalls: map[string]int{}, pages: map[string]int{}}
}

func (c *countingRecorder) IncLLMCall(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.llmCalls[kind]++
}

func (c *countingRecorder) IncPageGenerated(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[outcome]++
}

func TestGenerateFullRecordsSkippedPages(t *testing.T) {
	ctx := context.Background()
	st, repo, vs := setupRepo(t)
	gen := scriptedByRole(t)
	inner := gen.Fn
	gen.Fn = func(ctx context.Context, messages []llm.Message, opts llm.Options) (llm.Response, error) {
		system := messages[0].Content
		if strings.Contains(system, "plan documentation pages") || strings.Contains(system, "precise technical documentation") {
			if strings.Contains(messages[1].Content, "Storage") {
				return llm.Response{}, llm.Wrap(llm.KindFatal, errors.New("model refused"))
			}
		}
		return inner(ctx, messages, opts)
	}
	rec := newCountingRecorder()
	g := New(gen, st, vs, rec)

	res, err := g.GenerateFull(ctx, repo, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Storage"}, res.SkippedPages)

	assert.Greater(t, rec.llmCalls["generate"], 0)
	assert.Equal(t, 1, rec.pages["skipped"])
	assert.Greater(t, rec.pages["success"], 0)

	// The failed page keeps empty content; the run still completes.
	sections, _ := st.ListSections(ctx, res.WikiID)
	tech, _ := st.ListPages(ctx, sections[1].ID)
	for _, p := range tech {
		if p.Title == "Storage" {
			assert.Empty(t, p.ContentMD)
		}
	}
}

func TestContextLengthDegradation(t *testing.T) {
	ctx := context.Background()
	st, repo, vs := setupRepo(t)

	var planAttempts int
	gen := scriptedByRole(t)
	inner := gen.Fn
	gen.Fn = func(ctx context.Context, messages []llm.Message, opts llm.Options) (llm.Response, error) {
		if strings.Contains(messages[0].Content, "plan documentation pages") {
			planAttempts++
			if planAttempts <= 2 {
				return llm.Response{}, llm.Wrap(llm.KindContextLength, errors.New("maximum context length exceeded"))
			}
		}
		return inner(ctx, messages, opts)
	}
	g := New(gen, st, vs, metrics.NoopRecorder{})
	g.Concurrency = 1

	col, _ := vs.GetOrCreateCollection(ctx, vectorstore.CollectionName(repo.ID))
	content, err := g.generatePageContent(ctx, col, "Pipeline", []string{"internal/pipeline/run.go"})
	require.NoError(t, err)
	assert.Contains(t, content, "Prose.")
	// Two context-length failures walked the ladder twice before success.
	assert.Equal(t, 3, planAttempts)
}

func TestGenerateFullAbortsOnProgressError(t *testing.T) {
	ctx := context.Background()
	st, repo, vs := setupRepo(t)
	g := New(scriptedByRole(t), st, vs, metrics.NoopRecorder{})
	g.Concurrency = 1

	stop := errors.New("cancel requested")
	_, err := g.GenerateFull(ctx, repo, func(frac float64) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestCallTimeoutBound(t *testing.T) {
	g := New(&llm.ScriptedGenerator{
		Fn: func(ctx context.Context, _ []llm.Message, _ llm.Options) (llm.Response, error) {
			deadline, ok := ctx.Deadline()
			require.True(t, ok)
			assert.LessOrEqual(t, time.Until(deadline), DefaultCallTimeout)
			return llm.Response{Text: "ok"}, nil
		},
	}, nil, nil, metrics.NoopRecorder{})
	_, err := g.call(context.Background(), []llm.Message{{Role: "user", Content: "x"}})
	require.NoError(t, err)
}
