// Package wiki generates and incrementally maintains the hierarchical wiki
// for a repository: an LLM-planned outline of sections and pages, a fixed
// quick-start section assembled by the generator itself, and per-page
// three-agent content generation with diagram merging.
package wiki

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"git.home.luguber.info/inful/repowiki/internal/llm"
	"git.home.luguber.info/inful/repowiki/internal/logfields"
	"git.home.luguber.info/inful/repowiki/internal/metrics"
	"git.home.luguber.info/inful/repowiki/internal/store"
	"git.home.luguber.info/inful/repowiki/internal/vectorstore"
)

// Defaults. DirtyThreshold is the incremental escape valve: above it the
// incremental path refuses to touch pages and suggests full regeneration.
const (
	DefaultConcurrency           = 5
	DefaultDirtyThreshold        = 0.65
	DefaultSectionTitleThreshold = 0.80
	DefaultCallTimeout           = 240 * time.Second

	// minRatioForTitleSuggestions gates section title suggestions: tiny
	// change sets never rename sections.
	minRatioForTitleSuggestions = 0.20
)

// Generator builds wikis. All DB writes are serialized on an internal mutex;
// LLM work runs in parallel up to Concurrency.
type Generator struct {
	Gen     llm.Generator
	Store   *store.Store
	Vectors vectorstore.Store
	Metrics metrics.Recorder

	Concurrency           int
	Language              string
	Provider              string
	Model                 string
	DirtyThreshold        float64
	SectionTitleThreshold float64
	CallTimeout           time.Duration

	dbMu sync.Mutex
}

// New returns a Generator with the defaults filled in.
func New(gen llm.Generator, st *store.Store, vs vectorstore.Store, rec metrics.Recorder) *Generator {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Generator{
		Gen:                   gen,
		Store:                 st,
		Vectors:               vs,
		Metrics:               rec,
		Concurrency:           DefaultConcurrency,
		Language:              "English",
		DirtyThreshold:        DefaultDirtyThreshold,
		SectionTitleThreshold: DefaultSectionTitleThreshold,
		CallTimeout:           DefaultCallTimeout,
	}
}

// Result is what the generate stage reports in the terminal event.
type Result struct {
	WikiID             string
	SkippedPages       []string
	FullRegenSuggested bool
	Reason             string
}

func (g *Generator) language() string {
	if g.Language == "" {
		return "English"
	}
	return g.Language
}

func (g *Generator) concurrency() int {
	if g.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return g.Concurrency
}

// call runs one generation bounded by the per-call timeout.
func (g *Generator) call(ctx context.Context, messages []llm.Message) (string, error) {
	timeout := g.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	g.Metrics.IncLLMCall("generate")
	resp, err := g.Gen.Generate(ctx, messages, llm.Options{Model: g.Model})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// GenerateFull builds a complete wiki, replacing any previous one.
// onProgress receives the fraction of pages finished (0..1) and may abort by
// returning an error; that is the cancellation hook.
func (g *Generator) GenerateFull(ctx context.Context, repo *store.Repository, onProgress func(frac float64) error) (*Result, error) {
	summary, err := BuildSummary(ctx, g.Store, repo)
	if err != nil {
		return nil, fmt.Errorf("build repo summary: %w", err)
	}
	outline := g.requestOutline(ctx, summary)

	col, err := g.Vectors.GetOrCreateCollection(ctx, vectorstore.CollectionName(repo.ID))
	if err != nil {
		return nil, fmt.Errorf("open chunk collection: %w", err)
	}

	title := outline.Title
	if title == "" {
		title = repo.Name
	}
	g.dbMu.Lock()
	w, err := g.Store.CreateWiki(ctx, repo.ID, title, g.Provider, g.Model)
	if err == nil {
		// order_index 0 is the generator-owned quick-start section.
		_, err = g.Store.CreateSection(ctx, w.ID, "Quick Start", 0)
	}
	var pages []*store.Page
	if err == nil {
		pages, err = g.createOutlineRows(ctx, w.ID, outline)
	}
	g.dbMu.Unlock()
	if err != nil {
		return nil, err
	}

	res := &Result{WikiID: w.ID}
	skipped, err := g.generatePages(ctx, col, pages, onProgress)
	if err != nil {
		return nil, err
	}
	res.SkippedPages = skipped

	// Quick-start last, so the navigation page sees every summary.
	if err := g.generateQuickStart(ctx, w.ID, repo, summary); err != nil {
		return nil, err
	}
	return res, nil
}

func (g *Generator) requestOutline(ctx context.Context, summary *Summary) *Outline {
	resp, err := g.call(ctx, []llm.Message{
		{Role: "system", Content: "You design documentation wikis. Respond with a <wiki_structure> XML element containing a <title>, and <sections> of <section> elements each holding a <title> and <pages> of <page> elements with <title>, <importance> (high|medium|low) and <relevant_files> of <file> paths. Do not include introduction or quick-start sections."},
		{Role: "user", Content: summary.Prompt()},
	})
	if err != nil {
		slog.Warn("outline request failed, using default outline", logfields.Error(err))
		return DefaultOutline(summary.RepoName, summary.TopFiles)
	}
	outline, err := ParseOutline(resp)
	if err != nil {
		slog.Warn("outline unparseable, using default outline", logfields.Error(err))
		return DefaultOutline(summary.RepoName, summary.TopFiles)
	}
	return outline
}

// createOutlineRows inserts sections (order 1..n) and empty pages for the
// outline. Caller holds dbMu.
func (g *Generator) createOutlineRows(ctx context.Context, wikiID string, outline *Outline) ([]*store.Page, error) {
	var pages []*store.Page
	for i, sec := range outline.Sections {
		row, err := g.Store.CreateSection(ctx, wikiID, sec.Title, i+1)
		if err != nil {
			return nil, err
		}
		for j, p := range sec.Pages {
			page := &store.Page{
				SectionID:     row.ID,
				Title:         p.Title,
				Importance:    p.Importance,
				RelevantFiles: p.RelevantFiles,
				OrderIndex:    j,
			}
			if err := g.Store.CreatePage(ctx, page); err != nil {
				return nil, err
			}
			pages = append(pages, page)
		}
	}
	return pages, nil
}

// generatePages fills in content for the given pages in parallel. Failed
// pages are recorded as skipped instead of failing the run.
func (g *Generator) generatePages(ctx context.Context, col vectorstore.Collection, pages []*store.Page, onProgress func(frac float64) error) ([]string, error) {
	if len(pages) == 0 {
		return nil, nil
	}
	var mu sync.Mutex
	var skipped []string
	done := 0

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency())
	for _, page := range pages {
		page := page
		eg.Go(func() error {
			content, genErr := g.generatePageContent(ctx, col, page.Title, page.RelevantFiles)
			var summary string
			if genErr == nil {
				summary, _ = g.summarizePage(ctx, page.Title, content)
			}

			mu.Lock()
			defer mu.Unlock()
			if genErr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("page generation failed, skipping", logfields.Page(page.Title), logfields.Error(genErr))
				skipped = append(skipped, page.Title)
				g.Metrics.IncPageGenerated("skipped")
			} else {
				g.dbMu.Lock()
				err := g.Store.UpdatePageContent(ctx, page.ID, content, page.RelevantFiles)
				if err == nil && summary != "" {
					err = g.Store.SetPageSummary(ctx, page.ID, summary)
				}
				g.dbMu.Unlock()
				if err != nil {
					return fmt.Errorf("store page %q: %w", page.Title, err)
				}
				g.Metrics.IncPageGenerated("success")
			}
			done++
			if onProgress != nil {
				return onProgress(float64(done) / float64(len(pages)))
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(skipped)
	return skipped, nil
}

// generateQuickStart (re)builds the two generator-owned pages in the
// order_index 0 section: the project overview and the content navigation.
func (g *Generator) generateQuickStart(ctx context.Context, wikiID string, repo *store.Repository, summary *Summary) error {
	g.dbMu.Lock()
	sections, err := g.Store.ListSections(ctx, wikiID)
	g.dbMu.Unlock()
	if err != nil {
		return err
	}
	var quick *store.Section
	for _, sec := range sections {
		if sec.OrderIndex == 0 {
			quick = sec
			break
		}
	}
	if quick == nil {
		return fmt.Errorf("quick-start section missing for wiki %s", wikiID)
	}

	if summary == nil {
		summary, err = BuildSummary(ctx, g.Store, repo)
		if err != nil {
			return err
		}
	}

	overview, err := g.call(ctx, []llm.Message{
		{Role: "system", Content: "You write project overview pages: what the project is, how it is structured, how to get started. Markdown only."},
		{Role: "user", Content: fmt.Sprintf("Write the overview for %s in %s.\n\n%s\nDependency manifests:\n%s", repo.Name, g.language(), summary.Prompt(), summary.DependencyContext)},
	})
	if err != nil {
		overview = fmt.Sprintf("# %s\n\nOverview generation failed; see the section pages.", repo.Name)
		slog.Warn("overview generation failed", logfields.Error(err))
	}

	navigation, err := g.buildNavigation(ctx, wikiID, sections)
	if err != nil {
		return err
	}

	g.dbMu.Lock()
	defer g.dbMu.Unlock()
	// Replace previous quick-start pages.
	existing, err := g.Store.ListPages(ctx, quick.ID)
	if err != nil {
		return err
	}
	writePage := func(pageType, title, content string, order int) error {
		for _, p := range existing {
			if p.PageType == pageType {
				return g.Store.UpdatePageContent(ctx, p.ID, content, nil)
			}
		}
		return g.Store.CreatePage(ctx, &store.Page{
			SectionID:  quick.ID,
			Title:      title,
			Importance: store.ImportanceHigh,
			ContentMD:  content,
			OrderIndex: order,
			PageType:   pageType,
		})
	}
	if err := writePage(store.PageTypeOverview, "Project Overview", overview, 0); err != nil {
		return err
	}
	return writePage(store.PageTypeNavigation, "Content Navigation", navigation, 1)
}

// buildNavigation renders the cross-reference page from stored summaries; no
// LLM involved, so it is always consistent with the DB.
func (g *Generator) buildNavigation(ctx context.Context, wikiID string, sections []*store.Section) (string, error) {
	var b strings.Builder
	b.WriteString("# Content Navigation\n")
	g.dbMu.Lock()
	defer g.dbMu.Unlock()
	for _, sec := range sections {
		if sec.OrderIndex == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n", sec.Title)
		pages, err := g.Store.ListPages(ctx, sec.ID)
		if err != nil {
			return "", err
		}
		for _, p := range pages {
			fmt.Fprintf(&b, "- **%s** (%s)", p.Title, p.Importance)
			if p.Summary != "" {
				fmt.Fprintf(&b, ": %s", p.Summary)
			}
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}
