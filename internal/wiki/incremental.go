package wiki

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"git.home.luguber.info/inful/repowiki/internal/llm"
	"git.home.luguber.info/inful/repowiki/internal/logfields"
	"git.home.luguber.info/inful/repowiki/internal/store"
	"git.home.luguber.info/inful/repowiki/internal/vectorstore"
)

// normalizePath canonicalizes a path for dirty matching: forward slashes,
// lower case, no leading "./".
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	return strings.ToLower(p)
}

// dirtyPages returns the technical pages whose relevant files intersect the
// changed set.
func dirtyPages(pages []*store.Page, changed []string) []*store.Page {
	set := make(map[string]bool, len(changed))
	for _, p := range changed {
		set[normalizePath(p)] = true
	}
	var out []*store.Page
	for _, page := range pages {
		for _, f := range page.RelevantFiles {
			if set[normalizePath(f)] {
				out = append(out, page)
				break
			}
		}
	}
	return out
}

// RegenerateIncremental updates only the pages whose sources changed. When
// the dirty ratio exceeds the threshold it modifies nothing and reports
// full_regen_suggested instead. The quick-start section is always rebuilt
// last so navigation summaries stay consistent.
func (g *Generator) RegenerateIncremental(ctx context.Context, repo *store.Repository, changed []string, onProgress func(frac float64) error) (*Result, error) {
	g.dbMu.Lock()
	w, err := g.Store.GetWikiByRepo(ctx, repo.ID)
	g.dbMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("load wiki: %w", err)
	}

	g.dbMu.Lock()
	allPages, err := g.Store.ListWikiPages(ctx, w.ID)
	g.dbMu.Unlock()
	if err != nil {
		return nil, err
	}
	var technical []*store.Page
	for _, p := range allPages {
		if p.PageType == "" {
			technical = append(technical, p)
		}
	}

	res := &Result{WikiID: w.ID}
	if len(technical) == 0 {
		return res, nil
	}

	dirty := dirtyPages(technical, changed)
	if len(dirty) == 0 {
		return res, nil
	}
	ratio := float64(len(dirty)) / float64(len(technical))
	if ratio > g.DirtyThreshold {
		res.FullRegenSuggested = true
		res.Reason = fmt.Sprintf("%d of %d pages affected (%.0f%%), exceeding the incremental threshold; run a full regeneration", len(dirty), len(technical), ratio*100)
		return res, nil
	}

	col, err := g.Vectors.GetOrCreateCollection(ctx, vectorstore.CollectionName(repo.ID))
	if err != nil {
		return nil, err
	}
	skipped, err := g.generatePages(ctx, col, dirty, onProgress)
	if err != nil {
		return nil, err
	}
	res.SkippedPages = skipped

	if ratio > minRatioForTitleSuggestions {
		g.suggestSectionTitles(ctx, w.ID, technical, dirty)
	}

	if err := g.generateQuickStart(ctx, w.ID, repo, nil); err != nil {
		return nil, err
	}
	return res, nil
}

// suggestSectionTitles asks the model for a better title for every section
// where at least SectionTitleThreshold of the pages are dirty. Failures are
// logged, never fatal.
func (g *Generator) suggestSectionTitles(ctx context.Context, wikiID string, technical, dirty []*store.Page) {
	dirtyBySection := map[string]int{}
	totalBySection := map[string]int{}
	for _, p := range technical {
		totalBySection[p.SectionID]++
	}
	for _, p := range dirty {
		dirtyBySection[p.SectionID]++
	}

	g.dbMu.Lock()
	sections, err := g.Store.ListSections(ctx, wikiID)
	g.dbMu.Unlock()
	if err != nil {
		slog.Warn("section title pass skipped", logfields.Error(err))
		return
	}
	for _, sec := range sections {
		total := totalBySection[sec.ID]
		if total == 0 || sec.OrderIndex == 0 {
			continue
		}
		if float64(dirtyBySection[sec.ID])/float64(total) < g.SectionTitleThreshold {
			continue
		}
		g.dbMu.Lock()
		pages, err := g.Store.ListPages(ctx, sec.ID)
		g.dbMu.Unlock()
		if err != nil {
			continue
		}
		var titles []string
		for _, p := range pages {
			titles = append(titles, p.Title)
		}
		resp, err := g.call(ctx, []llm.Message{
			{Role: "system", Content: "Most pages of a documentation section were rewritten. Given the section's current title and its page titles, respond with the best section title only, with no punctuation around it. Keep the current title if it still fits."},
			{Role: "user", Content: fmt.Sprintf("Current title: %s\nPages: %s", sec.Title, strings.Join(titles, "; "))},
		})
		if err != nil {
			slog.Debug("section title suggestion failed", logfields.Section(sec.Title), logfields.Error(err))
			continue
		}
		suggestion := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp), `"`))
		if suggestion == "" || suggestion == sec.Title {
			continue
		}
		g.dbMu.Lock()
		err = g.Store.UpdateSectionTitle(ctx, sec.ID, suggestion)
		g.dbMu.Unlock()
		if err != nil {
			slog.Warn("section title update failed", logfields.Section(sec.Title), logfields.Error(err))
		}
	}
}

// RegeneratePages regenerates the named pages only. Quick-start pages go
// through their dedicated builder; if any technical page changed, the
// navigation page is refreshed afterwards.
func (g *Generator) RegeneratePages(ctx context.Context, repo *store.Repository, pageIDs []string, onProgress func(frac float64) error) (*Result, error) {
	g.dbMu.Lock()
	w, err := g.Store.GetWikiByRepo(ctx, repo.ID)
	g.dbMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("load wiki: %w", err)
	}
	res := &Result{WikiID: w.ID}

	var technical []*store.Page
	quickStart := false
	for _, id := range pageIDs {
		g.dbMu.Lock()
		page, err := g.Store.GetPage(ctx, id)
		g.dbMu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("page %s: %w", id, err)
		}
		if page.PageType != "" {
			quickStart = true
			continue
		}
		technical = append(technical, page)
	}

	if len(technical) > 0 {
		col, err := g.Vectors.GetOrCreateCollection(ctx, vectorstore.CollectionName(repo.ID))
		if err != nil {
			return nil, err
		}
		skipped, err := g.generatePages(ctx, col, technical, onProgress)
		if err != nil {
			return nil, err
		}
		res.SkippedPages = skipped
	}
	if quickStart || len(technical) > 0 {
		if err := g.generateQuickStart(ctx, w.ID, repo, nil); err != nil {
			return nil, err
		}
	}
	return res, nil
}
