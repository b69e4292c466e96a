package wiki

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/repowiki/internal/metrics"
	"git.home.luguber.info/inful/repowiki/internal/store"
)

// seedWiki builds a wiki with a quick-start section and n technical pages,
// each relevant to its own file path "src/page<i>.go".
func seedWiki(t *testing.T, st *store.Store, repoID string, n int) (*store.Wiki, []*store.Page) {
	t.Helper()
	ctx := context.Background()
	w, err := st.CreateWiki(ctx, repoID, "Widgets", "", "")
	require.NoError(t, err)
	quick, err := st.CreateSection(ctx, w.ID, "Quick Start", 0)
	require.NoError(t, err)
	require.NoError(t, st.CreatePage(ctx, &store.Page{SectionID: quick.ID, Title: "Project Overview", PageType: store.PageTypeOverview, ContentMD: "old overview"}))
	require.NoError(t, st.CreatePage(ctx, &store.Page{SectionID: quick.ID, Title: "Content Navigation", PageType: store.PageTypeNavigation, OrderIndex: 1, ContentMD: "old nav"}))

	sec, err := st.CreateSection(ctx, w.ID, "Core", 1)
	require.NoError(t, err)
	var pages []*store.Page
	for i := 0; i < n; i++ {
		p := &store.Page{
			SectionID:     sec.ID,
			Title:         pageTitle(i),
			OrderIndex:    i,
			ContentMD:     "original content",
			RelevantFiles: []string{pagePath(i)},
		}
		require.NoError(t, st.CreatePage(ctx, p))
		pages = append(pages, p)
	}
	return w, pages
}

func pageTitle(i int) string { return "Page " + string(rune('A'+i)) }
func pagePath(i int) string  { return "src/page" + string(rune('a'+i)) + ".go" }

func TestDirtyPagesCaseNormalized(t *testing.T) {
	pages := []*store.Page{
		{ID: "1", RelevantFiles: []string{"Internal/API/Server.go"}},
		{ID: "2", RelevantFiles: []string{"other.go"}},
	}
	dirty := dirtyPages(pages, []string{"./internal/api/server.GO"})
	require.Len(t, dirty, 1)
	assert.Equal(t, "1", dirty[0].ID)
}

func TestRegenerateIncrementalTouchesOnlyDirtyPages(t *testing.T) {
	ctx := context.Background()
	st, repo, vs := setupRepo(t)
	_, pages := seedWiki(t, st, repo.ID, 4)

	g := New(scriptedByRole(t), st, vs, metrics.NoopRecorder{})
	res, err := g.RegenerateIncremental(ctx, repo, []string{pagePath(0)}, nil)
	require.NoError(t, err)
	assert.False(t, res.FullRegenSuggested)

	regenerated, _ := st.GetPage(ctx, pages[0].ID)
	assert.NotEqual(t, "original content", regenerated.ContentMD)
	for _, p := range pages[1:] {
		got, _ := st.GetPage(ctx, p.ID)
		assert.Equal(t, "original content", got.ContentMD)
	}

	// Quick-start rebuilt last.
	w, _ := st.GetWikiByRepo(ctx, repo.ID)
	all, _ := st.ListWikiPages(ctx, w.ID)
	for _, p := range all {
		if p.PageType == store.PageTypeNavigation {
			assert.NotEqual(t, "old nav", p.ContentMD)
		}
	}
}

func TestRegenerateIncrementalRefusesAboveThreshold(t *testing.T) {
	ctx := context.Background()
	st, repo, vs := setupRepo(t)
	_, pages := seedWiki(t, st, repo.ID, 4)

	g := New(scriptedByRole(t), st, vs, metrics.NoopRecorder{})
	changed := []string{pagePath(0), pagePath(1), pagePath(2)}
	res, err := g.RegenerateIncremental(ctx, repo, changed, nil)
	require.NoError(t, err)
	assert.True(t, res.FullRegenSuggested)
	assert.Contains(t, res.Reason, "full regeneration")

	// Nothing was modified, including quick-start.
	for _, p := range pages {
		got, _ := st.GetPage(ctx, p.ID)
		assert.Equal(t, "original content", got.ContentMD)
	}
	w, _ := st.GetWikiByRepo(ctx, repo.ID)
	all, _ := st.ListWikiPages(ctx, w.ID)
	for _, p := range all {
		if p.PageType == store.PageTypeNavigation {
			assert.Equal(t, "old nav", p.ContentMD)
		}
	}
}

func TestRegenerateIncrementalNoDirtyPages(t *testing.T) {
	ctx := context.Background()
	st, repo, vs := setupRepo(t)
	seedWiki(t, st, repo.ID, 3)

	g := New(scriptedByRole(t), st, vs, metrics.NoopRecorder{})
	res, err := g.RegenerateIncremental(ctx, repo, []string{"unrelated/path.go"}, nil)
	require.NoError(t, err)
	assert.False(t, res.FullRegenSuggested)
	assert.Empty(t, res.SkippedPages)
}

func TestSectionTitleSuggestion(t *testing.T) {
	ctx := context.Background()
	st, repo, vs := setupRepo(t)
	w, _ := seedWiki(t, st, repo.ID, 4)

	// A second section keeps the overall ratio below the refusal threshold
	// while the first section is fully dirty.
	other, err := st.CreateSection(ctx, w.ID, "Extras", 2)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, st.CreatePage(ctx, &store.Page{
			SectionID:     other.ID,
			Title:         "Extra " + string(rune('A'+i)),
			OrderIndex:    i,
			ContentMD:     "original content",
			RelevantFiles: []string{"extras/none.go"},
		}))
	}

	g := New(scriptedByRole(t), st, vs, metrics.NoopRecorder{})
	g.DirtyThreshold = 0.60
	changed := []string{pagePath(0), pagePath(1), pagePath(2), pagePath(3)}
	res, err := g.RegenerateIncremental(ctx, repo, changed, nil)
	require.NoError(t, err)
	require.False(t, res.FullRegenSuggested)

	sections, _ := st.ListSections(ctx, w.ID)
	var titles []string
	for _, s := range sections {
		titles = append(titles, s.Title)
	}
	assert.Contains(t, titles, "Renamed Core")
	assert.Contains(t, titles, "Extras")
}

func TestRegenerateSpecificPages(t *testing.T) {
	ctx := context.Background()
	st, repo, vs := setupRepo(t)
	_, pages := seedWiki(t, st, repo.ID, 3)

	g := New(scriptedByRole(t), st, vs, metrics.NoopRecorder{})
	res, err := g.RegeneratePages(ctx, repo, []string{pages[1].ID}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.SkippedPages)

	got, _ := st.GetPage(ctx, pages[1].ID)
	assert.NotEqual(t, "original content", got.ContentMD)
	got, _ = st.GetPage(ctx, pages[0].ID)
	assert.Equal(t, "original content", got.ContentMD)
}
