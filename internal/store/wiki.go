package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Page importance levels, highest first.
const (
	ImportanceHigh   = "high"
	ImportanceMedium = "medium"
	ImportanceLow    = "low"
)

// Page types for the generated quick-start pages. Regular pages carry an
// empty type.
const (
	PageTypeOverview   = "overview"
	PageTypeNavigation = "navigation"
)

// Wiki is the root of a generated wiki for one repository.
type Wiki struct {
	ID          string
	RepoID      string
	Title       string
	LLMProvider string
	LLMModel    string
	CreatedAt   time.Time
}

// Section groups pages; order_index 0 is reserved for the quick-start
// section.
type Section struct {
	ID         string
	WikiID     string
	Title      string
	OrderIndex int
}

// Page is one wiki page. RelevantFiles lists the repository paths whose
// chunks grounded the page; incremental sync uses it to find dirty pages.
type Page struct {
	ID            string
	SectionID     string
	Title         string
	Importance    string
	ContentMD     string
	RelevantFiles []string
	OrderIndex    int
	Summary       string
	PageType      string
}

// CreateWiki inserts the wiki root, replacing any previous wiki for the same
// repository. The delete cascades to sections and pages so a regeneration
// never leaves orphan rows.
func (s *Store) CreateWiki(ctx context.Context, repoID, title, provider, model string) (*Wiki, error) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM wikis WHERE repo_id = ?`, repoID); err != nil {
		return nil, fmt.Errorf("replace wiki: %w", err)
	}
	w := &Wiki{ID: uuid.NewString(), RepoID: repoID, Title: title, LLMProvider: provider, LLMModel: model}
	ts := now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wikis (id, repo_id, title, llm_provider, llm_model, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.RepoID, w.Title, w.LLMProvider, w.LLMModel, ts)
	if err != nil {
		return nil, fmt.Errorf("create wiki: %w", err)
	}
	w.CreatedAt = time.Unix(ts, 0).UTC()
	return w, nil
}

// GetWikiByRepo returns the repository's wiki, or ErrNotFound.
func (s *Store) GetWikiByRepo(ctx context.Context, repoID string) (*Wiki, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, repo_id, title, llm_provider, llm_model, created_at FROM wikis WHERE repo_id = ?`, repoID)
	var w Wiki
	var provider, model sql.NullString
	var created int64
	if err := row.Scan(&w.ID, &w.RepoID, &w.Title, &provider, &model, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	w.LLMProvider = provider.String
	w.LLMModel = model.String
	w.CreatedAt = time.Unix(created, 0).UTC()
	return &w, nil
}

// CreateSection inserts a section at the given order index.
func (s *Store) CreateSection(ctx context.Context, wikiID, title string, orderIndex int) (*Section, error) {
	sec := &Section{ID: uuid.NewString(), WikiID: wikiID, Title: title, OrderIndex: orderIndex}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wiki_sections (id, wiki_id, title, order_index) VALUES (?, ?, ?, ?)`,
		sec.ID, sec.WikiID, sec.Title, sec.OrderIndex)
	if err != nil {
		return nil, fmt.Errorf("create section: %w", err)
	}
	return sec, nil
}

func (s *Store) UpdateSectionTitle(ctx context.Context, sectionID, title string) error {
	return s.execRepo(ctx, `UPDATE wiki_sections SET title = ? WHERE id = ?`, title, sectionID)
}

// ListSections returns the wiki's sections ordered by order_index.
func (s *Store) ListSections(ctx context.Context, wikiID string) ([]*Section, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, wiki_id, title, order_index FROM wiki_sections WHERE wiki_id = ? ORDER BY order_index`, wikiID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Section
	for rows.Next() {
		var sec Section
		if err := rows.Scan(&sec.ID, &sec.WikiID, &sec.Title, &sec.OrderIndex); err != nil {
			return nil, err
		}
		out = append(out, &sec)
	}
	return out, rows.Err()
}

// CreatePage inserts a page. Content may be empty at creation and filled in
// later by UpdatePageContent.
func (s *Store) CreatePage(ctx context.Context, p *Page) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Importance == "" {
		p.Importance = ImportanceMedium
	}
	files, err := json.Marshal(p.RelevantFiles)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO wiki_pages (id, section_id, title, importance, content_md, relevant_files, order_index, summary, page_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SectionID, p.Title, p.Importance, p.ContentMD, string(files), p.OrderIndex, p.Summary, p.PageType)
	if err != nil {
		return fmt.Errorf("create page %q: %w", p.Title, err)
	}
	return nil
}

// UpdatePageContent replaces the page markdown and relevant files.
func (s *Store) UpdatePageContent(ctx context.Context, pageID, contentMD string, relevantFiles []string) error {
	files, err := json.Marshal(relevantFiles)
	if err != nil {
		return err
	}
	return s.execRepo(ctx,
		`UPDATE wiki_pages SET content_md = ?, relevant_files = ? WHERE id = ?`,
		contentMD, string(files), pageID)
}

// SetPageSummary stores the short summary generated after page content.
func (s *Store) SetPageSummary(ctx context.Context, pageID, summary string) error {
	return s.execRepo(ctx, `UPDATE wiki_pages SET summary = ? WHERE id = ?`, summary, pageID)
}

// ListPages returns the section's pages ordered by order_index.
func (s *Store) ListPages(ctx context.Context, sectionID string) ([]*Page, error) {
	return s.queryPages(ctx,
		pageSelect+` WHERE section_id = ? ORDER BY order_index`, sectionID)
}

// ListWikiPages returns every page of the wiki, section order first.
func (s *Store) ListWikiPages(ctx context.Context, wikiID string) ([]*Page, error) {
	return s.queryPages(ctx,
		pageSelect+` WHERE section_id IN (SELECT id FROM wiki_sections WHERE wiki_id = ?)
		 ORDER BY (SELECT order_index FROM wiki_sections WHERE id = section_id), order_index`, wikiID)
}

func (s *Store) GetPage(ctx context.Context, pageID string) (*Page, error) {
	pages, err := s.queryPages(ctx, pageSelect+` WHERE id = ?`, pageID)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, ErrNotFound
	}
	return pages[0], nil
}

const pageSelect = `SELECT id, section_id, title, importance, content_md, relevant_files, order_index, summary, page_type FROM wiki_pages`

func (s *Store) queryPages(ctx context.Context, query string, args ...any) ([]*Page, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Page
	for rows.Next() {
		var p Page
		var content, summary, pageType sql.NullString
		var files string
		if err := rows.Scan(&p.ID, &p.SectionID, &p.Title, &p.Importance, &content, &files, &p.OrderIndex, &summary, &pageType); err != nil {
			return nil, err
		}
		p.ContentMD = content.String
		p.Summary = summary.String
		p.PageType = pageType.String
		if err := json.Unmarshal([]byte(files), &p.RelevantFiles); err != nil {
			return nil, fmt.Errorf("decode relevant files for page %s: %w", p.ID, err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
