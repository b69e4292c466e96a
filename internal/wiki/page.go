package wiki

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"git.home.luguber.info/inful/repowiki/internal/llm"
	"git.home.luguber.info/inful/repowiki/internal/logfields"
	"git.home.luguber.info/inful/repowiki/internal/vectorstore"
)

// Context degradation ladder for token-budget failures: full context, then
// 50%, 25%, and finally metadata only.
var contextFractions = []float64{1.0, 0.5, 0.25, 0.0}

const (
	maxPageContextBytes = 48000
	maxDiagramsPerPage  = 2
)

var diagramPlaceholderRe = regexp.MustCompile(`\[DIAGRAM_(\d+)\]`)

// pagePlan is the planner sub-agent's output.
type pagePlan struct {
	Subsections []string `json:"subsections"`
	Diagrams    []struct {
		Description string `json:"description"`
	} `json:"diagrams"`
}

// pageContext gathers the chunk texts for the page's relevant files,
// truncated to fraction of the byte budget. Fraction 0 keeps only the
// metadata listing.
func pageContext(ctx context.Context, col vectorstore.Collection, relevantFiles []string, fraction float64) (string, error) {
	var b strings.Builder
	b.WriteString("Relevant files:\n")
	for _, f := range relevantFiles {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	if fraction <= 0 {
		return b.String(), nil
	}
	budget := int(maxPageContextBytes * fraction)
	b.WriteString("\nSource context:\n")
	for _, f := range relevantFiles {
		docs, err := col.Get(ctx, vectorstore.GetOptions{Where: map[string]string{"file_path": f}})
		if err != nil {
			return "", fmt.Errorf("retrieve context for %s: %w", f, err)
		}
		for _, doc := range docs {
			if b.Len()+len(doc.Text) > budget {
				return b.String(), nil
			}
			b.WriteString(doc.Text)
			b.WriteString("\n\n")
		}
	}
	return b.String(), nil
}

// generatePageContent runs the three-agent flow for one technical page and
// returns the merged markdown. Agent failures fall back to a monolithic call;
// token-budget failures walk the degradation ladder.
func (g *Generator) generatePageContent(ctx context.Context, col vectorstore.Collection, title string, relevantFiles []string) (string, error) {
	var lastErr error
	for _, fraction := range contextFractions {
		codeCtx, err := pageContext(ctx, col, relevantFiles, fraction)
		if err != nil {
			return "", err
		}
		content, err := g.threeAgentPage(ctx, title, codeCtx)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !llm.IsContextLength(err) {
			// Not a budget problem; the monolithic fallback already ran
			// inside threeAgentPage, nothing left to degrade.
			return "", err
		}
		slog.Debug("degrading page context", logfields.Page(title), slog.Float64("fraction", fraction))
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("page %q failed at every context level: %w", title, lastErr)
}

func (g *Generator) threeAgentPage(ctx context.Context, title, codeCtx string) (string, error) {
	plan, planErr := g.planPage(ctx, title, codeCtx)
	if planErr != nil {
		if llm.IsContextLength(planErr) {
			return "", planErr
		}
		return g.monolithicPage(ctx, title, codeCtx)
	}

	type result struct {
		text string
		err  error
	}
	diagramCh := make(chan result, 1)
	writerCh := make(chan result, 1)
	go func() {
		text, err := g.diagramSpecs(ctx, title, plan, codeCtx)
		diagramCh <- result{text, err}
	}()
	go func() {
		text, err := g.writePage(ctx, title, plan, codeCtx)
		writerCh <- result{text, err}
	}()
	diagram := <-diagramCh
	writer := <-writerCh

	if writer.err != nil || (len(plan.Diagrams) > 0 && diagram.err != nil) {
		for _, err := range []error{writer.err, diagram.err} {
			if llm.IsContextLength(err) {
				return "", err
			}
		}
		return g.monolithicPage(ctx, title, codeCtx)
	}
	return mergeDiagrams(writer.text, splitDiagramBlocks(diagram.text)), nil
}

func (g *Generator) planPage(ctx context.Context, title, codeCtx string) (*pagePlan, error) {
	resp, err := g.call(ctx, []llm.Message{
		{Role: "system", Content: "You plan documentation pages. Respond with JSON only: {\"subsections\": [...], \"diagrams\": [{\"description\": ...}]}. At most " + fmt.Sprint(maxDiagramsPerPage) + " diagrams."},
		{Role: "user", Content: fmt.Sprintf("Plan the page %q.\n\n%s", title, codeCtx)},
	})
	if err != nil {
		return nil, err
	}
	var plan pagePlan
	if err := json.Unmarshal(extractJSON(resp), &plan); err != nil {
		return nil, fmt.Errorf("decode page plan: %w", err)
	}
	if len(plan.Diagrams) > maxDiagramsPerPage {
		plan.Diagrams = plan.Diagrams[:maxDiagramsPerPage]
	}
	return &plan, nil
}

func (g *Generator) diagramSpecs(ctx context.Context, title string, plan *pagePlan, codeCtx string) (string, error) {
	if len(plan.Diagrams) == 0 {
		return "", nil
	}
	var wants strings.Builder
	for i, d := range plan.Diagrams {
		fmt.Fprintf(&wants, "DIAGRAM_%d: %s\n", i, d.Description)
	}
	resp, err := g.call(ctx, []llm.Message{
		{Role: "system", Content: "You produce mermaid diagram specs. For each requested diagram emit a block starting with its DIAGRAM_N label on its own line followed by a fenced mermaid block."},
		{Role: "user", Content: fmt.Sprintf("Page %q needs:\n%s\n%s", title, wants.String(), codeCtx)},
	})
	if err != nil {
		return "", err
	}
	return resp, nil
}

func (g *Generator) writePage(ctx context.Context, title string, plan *pagePlan, codeCtx string) (string, error) {
	prompt := fmt.Sprintf("Write the documentation page %q in %s as Markdown. Subsections: %s.",
		title, g.language(), strings.Join(plan.Subsections, ", "))
	if len(plan.Diagrams) > 0 {
		prompt += fmt.Sprintf(" Where a diagram belongs, insert the placeholder [DIAGRAM_N] for N in 0..%d.", len(plan.Diagrams)-1)
	}
	return g.call(ctx, []llm.Message{
		{Role: "system", Content: "You write precise technical documentation grounded in the provided source context."},
		{Role: "user", Content: prompt + "\n\n" + codeCtx},
	})
}

func (g *Generator) monolithicPage(ctx context.Context, title, codeCtx string) (string, error) {
	return g.call(ctx, []llm.Message{
		{Role: "system", Content: "You write precise technical documentation grounded in the provided source context."},
		{Role: "user", Content: fmt.Sprintf("Write the complete documentation page %q in %s as Markdown.\n\n%s", title, g.language(), codeCtx)},
	})
}

// splitDiagramBlocks indexes the diagram agent's output by placeholder
// number.
func splitDiagramBlocks(text string) map[int]string {
	out := map[int]string{}
	if text == "" {
		return out
	}
	locs := diagramPlaceholderRe.FindAllStringSubmatchIndex(text, -1)
	for i, loc := range locs {
		var n int
		fmt.Sscanf(text[loc[2]:loc[3]], "%d", &n)
		start := loc[1]
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		out[n] = strings.TrimSpace(text[start:end])
	}
	return out
}

// mergeDiagrams substitutes [DIAGRAM_N] placeholders in the prose with their
// spec blocks and strips placeholders no diagram answers.
func mergeDiagrams(prose string, diagrams map[int]string) string {
	return diagramPlaceholderRe.ReplaceAllStringFunc(prose, func(match string) string {
		sub := diagramPlaceholderRe.FindStringSubmatch(match)
		var n int
		fmt.Sscanf(sub[1], "%d", &n)
		if spec, ok := diagrams[n]; ok && spec != "" {
			return spec
		}
		return ""
	})
}

// summarizePage produces the 2-3 sentence summary fed to the navigation
// page.
func (g *Generator) summarizePage(ctx context.Context, title, content string) (string, error) {
	const maxInput = 8000
	if len(content) > maxInput {
		content = content[:maxInput]
	}
	return g.call(ctx, []llm.Message{
		{Role: "system", Content: "Summarize documentation pages in two to three sentences. Respond with the summary only."},
		{Role: "user", Content: fmt.Sprintf("Page %q:\n\n%s", title, content)},
	})
}

// extractJSON trims prose and code fences around a JSON object.
func extractJSON(s string) []byte {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return []byte(s)
	}
	return []byte(s[start : end+1])
}
