package parser

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"git.home.luguber.info/inful/repowiki/internal/chunk"
)

// Markdown sectioning bounds. Sections shorter than minSectionChars merge
// into their neighbor; sections over maxSectionChars are resplit with a small
// overlap so no embedding input explodes.
const (
	minSectionChars = 50
	maxSectionChars = 8000
	resplitOverlap  = 200
	maxHeadingLevel = 3
)

// MarkdownParser splits a document into one chunk per H1..H3 section.
type MarkdownParser struct{}

type mdSection struct {
	title     string
	startLine int
	endLine   int
	body      string
}

func (p *MarkdownParser) Parse(path string, content []byte) ([]chunk.Chunk, error) {
	sections := splitSections(content)
	if len(sections) == 0 {
		return nil, nil
	}

	var chunks []chunk.Chunk
	for _, sec := range sections {
		if len(strings.TrimSpace(sec.body)) < minSectionChars {
			continue
		}
		for _, part := range resplit(sec.body) {
			c := chunk.New()
			c.FilePath = path
			c.Language = "markdown"
			c.NodeType = "document_section"
			c.Name = sec.title
			c.StartLine = sec.startLine
			c.EndLine = sec.endLine
			c.Content = part
			chunks = append(chunks, c)
		}
	}
	return chunks, nil
}

// splitSections walks the goldmark AST and cuts the source at every H1..H3.
// Content before the first heading becomes an untitled preamble section.
func splitSections(content []byte) []mdSection {
	md := goldmark.New()
	reader := text.NewReader(content)
	doc := md.Parser().Parse(reader)

	lines := strings.Split(string(content), "\n")
	type cut struct {
		line  int // 0-indexed line of the heading
		title string
	}
	var cuts []cut

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok || h.Level > maxHeadingLevel {
			return ast.WalkContinue, nil
		}
		segs := h.Lines()
		if segs.Len() == 0 {
			return ast.WalkContinue, nil
		}
		seg := segs.At(0)
		line := lineOfOffset(content, seg.Start)
		title := strings.TrimSpace(string(content[seg.Start:seg.Stop]))
		cuts = append(cuts, cut{line: line, title: title})
		return ast.WalkContinue, nil
	})

	var sections []mdSection
	appendSection := func(title string, from, to int) {
		if from >= to {
			return
		}
		body := strings.Join(lines[from:to], "\n")
		sections = append(sections, mdSection{
			title:     title,
			startLine: from + 1,
			endLine:   to,
			body:      body,
		})
	}

	if len(cuts) == 0 {
		appendSection("", 0, len(lines))
		return sections
	}
	if cuts[0].line > 0 {
		appendSection("", 0, cuts[0].line)
	}
	for i, c := range cuts {
		end := len(lines)
		if i+1 < len(cuts) {
			end = cuts[i+1].line
		}
		appendSection(c.title, c.line, end)
	}
	return sections
}

func lineOfOffset(content []byte, offset int) int {
	line := 0
	for i := 0; i < offset && i < len(content); i++ {
		if content[i] == '\n' {
			line++
		}
	}
	return line
}

// resplit cuts an oversized section into maxSectionChars pieces with a
// trailing overlap carried into the next piece.
func resplit(body string) []string {
	if len(body) <= maxSectionChars {
		return []string{body}
	}
	var parts []string
	for start := 0; start < len(body); {
		end := start + maxSectionChars
		if end >= len(body) {
			parts = append(parts, body[start:])
			break
		}
		parts = append(parts, body[start:end])
		start = end - resplitOverlap
	}
	return parts
}
