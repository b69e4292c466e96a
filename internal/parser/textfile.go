package parser

import (
	"strings"

	"git.home.luguber.info/inful/repowiki/internal/chunk"
)

// minParagraphChars filters out trivial paragraphs (separators, single
// words).
const minParagraphChars = 100

// TextParser chunks plain text by blank-line paragraphs.
type TextParser struct{}

func (p *TextParser) Parse(path string, content []byte) ([]chunk.Chunk, error) {
	lines := strings.Split(string(content), "\n")
	var chunks []chunk.Chunk

	start := 0
	flush := func(end int) {
		body := strings.TrimSpace(strings.Join(lines[start:end], "\n"))
		if len(body) >= minParagraphChars {
			c := chunk.New()
			c.FilePath = path
			c.Language = "text"
			c.NodeType = "paragraph"
			c.StartLine = start + 1
			c.EndLine = end
			c.Content = body
			chunks = append(chunks, c)
		}
	}
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			flush(i)
			start = i + 1
		}
	}
	flush(len(lines))
	return chunks, nil
}
