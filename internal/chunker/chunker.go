// Package chunker enforces the embedding size budget. Parsed chunks that
// would blow the provider's token window are cut into overlapping line
// windows before embedding.
package chunker

import (
	"fmt"

	"strings"

	"git.home.luguber.info/inful/repowiki/internal/chunk"
	"github.com/google/uuid"
)

// MaxTokens is the per-chunk budget. Token count is estimated at four bytes
// per token, the usual safe ratio for code.
const MaxTokens = 6000

// Derived window geometry: a window holds the byte budget at an assumed 80
// bytes per line, with a small line overlap stitching neighboring windows.
const (
	bytesPerToken = 4
	bytesPerLine  = 80
	WindowLines   = MaxTokens * bytesPerToken / bytesPerLine
	OverlapLines  = 20
)

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	return len(s) / bytesPerToken
}

// Split returns the chunk itself when it fits the budget, otherwise a series
// of windowed parts. Parts are typed "<original>_part" and named with a part
// suffix; call lists and docstrings stay only on the first part so they are
// not embedded repeatedly.
func Split(c chunk.Chunk) []chunk.Chunk {
	if EstimateTokens(c.Content) <= MaxTokens {
		return []chunk.Chunk{c}
	}
	lines := strings.Split(c.Content, "\n")
	var parts []chunk.Chunk
	step := WindowLines - OverlapLines
	for start := 0; start < len(lines); start += step {
		end := start + WindowLines
		if end > len(lines) {
			end = len(lines)
		}
		part := c
		part.ID = uuid.NewString()
		part.NodeType = c.NodeType + "_part"
		part.Name = fmt.Sprintf("%s_part_%d", c.Name, len(parts))
		part.Content = strings.Join(lines[start:end], "\n")
		part.StartLine = c.StartLine + start
		part.EndLine = c.StartLine + end - 1
		if len(parts) > 0 {
			part.Calls = nil
			part.Docstring = ""
			part.Fields = nil
		}
		parts = append(parts, part)
		if end == len(lines) {
			break
		}
	}
	return parts
}

// SplitAll applies Split to every chunk, preserving order.
func SplitAll(chunks []chunk.Chunk) []chunk.Chunk {
	out := make([]chunk.Chunk, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, Split(c)...)
	}
	return out
}
