// Package offline registers a deterministic model provider that needs no
// network and no credentials. Embeddings are content-hash vectors and
// generations are template text, so wiki output is placeholder-grade, but
// every pipeline stage runs end to end. Importing the package for side
// effects makes the provider available:
//
//	import _ "git.home.luguber.info/inful/repowiki/internal/llm/offline"
package offline

import (
	"context"
	"fmt"
	"strings"

	"git.home.luguber.info/inful/repowiki/internal/llm"
)

// Name is the provider name accepted by llm.Open.
const Name = "offline"

func init() {
	llm.Register(Name, func(string) (llm.Generator, llm.Embedder, error) {
		return &generator{}, &llm.HashEmbedder{}, nil
	})
}

type generator struct{}

func (g *generator) Generate(_ context.Context, messages []llm.Message, _ llm.Options) (llm.Response, error) {
	var user string
	for _, m := range messages {
		if m.Role == "user" {
			user = m.Content
		}
	}
	return llm.Response{Text: fmt.Sprintf("## Notes\n\nOffline placeholder for: %s\n", subjectOf(user))}, nil
}

func (g *generator) Stream(ctx context.Context, messages []llm.Message, opts llm.Options) (<-chan string, error) {
	resp, err := g.Generate(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	ch := make(chan string, 1)
	ch <- resp.Text
	close(ch)
	return ch, nil
}

// subjectOf reduces a prompt to a short stable label.
func subjectOf(prompt string) string {
	line := prompt
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) > 80 {
		line = line[:80]
	}
	if line == "" {
		return "untitled request"
	}
	return line
}
