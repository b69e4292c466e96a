// Package llm defines the language-model and embedding capabilities consumed
// by the wiki generator and the embed stage. Concrete providers live outside
// the core; the package ships the shared error taxonomy and test doubles.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Message is one turn of a model conversation.
type Message struct {
	Role    string // system | user | assistant
	Content string
}

// Options tune a single generation call.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int // 0 = provider default
}

// Usage reports token accounting when the provider supplies it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is the result of a completed generation.
type Response struct {
	Text  string
	Usage Usage
}

// Generator produces text from a message sequence.
type Generator interface {
	Generate(ctx context.Context, messages []Message, opts Options) (Response, error)
	// Stream yields tokens on the returned channel until the generation
	// finishes or ctx is cancelled; the channel is closed either way.
	Stream(ctx context.Context, messages []Message, opts Options) (<-chan string, error)
}

// Embedder turns texts into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// ErrorKind classifies provider failures for retry and degradation decisions.
type ErrorKind int

const (
	KindFatal ErrorKind = iota
	KindRateLimit
	KindConnection
	KindContextLength
)

// Error wraps a provider failure with its kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm: %s: %v", e.Kind.String(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindConnection:
		return "connection"
	case KindContextLength:
		return "context_length"
	default:
		return "fatal"
	}
}

// Wrap attaches a kind to err.
func Wrap(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// overflowKeywords are provider phrasings that all mean the prompt exceeded
// the context window.
var overflowKeywords = []string{
	"context_length_exceeded",
	"maximum context length",
	"token limit",
	"max_tokens",
	"content too large",
	"request too large",
	"too many tokens",
	"input too long",
}

// IsContextLength reports whether err indicates the prompt blew the context
// window. Falls back to keyword matching for providers that return plain
// strings.
func IsContextLength(err error) bool {
	var le *Error
	if errors.As(err, &le) && le.Kind == KindContextLength {
		return true
	}
	msg := strings.ToLower(fmt.Sprint(err))
	for _, kw := range overflowKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err is worth another attempt (rate limit or
// connection trouble). Context-length errors are never retryable as-is; they
// need degradation.
func IsRetryable(err error) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind == KindRateLimit || le.Kind == KindConnection
	}
	return false
}
