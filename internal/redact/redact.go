// Package redact masks repository access credentials in free-form text.
//
// Every string that can leave the process (log records, stored task error
// messages, progress event payloads) must pass through Scrub so that a PAT
// token handed to a clone never survives in any observable output.
package redact

import (
	"context"
	"log/slog"
	"regexp"
)

const placeholder = "[REDACTED]"

// Token shapes we know how to recognize. The URL-embedded form is matched
// first so the host part of the URL survives scrubbing.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`https://oauth2:[^@\s]+@`),
	regexp.MustCompile(`ghp_[A-Za-z0-9_]{8,}`),
	regexp.MustCompile(`glpat-[A-Za-z0-9\-_]{8,}`),
	regexp.MustCompile(`Bearer\s+[A-Za-z0-9\-_.]+`),
	regexp.MustCompile(`token=[A-Za-z0-9\-_.]+`),
}

// Scrub replaces every credential-shaped substring with a placeholder.
func Scrub(s string) string {
	for _, p := range patterns {
		s = p.ReplaceAllString(s, placeholder)
	}
	return s
}

// Error scrubs err's message; returns "" for nil.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return Scrub(err.Error())
}

// Handler wraps a slog.Handler and scrubs the message and all string
// attribute values of each record before delegation.
type Handler struct {
	inner slog.Handler
}

func NewHandler(inner slog.Handler) *Handler { return &Handler{inner: inner} }

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, Scrub(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(scrubAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = scrubAttr(a)
	}
	return &Handler{inner: h.inner.WithAttrs(scrubbed)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}

func scrubAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, Scrub(a.Value.String()))
	case slog.KindGroup:
		group := a.Value.Group()
		scrubbed := make([]any, 0, len(group))
		for _, g := range group {
			scrubbed = append(scrubbed, scrubAttr(g))
		}
		return slog.Group(a.Key, scrubbed...)
	default:
		return a
	}
}
