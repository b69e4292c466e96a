// Package parser turns repository files into semantic chunks. A registry
// maps file extensions to parsers; files no parser claims fall back to a
// single whole-file chunk.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/repowiki/internal/chunk"
)

// Parser extracts chunks from one file. Path is repository-relative with
// forward slashes.
type Parser interface {
	Parse(path string, content []byte) ([]chunk.Chunk, error)
}

// ContentHash is the idempotency hash of a file's bytes.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Registry resolves the parser for a path.
type Registry struct {
	byExt  map[string]Parser
	byName map[string]Parser
}

// NewRegistry returns the default registry: Go sources get AST parsing,
// markdown gets heading sections, known config formats get key extraction,
// plain text gets paragraphs, everything else whole-file chunks.
func NewRegistry() *Registry {
	r := &Registry{byExt: map[string]Parser{}, byName: map[string]Parser{}}

	r.byExt[".go"] = &GoParser{}

	md := &MarkdownParser{}
	r.byExt[".md"] = md
	r.byExt[".markdown"] = md
	r.byExt[".mdx"] = md

	txt := &TextParser{}
	r.byExt[".txt"] = txt
	r.byExt[".rst"] = txt

	cfg := &ConfigParser{}
	for _, ext := range []string{".json", ".yaml", ".yml", ".toml", ".ini"} {
		r.byExt[ext] = cfg
	}
	r.byName["package.json"] = &PackageJSONParser{}
	r.byName["dockerfile"] = &FallbackParser{}
	r.byName["makefile"] = &FallbackParser{}

	return r
}

// For returns the parser for path, falling back to FallbackParser.
func (r *Registry) For(path string) Parser {
	base := strings.ToLower(filepath.Base(path))
	if p, ok := r.byName[base]; ok {
		return p
	}
	if p, ok := r.byExt[strings.ToLower(filepath.Ext(path))]; ok {
		return p
	}
	return &FallbackParser{}
}

// Language guesses the language label stored on chunks.
func Language(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".rs":
		return "rust"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".c", ".h":
		return "c"
	case ".cpp", ".cc", ".hpp":
		return "cpp"
	case ".md", ".markdown", ".mdx":
		return "markdown"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	case ".sh", ".bash":
		return "shell"
	case ".txt", ".rst":
		return "text"
	default:
		return "unknown"
	}
}
