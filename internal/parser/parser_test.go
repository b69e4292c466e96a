package parser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalkAppliesFilters(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	write("main.go", "package main\n")
	write("README.md", "# readme\n")
	write("internal/api/server.go", "package api\n")
	write("node_modules/pkg/index.js", "x")
	write(".git/config", "x")
	write("vendor/dep/dep.go", "x")
	write("package-lock.json", "{}")
	write(".env", "SECRET=1")
	write(".env.example", "SECRET=\n")
	write("photo.png", "binary")
	write("big.go", strings.Repeat("a", MaxCodeFileSize+1))
	write("big.md", strings.Repeat("a", int(MaxDocFileSize)+1))

	files, err := Walk(root)
	require.NoError(t, err)

	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	assert.ElementsMatch(t, []string{"main.go", "README.md", "internal/api/server.go", ".env.example"}, paths)
}

func TestParseable(t *testing.T) {
	assert.True(t, Parseable("main.go"))
	assert.True(t, Parseable("Makefile"))
	assert.True(t, Parseable("Dockerfile"))
	assert.True(t, Parseable(".env.example"))
	assert.False(t, Parseable(".env"))
	assert.False(t, Parseable(".env.production"))
	assert.False(t, Parseable("go.sum"))
	assert.False(t, Parseable("yarn.lock"))
	assert.False(t, Parseable("logo.svg"))
	assert.False(t, Parseable(".gitignore"))
}

func TestGoParserExtractsDecls(t *testing.T) {
	src := `package server

import "fmt"

// Server handles requests.
type Server struct {
	Addr string
	Port int
}

// Run starts the listener.
func (s *Server) Run() error {
	fmt.Println(s.Addr)
	return s.listen()
}

func helper() {}
`
	chunks, err := (&GoParser{}).Parse("internal/server/server.go", []byte(src))
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	byName := map[string]int{}
	for i, c := range chunks {
		byName[c.Name] = i
		assert.Equal(t, "go", c.Language)
		assert.Equal(t, "internal/server/server.go", c.FilePath)
		assert.Positive(t, c.StartLine)
		assert.GreaterOrEqual(t, c.EndLine, c.StartLine)
	}

	typ := chunks[byName["Server"]]
	assert.Equal(t, "type", typ.NodeType)
	assert.Equal(t, "Server handles requests.", typ.Docstring)
	assert.Equal(t, "string", typ.Fields["Addr"])
	assert.Equal(t, "int", typ.Fields["Port"])

	run := chunks[byName["Run"]]
	assert.Equal(t, "method", run.NodeType)
	assert.Equal(t, "Server", run.ParentName)
	assert.Equal(t, []string{"Println", "listen"}, run.Calls)
	assert.Contains(t, run.Content, "func (s *Server) Run() error")

	fn := chunks[byName["helper"]]
	assert.Equal(t, "function", fn.NodeType)
	assert.Empty(t, fn.Docstring)
}

func TestGoParserFallsBackOnBrokenSource(t *testing.T) {
	chunks, err := (&GoParser{}).Parse("broken.go", []byte("package {{{"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "module", chunks[0].NodeType)
}

func TestMarkdownParserSections(t *testing.T) {
	doc := `# Title

This intro paragraph is comfortably longer than fifty characters in total.

## Setup

Install the thing, configure the thing, then run the thing until it works.

## Tiny

short
`
	chunks, err := (&MarkdownParser{}).Parse("README.md", []byte(doc))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Title", chunks[0].Name)
	assert.Equal(t, "document_section", chunks[0].NodeType)
	assert.Contains(t, chunks[0].Content, "intro paragraph")
	assert.Equal(t, "Setup", chunks[1].Name)
	// The under-50-chars section is dropped.
	for _, c := range chunks {
		assert.NotEqual(t, "Tiny", c.Name)
	}
}

func TestMarkdownParserResplitsHugeSection(t *testing.T) {
	doc := "# Big\n\n" + strings.Repeat("lorem ipsum dolor sit amet ", 1000)
	chunks, err := (&MarkdownParser{}).Parse("doc.md", []byte(doc))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Content), maxSectionChars)
		assert.Equal(t, "Big", c.Name)
	}
	// Consecutive parts share the overlap tail.
	tail := chunks[0].Content[len(chunks[0].Content)-resplitOverlap:]
	assert.True(t, strings.HasPrefix(chunks[1].Content, tail))
}

func TestMarkdownPreambleBeforeFirstHeading(t *testing.T) {
	doc := "This document has a preamble long enough to survive the minimum size filter.\n\n# Later\n\nBody text that is also long enough to survive the minimum size filter here.\n"
	chunks, err := (&MarkdownParser{}).Parse("doc.md", []byte(doc))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Empty(t, chunks[0].Name)
	assert.Equal(t, "Later", chunks[1].Name)
}

func TestTextParserParagraphs(t *testing.T) {
	long := strings.Repeat("sentence goes here. ", 8)
	doc := long + "\n\nshort\n\n" + long
	chunks, err := (&TextParser{}).Parse("notes.txt", []byte(doc))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "paragraph", chunks[0].NodeType)
}

func TestPackageJSONParser(t *testing.T) {
	manifest := `{
		"name": "widgets",
		"version": "1.2.3",
		"description": "widget factory",
		"scripts": {"build": "tsc", "test": "vitest"},
		"dependencies": {"react": "^18.0.0"},
		"devDependencies": {"vitest": "^1.0.0"}
	}`
	chunks, err := (&PackageJSONParser{}).Parse("package.json", []byte(manifest))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	c := chunks[0]
	assert.Equal(t, "config_file", c.NodeType)
	assert.Contains(t, c.Content, "name: widgets")
	assert.Contains(t, c.Content, "build: tsc")
	assert.Contains(t, c.Content, "react: ^18.0.0")
	// The raw JSON punctuation is not embedded.
	assert.NotContains(t, c.Content, "{")
}

func TestPackageJSONParserInvalidJSONFallsBack(t *testing.T) {
	chunks, err := (&PackageJSONParser{}).Parse("package.json", []byte("not json but long enough to keep"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "config_file", chunks[0].NodeType)
}

func TestConfigParserTruncates(t *testing.T) {
	big := strings.Repeat("key: value\n", 2000)
	chunks, err := (&ConfigParser{}).Parse("config.yaml", []byte(big))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, maxConfigChunkChars, len(chunks[0].Content))
	assert.Equal(t, "yaml", chunks[0].Language)
}

func TestFallbackParser(t *testing.T) {
	chunks, err := (&FallbackParser{}).Parse("scripts/deploy.sh", []byte("#!/bin/sh\necho hi\n"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "module", chunks[0].NodeType)
	assert.Equal(t, "deploy.sh", chunks[0].Name)
	assert.Equal(t, "shell", chunks[0].Language)

	empty, err := (&FallbackParser{}).Parse("empty.sh", []byte("  \n"))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRegistryRouting(t *testing.T) {
	r := NewRegistry()
	assert.IsType(t, &GoParser{}, r.For("a/b/c.go"))
	assert.IsType(t, &MarkdownParser{}, r.For("README.md"))
	assert.IsType(t, &PackageJSONParser{}, r.For("web/package.json"))
	assert.IsType(t, &ConfigParser{}, r.For("deploy/values.yaml"))
	assert.IsType(t, &TextParser{}, r.For("NOTES.txt"))
	assert.IsType(t, &FallbackParser{}, r.For("main.rs"))
}

func TestContentHashStable(t *testing.T) {
	a := ContentHash([]byte("hello"))
	b := ContentHash([]byte("hello"))
	c := ContentHash([]byte("hello!"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
