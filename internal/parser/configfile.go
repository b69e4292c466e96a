package parser

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"git.home.luguber.info/inful/repowiki/internal/chunk"
)

// Config chunk caps: a config chunk is a summary, not the whole file.
const (
	maxConfigChunkChars  = 5000
	maxPackageJSONChars  = 3000
	maxFallbackChunkSize = 8 << 10
)

// ConfigParser stores yaml/toml/json/ini files as a single truncated
// config_file chunk. Structure-aware extraction is reserved for the formats
// worth it (see PackageJSONParser).
type ConfigParser struct{}

func (p *ConfigParser) Parse(path string, content []byte) ([]chunk.Chunk, error) {
	body := strings.TrimSpace(string(content))
	if body == "" {
		return nil, nil
	}
	if len(body) > maxConfigChunkChars {
		body = body[:maxConfigChunkChars]
	}
	c := chunk.New()
	c.FilePath = path
	c.Language = Language(path)
	c.NodeType = "config_file"
	c.Name = baseName(path)
	c.StartLine = 1
	c.EndLine = strings.Count(string(content), "\n") + 1
	c.Content = body
	return []chunk.Chunk{c}, nil
}

// PackageJSONParser extracts the fields that describe a JS project (name,
// scripts, dependencies) instead of embedding the whole manifest.
type PackageJSONParser struct{}

func (p *PackageJSONParser) Parse(path string, content []byte) ([]chunk.Chunk, error) {
	var manifest struct {
		Name            string            `json:"name"`
		Version         string            `json:"version"`
		Description     string            `json:"description"`
		Scripts         map[string]string `json:"scripts"`
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(content, &manifest); err != nil {
		return (&ConfigParser{}).Parse(path, content)
	}

	var b strings.Builder
	if manifest.Name != "" {
		fmt.Fprintf(&b, "name: %s\n", manifest.Name)
	}
	if manifest.Version != "" {
		fmt.Fprintf(&b, "version: %s\n", manifest.Version)
	}
	if manifest.Description != "" {
		fmt.Fprintf(&b, "description: %s\n", manifest.Description)
	}
	writeMap(&b, "scripts", manifest.Scripts)
	writeMap(&b, "dependencies", manifest.Dependencies)
	writeMap(&b, "devDependencies", manifest.DevDependencies)

	body := b.String()
	if body == "" {
		return nil, nil
	}
	if len(body) > maxPackageJSONChars {
		body = body[:maxPackageJSONChars]
	}
	c := chunk.New()
	c.FilePath = path
	c.Language = "json"
	c.NodeType = "config_file"
	c.Name = "package.json"
	c.StartLine = 1
	c.EndLine = strings.Count(string(content), "\n") + 1
	c.Content = body
	return []chunk.Chunk{c}, nil
}

func writeMap(b *strings.Builder, label string, m map[string]string) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(b, "%s:\n", label)
	for _, k := range keys {
		fmt.Fprintf(b, "  %s: %s\n", k, m[k])
	}
}

// FallbackParser emits a single whole-file chunk, truncated to a sane cap.
// This is the catch-all for files no dedicated parser claims.
type FallbackParser struct{}

func (p *FallbackParser) Parse(path string, content []byte) ([]chunk.Chunk, error) {
	body := strings.TrimSpace(string(content))
	if body == "" {
		return nil, nil
	}
	if len(body) > maxFallbackChunkSize {
		body = body[:maxFallbackChunkSize]
	}
	c := chunk.New()
	c.FilePath = path
	c.Language = Language(path)
	c.NodeType = "module"
	c.Name = baseName(path)
	c.StartLine = 1
	c.EndLine = strings.Count(string(content), "\n") + 1
	c.Content = body
	return []chunk.Chunk{c}, nil
}

func baseName(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
