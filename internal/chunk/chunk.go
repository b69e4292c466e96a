// Package chunk defines the semantic unit produced by parsing and consumed by
// embedding and retrieval. Chunks live only in the vector store; the
// relational side tracks them indirectly through FileState chunk-id lists.
package chunk

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Chunk is one extracted semantic unit of a source, documentation, or
// configuration file.
type Chunk struct {
	ID         string
	FilePath   string // relative to the repository root, forward slashes
	NodeType   string // function, class, module, document_section, config_file, <type>_part, ...
	Name       string
	StartLine  int // 1-indexed, inclusive
	EndLine    int
	Content    string
	Language   string
	ParentID   string // enclosing chunk (methods inside classes), empty at top level
	ParentName string
	Calls      []string
	Docstring  string
	// Fields holds optional structured metadata, e.g. an ORM field list.
	Fields map[string]string
}

// New returns a chunk with a fresh opaque id.
func New() Chunk {
	return Chunk{ID: uuid.NewString()}
}

// EmbeddingText builds the string handed to the embedding provider. Language,
// type, name and path come first so short prefixes stay discriminative.
func (c *Chunk) EmbeddingText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Language: %s\n", c.Language)
	fmt.Fprintf(&b, "Type: %s\n", c.NodeType)
	fmt.Fprintf(&b, "Name: %s\n", c.Name)
	fmt.Fprintf(&b, "File: %s\n", c.FilePath)
	if c.Docstring != "" {
		fmt.Fprintf(&b, "Documentation: %s\n", c.Docstring)
	}
	fmt.Fprintf(&b, "Code:\n%s", c.Content)
	return b.String()
}

// Metadata flattens the chunk for vector-store storage. Values must stay
// scalar strings; lists are comma-joined.
func (c *Chunk) Metadata() map[string]string {
	m := map[string]string{
		"file_path":     c.FilePath,
		"node_type":     c.NodeType,
		"name":          c.Name,
		"start_line":    strconv.Itoa(c.StartLine),
		"end_line":      strconv.Itoa(c.EndLine),
		"language":      c.Language,
		"parent_name":   c.ParentName,
		"calls":         strings.Join(c.Calls, ","),
		"has_docstring": strconv.FormatBool(c.Docstring != ""),
	}
	for k, v := range c.Fields {
		m["field_"+k] = v
	}
	return m
}
