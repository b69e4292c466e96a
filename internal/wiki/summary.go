package wiki

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"git.home.luguber.info/inful/repowiki/internal/store"
)

// Summary caps. The summary is prompt material, so everything is bounded.
const (
	maxTreeEntries     = 200
	maxTopFiles        = 30
	maxReadmeHeadBytes = 4000
	maxManifestBytes   = 3000
	maxSymbolsPerFile  = 15
)

// manifestFiles are read for the dependency context of the overview page.
var manifestFiles = []string{
	"go.mod", "package.json", "pyproject.toml", "requirements.txt",
	"Cargo.toml", "pom.xml", "build.gradle", "composer.json", "Gemfile",
}

// Summary is the repository digest fed to the outline and overview prompts.
type Summary struct {
	RepoName   string
	FileTree   string
	ReadmeHead string
	// TopFiles are the paths with the most indexed definitions, densest
	// first.
	TopFiles  []string
	Languages map[string]int
	// SymbolCatalog maps path to its top-level definition names.
	SymbolCatalog map[string][]string
	// DependencyContext is the concatenated head of known manifest files.
	DependencyContext string
}

// BuildSummary assembles the digest from the repo index and the clone on
// disk. A missing index yields a thin summary rather than an error.
func BuildSummary(ctx context.Context, st *store.Store, repo *store.Repository) (*Summary, error) {
	s := &Summary{
		RepoName:      repo.Name,
		Languages:     map[string]int{},
		SymbolCatalog: map[string][]string{},
	}

	idx, err := st.GetRepoIndex(ctx, repo.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if idx != nil {
		type density struct {
			path string
			n    int
		}
		var files []density
		var tree []string
		for path, entries := range idx.Files {
			files = append(files, density{path: path, n: len(entries)})
			tree = append(tree, path)
			ext := strings.ToLower(filepath.Ext(path))
			if ext != "" {
				s.Languages[strings.TrimPrefix(ext, ".")]++
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name)
				if len(names) >= maxSymbolsPerFile {
					break
				}
			}
			s.SymbolCatalog[path] = names
		}
		sort.Slice(files, func(i, j int) bool {
			if files[i].n != files[j].n {
				return files[i].n > files[j].n
			}
			return files[i].path < files[j].path
		})
		for _, f := range files {
			s.TopFiles = append(s.TopFiles, f.path)
			if len(s.TopFiles) >= maxTopFiles {
				break
			}
		}
		sort.Strings(tree)
		if len(tree) > maxTreeEntries {
			tree = tree[:maxTreeEntries]
		}
		s.FileTree = strings.Join(tree, "\n")
	}

	if repo.LocalPath != "" {
		s.ReadmeHead = readmeHead(repo.LocalPath)
		s.DependencyContext = dependencyContext(repo.LocalPath)
	}
	return s, nil
}

func readmeHead(root string) string {
	for _, name := range []string{"README.md", "README.rst", "README.txt", "readme.md"} {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		if len(data) > maxReadmeHeadBytes {
			data = data[:maxReadmeHeadBytes]
		}
		return string(data)
	}
	return ""
}

func dependencyContext(root string) string {
	var b strings.Builder
	for _, name := range manifestFiles {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		if len(data) > maxManifestBytes {
			data = data[:maxManifestBytes]
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n", name, data)
	}
	return b.String()
}

// Prompt renders the summary for the outline request.
func (s *Summary) Prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\n\n", s.RepoName)
	if s.ReadmeHead != "" {
		fmt.Fprintf(&b, "README head:\n%s\n\n", s.ReadmeHead)
	}
	if len(s.Languages) > 0 {
		exts := make([]string, 0, len(s.Languages))
		for ext := range s.Languages {
			exts = append(exts, ext)
		}
		sort.Strings(exts)
		b.WriteString("File types: ")
		for i, ext := range exts {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s (%d)", ext, s.Languages[ext])
		}
		b.WriteString("\n\n")
	}
	if s.FileTree != "" {
		fmt.Fprintf(&b, "File tree:\n%s\n\n", s.FileTree)
	}
	if len(s.TopFiles) > 0 {
		b.WriteString("Densest files with their definitions:\n")
		for _, path := range s.TopFiles {
			fmt.Fprintf(&b, "- %s: %s\n", path, strings.Join(s.SymbolCatalog[path], ", "))
		}
	}
	return b.String()
}
