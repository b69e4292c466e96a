package parser

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Size caps. Source files above the code cap are skipped outright; docs and
// config files have a tighter cap because huge ones are invariably generated.
const (
	MaxCodeFileSize = 1 << 20   // 1 MiB
	MaxDocFileSize  = 100 << 10 // 100 KiB
)

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"out":          true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	".idea":        true,
	".vscode":      true,
	".terraform":   true,
	"coverage":     true,
}

var skipFiles = map[string]bool{
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
	"go.sum":            true,
	"cargo.lock":        true,
	"poetry.lock":       true,
	"uv.lock":           true,
	"composer.lock":     true,
	"gemfile.lock":      true,
	".ds_store":         true,
}

// codeExts are extensions walked as source code; docExts as documentation or
// configuration with the tighter size cap.
var codeExts = map[string]bool{
	".go": true, ".py": true, ".js": true, ".mjs": true, ".cjs": true,
	".ts": true, ".tsx": true, ".jsx": true, ".rs": true, ".java": true,
	".rb": true, ".c": true, ".h": true, ".cpp": true, ".cc": true,
	".hpp": true, ".cs": true, ".kt": true, ".swift": true, ".php": true,
	".scala": true, ".sh": true, ".bash": true, ".sql": true, ".proto": true,
}

var docExts = map[string]bool{
	".md": true, ".markdown": true, ".mdx": true, ".rst": true, ".txt": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".ini": true,
}

var docBasenames = map[string]bool{
	"dockerfile": true, "makefile": true, "license": true,
}

// WalkedFile is one file that passed the filters.
type WalkedFile struct {
	// Path is repository-relative, forward slashes.
	Path string
	Size int64
}

// Walk lists the parseable files under root, applying the skip rules:
// dependency and build directories, lockfiles, dotfiles except .env.example,
// unknown extensions and oversized files.
func Walk(root string) ([]WalkedFile, error) {
	var out []WalkedFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := strings.ToLower(d.Name())
		if d.IsDir() {
			if path != root && (skipDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !Parseable(name) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxSize(name) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, WalkedFile{Path: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Parseable reports whether a basename passes the file-level filters.
func Parseable(name string) bool {
	name = strings.ToLower(name)
	if skipFiles[name] {
		return false
	}
	if strings.HasPrefix(name, ".env") {
		// Secrets never enter the pipeline; the example template is fine.
		return name == ".env.example"
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	if docBasenames[name] {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	return codeExts[ext] || docExts[ext]
}

func maxSize(name string) int64 {
	ext := strings.ToLower(filepath.Ext(name))
	if docExts[ext] || docBasenames[strings.ToLower(name)] {
		return MaxDocFileSize
	}
	return MaxCodeFileSize
}

// ReadFile loads a walked file from disk.
func ReadFile(root, rel string) ([]byte, error) {
	return os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
}
