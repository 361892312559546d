// Package walker enumerates the source files a scan should read.
package walker

import (
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"
)

// Languages maps supported extensions to a language label used for
// reporting. Matching itself is language-agnostic.
var Languages = map[string]string{
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".kt":    "kotlin",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".go":    "go",
	".rs":    "rust",
	".php":   "php",
	".rb":    "ruby",
	".swift": "swift",
	".scala": "scala",
}

// IgnoredDirs are dependency and build directories skipped by exact name.
var IgnoredDirs = map[string]bool{
	"node_modules":     true,
	"bower_components": true,
	"venv":             true,
	".venv":            true,
	"env":              true,
	"dist":             true,
	"build":            true,
	"target":           true,
	"vendor":           true,
	".git":             true,
	"__pycache__":      true,
	".pytest_cache":    true,
	".mypy_cache":      true,
}

type Options struct {
	// Extensions overrides the Languages allow-list when non-empty.
	Extensions map[string]string
	// IgnoreDirs adds directory names skipped in addition to IgnoredDirs.
	IgnoreDirs []string
	// Exclude holds wildcard patterns matched against slash-separated paths
	// relative to the root. A matching directory is pruned.
	Exclude []string
}

type File struct {
	Path     string // as passed to the filesystem
	Rel      string // slash-separated, relative to the root
	Ext      string // lower-cased, with leading dot
	Language string
}

// Walk validates root and returns a lazy traversal of candidate files in
// lexical order. Each call to the returned sequence walks the tree afresh.
// A symlinked root is walked through its target; File.Path is then under
// the resolved directory.
func Walk(root string, opts Options) (iter.Seq[File], error) {
	root, err := ResolveRoot(root)
	if err != nil {
		return nil, err
	}
	f := newFilter(opts)

	return func(yield func(File) bool) {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable path")
				if d != nil && d.IsDir() && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			if path == root {
				return nil
			}

			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)

			if d.IsDir() {
				if f.skipDir(d.Name(), rel) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}

			file, ok := f.accept(path, rel, d.Name())
			if !ok {
				return nil
			}
			if !yield(file) {
				return filepath.SkipAll
			}
			return nil
		})
	}, nil
}

// ResolveRoot checks that root names a directory and returns it with
// symlinks evaluated. The path is used as given: surrounding whitespace is
// part of the name.
func ResolveRoot(root string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", &InvalidRootError{Root: root, Reason: "path is empty"}
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", &InvalidRootError{Root: root, Reason: "cannot stat path", Err: err}
	}
	if !info.IsDir() {
		return "", &InvalidRootError{Root: root, Reason: "not a directory"}
	}
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", &InvalidRootError{Root: root, Reason: "cannot resolve symlinks", Err: err}
	}
	return resolved, nil
}

type filter struct {
	extensions map[string]string
	ignoreDirs map[string]bool
	exclude    []string
}

func newFilter(opts Options) filter {
	f := filter{
		extensions: Languages,
		ignoreDirs: IgnoredDirs,
		exclude:    opts.Exclude,
	}
	if len(opts.Extensions) > 0 {
		f.extensions = make(map[string]string, len(opts.Extensions))
		for ext, lang := range opts.Extensions {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			f.extensions[ext] = lang
		}
	}
	if len(opts.IgnoreDirs) > 0 {
		f.ignoreDirs = make(map[string]bool, len(IgnoredDirs)+len(opts.IgnoreDirs))
		for name := range IgnoredDirs {
			f.ignoreDirs[name] = true
		}
		for _, name := range opts.IgnoreDirs {
			if name = strings.TrimSpace(name); name != "" {
				f.ignoreDirs[name] = true
			}
		}
	}
	return f
}

func (f filter) skipDir(name, rel string) bool {
	if strings.HasPrefix(name, ".") || f.ignoreDirs[name] {
		return true
	}
	return f.excluded(rel)
}

func (f filter) accept(path, rel, name string) (File, bool) {
	if strings.HasPrefix(name, ".") || f.excluded(rel) {
		return File{}, false
	}
	ext := strings.ToLower(filepath.Ext(name))
	lang, ok := f.extensions[ext]
	if !ok {
		return File{}, false
	}
	return File{Path: path, Rel: rel, Ext: ext, Language: lang}, true
}

func (f filter) excluded(rel string) bool {
	for _, pattern := range f.exclude {
		if wildcard.Match(pattern, rel) {
			return true
		}
	}
	return false
}

// SkipDir reports whether a directory with the given name and root-relative
// path is pruned by the walk. Watchers use it to mirror the walk's rules.
func SkipDir(name, rel string, opts Options) bool {
	return newFilter(opts).skipDir(name, filepath.ToSlash(rel))
}

// Candidate reports whether a walk with opts would yield the file at the
// root-relative path rel. Only the path is inspected; the file need not exist.
func Candidate(rel string, opts Options) bool {
	f := newFilter(opts)
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i := range len(parts) - 1 {
		if f.skipDir(parts[i], strings.Join(parts[:i+1], "/")) {
			return false
		}
	}
	name := parts[len(parts)-1]
	_, ok := f.accept(rel, strings.Join(parts, "/"), name)
	return ok
}
