package sandbox

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/moat/internal/ports"
)

// pathGuard confines file host functions to a set of allowed roots. Paths
// are cleaned and symlinks resolved before the containment check, so neither
// ".." segments nor links can escape a root.
type pathGuard struct {
	fs       ports.FileSystem
	declared []string
	roots    []string
}

func newPathGuard(fsys ports.FileSystem, roots []string) *pathGuard {
	g := &pathGuard{fs: fsys}
	for _, root := range roots {
		clean := filepath.Clean(root)
		g.declared = append(g.declared, clean)
		if fsys != nil {
			if real, err := fsys.EvalSymlinks(clean); err == nil {
				clean = real
			}
		}
		g.roots = append(g.roots, clean)
	}
	return g
}

// Resolve returns the canonical form of path, or a SecurityError when it
// lies outside every allowed root. Relative paths are taken relative to the
// first root.
func (g *pathGuard) Resolve(path string) (string, error) {
	if path == "" || strings.ContainsRune(path, 0) {
		return "", invalidInput("path must be non-empty and free of NUL bytes")
	}
	if len(g.roots) == 0 {
		return "", &SecurityError{Kind: KindPathTraversal, Detail: "no allowed roots configured"}
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(g.roots[0], candidate)
	}
	candidate = filepath.Clean(candidate)

	real, err := g.canonical(candidate)
	if err != nil {
		return "", err
	}
	lexical := within(g.declared, candidate) || within(g.roots, candidate)
	if !lexical || !within(g.roots, real) {
		return "", &SecurityError{Kind: KindPathTraversal, Detail: path}
	}
	return real, nil
}

// canonical resolves symlinks on the longest existing prefix of path so
// that files which do not exist yet can still be checked.
func (g *pathGuard) canonical(path string) (string, error) {
	if g.fs == nil {
		return path, nil
	}
	dir, rest := path, ""
	for {
		real, err := g.fs.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(real, rest), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", &SecurityError{Kind: KindPathTraversal, Detail: err.Error()}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return path, nil
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}

func within(roots []string, path string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}
