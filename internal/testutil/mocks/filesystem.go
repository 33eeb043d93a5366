// Package mocks provides in-memory test doubles for the ports interfaces.
package mocks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/felixgeelhaar/moat/internal/ports"
)

const maxLinkHops = 32

// FileSystem is a thread-safe in-memory ports.FileSystem.
type FileSystem struct {
	mu       sync.RWMutex
	files    map[string][]byte
	symlinks map[string]string
	dirs     map[string]bool
	writes   int
}

// NewFileSystem creates a new FileSystem mock.
func NewFileSystem() *FileSystem {
	return &FileSystem{
		files:    make(map[string][]byte),
		symlinks: make(map[string]string),
		dirs:     make(map[string]bool),
	}
}

// AddFile adds a file to the mock filesystem.
func (fs *FileSystem) AddFile(path string, content string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[filepath.Clean(path)] = []byte(content)
}

// AddSymlink adds a symlink to the mock filesystem.
func (fs *FileSystem) AddSymlink(link, target string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.symlinks[filepath.Clean(link)] = filepath.Clean(target)
}

// AddDir adds a directory to the mock filesystem.
func (fs *FileSystem) AddDir(path string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.dirs[filepath.Clean(path)] = true
}

// Writes returns how many WriteFile calls succeeded.
func (fs *FileSystem) Writes() int {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.writes
}

// ReadFile reads a file from the mock filesystem.
func (fs *FileSystem) ReadFile(path string, limit int64) ([]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	content, ok := fs.files[filepath.Clean(path)]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	if limit > 0 && int64(len(content)) > limit {
		return nil, fmt.Errorf("%w: %s", ports.ErrTooLarge, path)
	}
	return append([]byte(nil), content...), nil
}

// WriteFile writes a file to the mock filesystem. Like the real adapter it
// fails when the parent directory does not exist.
func (fs *FileSystem) WriteFile(path string, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	clean := filepath.Clean(path)
	if parent := filepath.Dir(clean); parent != string(filepath.Separator) && !fs.existsLocked(parent) {
		return &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	fs.files[clean] = append([]byte(nil), data...)
	fs.writes++
	return nil
}

// Stat returns metadata about a path in the mock filesystem.
func (fs *FileSystem) Stat(path string) (ports.FileInfo, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	clean := filepath.Clean(path)
	if content, ok := fs.files[clean]; ok {
		return ports.FileInfo{Size: int64(len(content))}, nil
	}
	if fs.existsLocked(clean) {
		return ports.FileInfo{IsDir: true}, nil
	}
	return ports.FileInfo{}, &os.PathError{Op: "stat", Path: path, Err: os.ErrNotExist}
}

// EvalSymlinks resolves registered symlinks, including links on any parent
// directory of path.
func (fs *FileSystem) EvalSymlinks(path string) (string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	current := filepath.Clean(path)
	for hops := 0; ; hops++ {
		if hops > maxLinkHops {
			return "", fmt.Errorf("too many links resolving %s", path)
		}
		next, changed := fs.resolveOnce(current)
		if !changed {
			break
		}
		current = next
	}

	if !fs.existsLocked(current) {
		return "", &os.PathError{Op: "lstat", Path: path, Err: os.ErrNotExist}
	}
	return current, nil
}

func (fs *FileSystem) resolveOnce(path string) (string, bool) {
	for link, target := range fs.symlinks {
		if path == link {
			return target, true
		}
		if strings.HasPrefix(path, link+string(filepath.Separator)) {
			return filepath.Join(target, strings.TrimPrefix(path, link)), true
		}
	}
	return path, false
}

func (fs *FileSystem) existsLocked(path string) bool {
	if _, ok := fs.files[path]; ok {
		return true
	}
	if fs.dirs[path] {
		return true
	}
	prefix := path + string(filepath.Separator)
	for p := range fs.files {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	for p := range fs.dirs {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

var _ ports.FileSystem = (*FileSystem)(nil)
