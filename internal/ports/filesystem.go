package ports

import "errors"

// ErrTooLarge is returned by FileSystem.ReadFile when a file is larger than
// the requested limit.
var ErrTooLarge = errors.New("file exceeds read limit")

// FileInfo describes a path.
type FileInfo struct {
	Size  int64
	IsDir bool
}

// FileSystem is the host filesystem as seen by the sandbox's file host
// functions and the module loader. Paths are absolute by the time the host
// functions reach an implementation.
type FileSystem interface {
	// Stat follows symbolic links.
	Stat(path string) (FileInfo, error)

	// ReadFile reads at most limit bytes and fails with ErrTooLarge when the
	// file holds more. A limit of zero or less reads the whole file.
	ReadFile(path string, limit int64) ([]byte, error)

	// WriteFile replaces path as a whole; a concurrent reader sees either
	// the old content or the new.
	WriteFile(path string, data []byte) error

	// EvalSymlinks returns the path after resolving every symbolic link.
	EvalSymlinks(path string) (string, error)
}
