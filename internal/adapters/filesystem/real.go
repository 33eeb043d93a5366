// Package filesystem provides the host filesystem adapter used by the
// sandbox's read_file and write_file host functions.
package filesystem

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/felixgeelhaar/moat/internal/ports"
)

// fileMode is applied to every file a guest writes.
const fileMode os.FileMode = 0o644

// RealFileSystem implements ports.FileSystem on the operating system.
type RealFileSystem struct{}

// NewRealFileSystem creates a new RealFileSystem.
func NewRealFileSystem() *RealFileSystem {
	return &RealFileSystem{}
}

// Stat returns metadata about path.
func (fs *RealFileSystem) Stat(path string) (ports.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ports.FileInfo{}, err
	}
	return ports.FileInfo{Size: info.Size(), IsDir: info.IsDir()}, nil
}

// ReadFile reads path, stopping one byte past limit. The file may grow
// between a Stat and the read, so the limit is enforced on the bytes
// actually read.
func (fs *RealFileSystem) ReadFile(path string, limit int64) ([]byte, error) {
	if limit <= 0 {
		return os.ReadFile(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ports.ErrTooLarge, path, limit)
	}
	return data, nil
}

// WriteFile writes data to a temporary file next to path and renames it
// into place.
func (fs *RealFileSystem) WriteFile(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// EvalSymlinks resolves every symbolic link in path.
func (fs *RealFileSystem) EvalSymlinks(path string) (string, error) {
	return filepath.EvalSymlinks(path)
}

var _ ports.FileSystem = (*RealFileSystem)(nil)
