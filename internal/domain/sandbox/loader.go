package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/moat/internal/domain/modcache"
	"github.com/felixgeelhaar/moat/internal/ports"
)

// ManifestFile is the manifest name looked up in a module directory.
const ManifestFile = "module.yaml"

// ModuleManifest describes a packaged module.
type ModuleManifest struct {
	// ID is the unique module identifier
	ID string `yaml:"id"`

	// Name is the human-readable name
	Name string `yaml:"name"`

	Description string `yaml:"description,omitempty"`

	// Module is the path to the WASM binary, relative to the manifest
	Module string `yaml:"module"`

	// Checksum is the hex SHA-256 of the binary
	Checksum string `yaml:"checksum"`

	// Entry is the default exported function. Defaults to "main".
	Entry string `yaml:"entry,omitempty"`

	// Args are default arguments in type:value form
	Args []string `yaml:"args,omitempty"`
}

// Validate checks required fields.
func (m *ModuleManifest) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: missing id", ErrManifestInvalid)
	case m.Name == "":
		return fmt.Errorf("%w: missing name", ErrManifestInvalid)
	case m.Module == "":
		return fmt.Errorf("%w: missing module path", ErrManifestInvalid)
	case filepath.IsAbs(m.Module) || strings.HasPrefix(filepath.Clean(m.Module), ".."):
		return fmt.Errorf("%w: module path %q must stay inside the module directory", ErrManifestInvalid, m.Module)
	case len(m.Checksum) != 64:
		return fmt.Errorf("%w: checksum must be a hex sha256", ErrManifestInvalid)
	}
	for _, a := range m.Args {
		if _, err := ParseValue(a); err != nil {
			return fmt.Errorf("%w: %w", ErrManifestInvalid, err)
		}
	}
	return nil
}

// Package is a loaded, checksum-verified module.
type Package struct {
	Manifest ModuleManifest
	Code     []byte
}

// Request builds an execution request from the manifest defaults.
func (p *Package) Request(limits ResourceLimits) (Request, error) {
	args := make([]Value, 0, len(p.Manifest.Args))
	for _, a := range p.Manifest.Args {
		v, err := ParseValue(a)
		if err != nil {
			return Request{}, err
		}
		args = append(args, v)
	}
	return Request{Module: p.Code, Entry: p.Manifest.Entry, Args: args, Limits: limits}, nil
}

// Loader reads packaged modules from a filesystem.
type Loader struct {
	fs ports.FileSystem
}

// maxManifestBytes caps module.yaml reads.
const maxManifestBytes = 64 << 10

// NewLoader creates a module loader.
func NewLoader(fsys ports.FileSystem) *Loader {
	return &Loader{fs: fsys}
}

// LoadManifest reads and validates dir/module.yaml.
func (l *Loader) LoadManifest(dir string) (*ModuleManifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := l.fs.ReadFile(path, maxManifestBytes)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, path)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest ModuleManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestInvalid, err)
	}
	if manifest.Entry == "" {
		manifest.Entry = "main"
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// Load reads the manifest in dir and the binary it names, and verifies the
// binary against the recorded checksum.
func (l *Loader) Load(dir string) (*Package, error) {
	manifest, err := l.LoadManifest(dir)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, manifest.Module)
	code, err := l.fs.ReadFile(path, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, path)
		}
		return nil, fmt.Errorf("failed to read module: %w", err)
	}

	if actual := Checksum(code); !strings.EqualFold(actual, manifest.Checksum) {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, manifest.Checksum, actual)
	}
	return &Package{Manifest: *manifest, Code: code}, nil
}

// Checksum returns the hex SHA-256 of code, the same digest that keys the
// compiled module cache.
func Checksum(code []byte) string {
	return modcache.KeyOf(code).String()
}
