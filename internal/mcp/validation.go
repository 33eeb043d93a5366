package mcp

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/moat/internal/domain/sandbox"
)

// Input validation errors.
var (
	ErrNoModule        = errors.New("one of module, module_path or package_dir is required")
	ErrAmbiguousModule = errors.New("only one of module, module_path or package_dir may be set")
	ErrInvalidPath     = errors.New("invalid path")
	ErrInvalidLimit    = errors.New("invalid limit override")
)

// maxModuleArgs bounds the argument list; no WebAssembly entry point a
// caller can reasonably target takes more.
const maxModuleArgs = 64

// ValidateExecuteInput validates ExecuteInput fields.
func ValidateExecuteInput(in *ExecuteInput) error {
	if err := validateSource(in.Module, in.ModulePath, in.PackageDir); err != nil {
		return err
	}
	if strings.ContainsAny(in.Entry, "\x00\n") {
		return fmt.Errorf("invalid entry: %q", in.Entry)
	}
	if len(in.Args) > maxModuleArgs {
		return fmt.Errorf("invalid args: at most %d arguments", maxModuleArgs)
	}
	for i, a := range in.Args {
		if _, err := sandbox.ParseValue(a); err != nil {
			return fmt.Errorf("invalid args[%d]: %w", i, err)
		}
	}
	if in.TimeoutMS < 0 {
		return fmt.Errorf("%w: timeout_ms must not be negative", ErrInvalidLimit)
	}
	if in.MaxHostCalls < 0 {
		return fmt.Errorf("%w: max_host_calls must not be negative", ErrInvalidLimit)
	}
	return nil
}

// ValidateValidateInput validates ValidateInput fields.
func ValidateValidateInput(in *ValidateInput) error {
	return validateSource(in.Module, in.ModulePath, in.PackageDir)
}

func validateSource(module, modulePath, packageDir string) error {
	set := 0
	for _, s := range []string{module, modulePath, packageDir} {
		if s != "" {
			set++
		}
	}
	switch set {
	case 0:
		return ErrNoModule
	case 1:
	default:
		return ErrAmbiguousModule
	}

	if modulePath != "" {
		if err := validatePath(modulePath); err != nil {
			return fmt.Errorf("invalid module_path: %w", err)
		}
	}
	if packageDir != "" {
		if err := validatePath(packageDir); err != nil {
			return fmt.Errorf("invalid package_dir: %w", err)
		}
	}
	return nil
}

// validatePath rejects NUL bytes and relative paths that climb out of the
// working directory.
func validatePath(path string) error {
	if strings.Contains(path, "\x00") {
		return fmt.Errorf("%w: path contains null byte", ErrInvalidPath)
	}
	if filepath.IsAbs(path) {
		return nil
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %q escapes the working directory", ErrInvalidPath, path)
	}
	return nil
}
