// Package testutil holds helpers shared by moat tests: a WebAssembly module
// builder, ready-made guest modules and on-disk module fixtures.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wabin/wasm"

	"github.com/felixgeelhaar/moat/internal/domain/modcache"
)

// AddModule exports main(i32, i32) -> i32 returning the sum of its
// arguments.
func AddModule() []byte {
	b := NewModule()
	b.Func("main", Types(I32, I32), Types(I32), nil,
		LocalGet(0), LocalGet(1), Op(wasm.OpcodeI32Add))
	return b.Bytes()
}

// LoopModule exports a main that never returns on its own.
func LoopModule() []byte {
	b := NewModule()
	b.Func("main", nil, nil, nil, InfiniteLoop())
	return b.Bytes()
}

// WriteFile writes data to dir/name, creating missing parent directories,
// and returns the full path.
func WriteFile(t testing.TB, dir, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, data, 0o600), "writing %s", name)
	return path
}

// Manifest renders a module.yaml for a package whose binary is module.
// Each default argument is written in its "type:value" form.
func Manifest(id, module string, code []byte, args ...string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "id: %s\nname: %s\nmodule: %s\nchecksum: %s\n", id, id, module, modcache.KeyOf(code))
	if len(args) > 0 {
		fmt.Fprintf(&sb, "args: [%q", args[0])
		for _, a := range args[1:] {
			fmt.Fprintf(&sb, ", %q", a)
		}
		sb.WriteString("]\n")
	}
	return sb.String()
}

// WritePackage lays out a module package under dir/id: the binary as
// module.wasm next to a manifest recording its checksum. It returns the
// package directory.
func WritePackage(t testing.TB, dir, id string, code []byte, args ...string) string {
	t.Helper()

	pkgDir := filepath.Join(dir, id)
	WriteFile(t, pkgDir, "module.wasm", code)
	WriteFile(t, pkgDir, "module.yaml", []byte(Manifest(id, "module.wasm", code, args...)))
	return pkgDir
}

// ResolvedTempDir is t.TempDir with symlinks resolved, for tests comparing
// paths on systems whose temp root is a link.
func ResolvedTempDir(t testing.TB) string {
	t.Helper()

	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}
