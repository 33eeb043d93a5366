package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wabin/wasm"
	"github.com/tetratelabs/wazero"

	"github.com/felixgeelhaar/moat/internal/domain/metering"
)

// compiledModule is the cached artifact: the wazero compilation of the
// instrumented module plus what instrumentation learned about it.
type compiledModule struct {
	module wazero.CompiledModule
	info   *metering.Info
}

// Close implements modcache.Artifact.
func (c *compiledModule) Close(ctx context.Context) error {
	return c.module.Close(ctx)
}

// compile decodes, vets, instruments and compiles a module. It never runs
// guest code.
func (r *Runtime) compile(ctx context.Context, code []byte) (*compiledModule, error) {
	m, err := metering.Decode(code)
	if err != nil {
		return nil, classifyCompile(err)
	}
	if err := checkImports(m); err != nil {
		return nil, &CompileError{Kind: KindUnsupported, Err: err}
	}

	info, err := metering.Instrument(m)
	if err != nil {
		return nil, classifyCompile(err)
	}

	compiled, err := r.runtime.CompileModule(ctx, metering.Encode(m))
	if err != nil {
		return nil, &CompileError{Kind: KindInvalid, Err: err}
	}
	return &compiledModule{module: compiled, info: info}, nil
}

func classifyCompile(err error) error {
	if errors.Is(err, metering.ErrUnsupported) {
		return &CompileError{Kind: KindUnsupported, Err: err}
	}
	return &CompileError{Kind: KindInvalid, Err: err}
}

// checkImports admits only function imports from the host module, with the
// exact signatures of HostFunctions, and from WASI.
func checkImports(m *wasm.Module) error {
	for _, imp := range m.ImportSection {
		if imp.Type != wasm.ExternTypeFunc {
			return fmt.Errorf("%s.%s: only function imports are allowed", imp.Module, imp.Name)
		}
		switch imp.Module {
		case WASIModule:
			continue
		case HostModule:
		default:
			return fmt.Errorf("%s.%s: import module %q is not available", imp.Module, imp.Name, imp.Module)
		}

		fn, ok := LookupHostFunction(imp.Name)
		if !ok {
			return fmt.Errorf("%s.%s: unknown host function", imp.Module, imp.Name)
		}
		if int(imp.DescFunc) >= len(m.TypeSection) {
			return fmt.Errorf("%s.%s: type index %d out of range", imp.Module, imp.Name, imp.DescFunc)
		}
		if !m.TypeSection[imp.DescFunc].EqualsSignature(fn.Params, fn.Results) {
			return fmt.Errorf("%s.%s: signature does not match host function", imp.Module, imp.Name)
		}
	}
	return nil
}
