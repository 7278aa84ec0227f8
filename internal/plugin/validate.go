package plugin

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
)

// wasmMagic is the 4-byte WebAssembly binary signature.
var wasmMagic = [4]byte{0x00, 'a', 's', 'm'}

// allowedImportNamespaces is the set of WASM import modules a plugin
// binary may reference. Anything else is rejected at install time
// (spec.md §4.6, SPEC_FULL.md §9 supplemented feature 8).
var allowedImportNamespaces = map[string]bool{
	"env":                    true,
	"extism:host/env":        true,
	"wasi_snapshot_preview1": true,
	"wasi_unstable":          true,
}

// DefaultMaxWASMSizeMB is the default binary size cap.
const DefaultMaxWASMSizeMB = 50

// ValidateBinary checks magic bytes, size cap, and import namespaces for a
// candidate plugin WASM binary. It does not instantiate the module.
func ValidateBinary(ctx context.Context, data []byte, maxSizeMB int) error {
	if maxSizeMB <= 0 {
		maxSizeMB = DefaultMaxWASMSizeMB
	}
	maxBytes := int64(maxSizeMB) * 1024 * 1024
	if int64(len(data)) > maxBytes {
		return fmt.Errorf("%w: wasm binary is %d bytes, exceeds %d MB cap", errValidation, len(data), maxSizeMB)
	}
	if len(data) < 4 || data[0] != wasmMagic[0] || data[1] != wasmMagic[1] || data[2] != wasmMagic[2] || data[3] != wasmMagic[3] {
		return fmt.Errorf("%w: missing WebAssembly magic bytes", errValidation)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, data)
	if err != nil {
		return fmt.Errorf("%w: compiling wasm module: %v", errValidation, err)
	}
	defer compiled.Close(ctx)

	for _, imp := range compiled.ImportedFunctions() {
		moduleName, _, _ := imp.Import()
		if !allowedImportNamespaces[moduleName] {
			return fmt.Errorf("%w: import from disallowed module %q (allowed: env, extism:host/env, wasi_snapshot_preview1, wasi_unstable)",
				errValidation, moduleName)
		}
	}
	return nil
}
