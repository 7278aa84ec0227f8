package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/soundtime-net/soundtime-node/internal/sterr"
)

const wasmPageSize = 64 * 1024

// SandboxConfig mirrors spec.md §4.6's per-plugin limits.
type SandboxConfig struct {
	MemoryLimitBytes int64
	Fuel             uint64
	stepsPerSecond   uint64 // override point for tests
}

// DefaultSandboxConfig matches the defaults named in spec.md §4.6: a 32 MiB
// memory cap and a 1,000,000-step fuel budget reset on every call.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		MemoryLimitBytes: 32 * 1024 * 1024,
		Fuel:             1_000_000,
		stepsPerSecond:   2_000_000,
	}
}

// callTimeout approximates the fuel budget as a wall-clock deadline. wazero's
// interpreter has no per-instruction metering API (unlike the wasmtime fuel
// counter the original implementation relies on), so the step cap is
// translated into a bounded CPU budget via context cancellation — the
// closest equivalent a pure-Go WASM runtime offers.
func (c SandboxConfig) callTimeout() time.Duration {
	sps := c.stepsPerSecond
	if sps == 0 {
		sps = 2_000_000
	}
	d := time.Duration(float64(c.Fuel)/float64(sps)*float64(time.Second))
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// VM is the narrow interface PluginRegistry depends on, satisfied by
// *Sandbox in production and by hand-written fakes in tests.
type VM interface {
	HasFunction(name string) bool
	Call(ctx context.Context, functionName string, input []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// Sandbox is a single plugin's isolated wazero-backed VM. No WASI preview 1
// is instantiated, no filesystem is mounted, and no network handle is
// exposed — the only way out of the sandbox is the host-call ABI the
// registry mediates.
type Sandbox struct {
	name     string
	cfg      SandboxConfig
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	exports  map[string]bool
}

// LoadSandbox compiles a validated WASM binary into a reusable Sandbox. The
// binary is assumed to have already passed ValidateBinary.
func LoadSandbox(ctx context.Context, name string, wasmBytes []byte, cfg SandboxConfig) (*Sandbox, error) {
	pages := uint32((cfg.MemoryLimitBytes + wasmPageSize - 1) / wasmPageSize)
	rtCfg := wazero.NewRuntimeConfigInterpreter().WithMemoryLimitPages(pages)
	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("plugin: compiling %s: %w", name, sterr.Trap)
	}

	exports := make(map[string]bool)
	for fnName := range compiled.ExportedFunctions() {
		exports[fnName] = true
	}

	return &Sandbox{name: name, cfg: cfg, runtime: rt, compiled: compiled, exports: exports}, nil
}

// HasFunction reports whether the plugin exports the named function.
func (s *Sandbox) HasFunction(name string) bool {
	return s.exports[name]
}

// Close releases the compiled module and the runtime.
func (s *Sandbox) Close(ctx context.Context) error {
	s.compiled.Close(ctx)
	return s.runtime.Close(ctx)
}

// Call invokes functionName with input, using the ABI convention: the guest
// exports `alloc(size) -> ptr`, the host writes input at ptr, calls
// functionName(ptr, len) -> packed (outPtr<<32 | outLen), and the host reads
// the result out of guest memory. A fresh module instance backs every call
// so one plugin's state never leaks between dispatches.
func (s *Sandbox) Call(ctx context.Context, functionName string, input []byte) ([]byte, error) {
	if !s.exports[functionName] {
		return nil, fmt.Errorf("plugin %s: %w: %s", s.name, ErrNotExported, functionName)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.callTimeout())
	defer cancel()

	modCfg := wazero.NewModuleConfig().WithName("")
	mod, err := s.runtime.InstantiateModule(callCtx, s.compiled, modCfg)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", s.name, sterr.Trap)
	}
	defer mod.Close(ctx)

	mem := mod.Memory()
	if mem == nil {
		return nil, fmt.Errorf("plugin %s: %w: no exported memory", s.name, sterr.Trap)
	}

	inPtr, err := allocGuest(callCtx, mod, uint32(len(input)))
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", s.name, sterr.Trap)
	}
	if len(input) > 0 && !mem.Write(inPtr, input) {
		return nil, fmt.Errorf("plugin %s: %w: writing input", s.name, sterr.Trap)
	}

	fn := mod.ExportedFunction(functionName)
	results, err := fn.Call(callCtx, uint64(inPtr), uint64(len(input)))
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("plugin %s: %w", s.name, sterr.FuelExhausted)
		}
		return nil, fmt.Errorf("plugin %s: %w: %v", s.name, sterr.Trap, err)
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("plugin %s: %w: handler must return one packed (ptr,len) value", s.name, sterr.Trap)
	}

	packed := results[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)
	if outLen == 0 {
		return nil, nil
	}
	out, ok := mem.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("plugin %s: %w: reading output", s.name, sterr.Trap)
	}
	// Read returns a view into guest memory, which is freed when mod closes.
	cp := make([]byte, len(out))
	copy(cp, out)
	return cp, nil
}

func allocGuest(ctx context.Context, mod api.Module, size uint32) (uint32, error) {
	if size == 0 {
		return 0, nil
	}
	allocFn := mod.ExportedFunction("alloc")
	if allocFn == nil {
		return 0, fmt.Errorf("plugin does not export alloc(size)")
	}
	results, err := allocFn.Call(ctx, uint64(size))
	if err != nil {
		return 0, err
	}
	if len(results) != 1 {
		return 0, fmt.Errorf("alloc must return exactly one value")
	}
	return uint32(results[0]), nil
}
