package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/soundtime-net/soundtime-node/internal/catalog"
)

func openTestCatalog(t *testing.T) *catalog.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "catalog.db")
	db, err := catalog.Open(dsn)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fakeVM is a hand-written VM double, mirroring the narrow-interface fake
// style used by the health package's tests (fakeBlobs, fakeOnlinePeers).
type fakeVM struct {
	exports map[string]bool
	calls   []string
	output  []byte
	err     error
	closed  bool
}

func (f *fakeVM) HasFunction(name string) bool { return f.exports[name] }

func (f *fakeVM) Call(_ context.Context, name string, _ []byte) ([]byte, error) {
	f.calls = append(f.calls, name)
	return f.output, f.err
}

func (f *fakeVM) Close(context.Context) error {
	f.closed = true
	return nil
}

func newTestRegistry(t *testing.T, db *catalog.DB, vm *fakeVM) *Registry {
	t.Helper()
	r := NewRegistry(db, t.TempDir(), "instance-1", true, 5*time.Second, DefaultSandboxConfig(), nil)
	r.loadSandbox = func(ctx context.Context, name string, wasmBytes []byte, cfg SandboxConfig) (VM, error) {
		return vm, nil
	}
	return r
}

func insertTestPlugin(t *testing.T, db *catalog.DB, events []string) *catalog.Plugin {
	t.Helper()
	wasmPath := filepath.Join(t.TempDir(), "plugin.wasm")
	if err := os.WriteFile(wasmPath, []byte{0x00, 'a', 's', 'm'}, 0o644); err != nil {
		t.Fatalf("writing stub wasm file: %v", err)
	}
	p := &catalog.Plugin{
		Name:     "test-plugin",
		Version:  "1.0.0",
		WASMPath: wasmPath,
		Permissions: catalog.PluginPermissions{
			Events: events,
		},
		Status: catalog.PluginEnabled,
	}
	if err := db.InsertPlugin(p); err != nil {
		t.Fatalf("InsertPlugin: %v", err)
	}
	return p
}

func TestLoadPluginRegistersSubscription(t *testing.T) {
	db := openTestCatalog(t)
	vm := &fakeVM{exports: map[string]bool{"handle_on_track_added": true}}
	r := newTestRegistry(t, db, vm)
	p := insertTestPlugin(t, db, []string{"on_track_added"})

	if err := r.LoadPlugin(context.Background(), p); err != nil {
		t.Fatalf("LoadPlugin: %v", err)
	}

	r.mu.RLock()
	subs := r.subscriptions["on_track_added"]
	r.mu.RUnlock()
	if len(subs) != 1 || subs[0] != p.ID {
		t.Fatalf("expected plugin subscribed to on_track_added, got %v", subs)
	}
}

func TestDispatchSkipsPluginWithoutHandler(t *testing.T) {
	db := openTestCatalog(t)
	vm := &fakeVM{exports: map[string]bool{}} // no handle_on_track_added export
	r := newTestRegistry(t, db, vm)
	p := insertTestPlugin(t, db, []string{"on_track_added"})
	if err := r.LoadPlugin(context.Background(), p); err != nil {
		t.Fatalf("LoadPlugin: %v", err)
	}

	r.Dispatch(context.Background(), "on_track_added", map[string]string{"id": "t1"})

	if len(vm.calls) != 0 {
		t.Fatalf("expected no calls, got %v", vm.calls)
	}
}

func TestDispatchCallsSubscribedHandler(t *testing.T) {
	db := openTestCatalog(t)
	vm := &fakeVM{exports: map[string]bool{"handle_on_track_added": true}, output: []byte(`{}`)}
	r := newTestRegistry(t, db, vm)
	p := insertTestPlugin(t, db, []string{"on_track_added"})
	if err := r.LoadPlugin(context.Background(), p); err != nil {
		t.Fatalf("LoadPlugin: %v", err)
	}

	r.Dispatch(context.Background(), "on_track_added", map[string]string{"id": "t1"})

	if len(vm.calls) != 1 || vm.calls[0] != "handle_on_track_added" {
		t.Fatalf("expected one call to handle_on_track_added, got %v", vm.calls)
	}
}

func TestDispatchProcessesHostRequests(t *testing.T) {
	db := openTestCatalog(t)
	vm := &fakeVM{
		exports: map[string]bool{"handle_on_track_added": true},
		output:  []byte(`{"host_requests":[{"function":"log_info","args":{"message":"hello from plugin"}}]}`),
	}
	r := newTestRegistry(t, db, vm)
	p := insertTestPlugin(t, db, []string{"on_track_added"})
	if err := r.LoadPlugin(context.Background(), p); err != nil {
		t.Fatalf("LoadPlugin: %v", err)
	}

	r.Dispatch(context.Background(), "on_track_added", map[string]string{"id": "t1"})
	// No panic and the call happened; log_info has no observable catalog
	// side effect here, so this mainly guards against a parse/dispatch
	// regression in dispatchOne.
	if len(vm.calls) != 1 {
		t.Fatalf("expected one call, got %v", vm.calls)
	}
}

func TestUnloadPluginRemovesSubscription(t *testing.T) {
	db := openTestCatalog(t)
	vm := &fakeVM{exports: map[string]bool{"handle_on_track_added": true}}
	r := newTestRegistry(t, db, vm)
	p := insertTestPlugin(t, db, []string{"on_track_added"})
	if err := r.LoadPlugin(context.Background(), p); err != nil {
		t.Fatalf("LoadPlugin: %v", err)
	}

	if err := r.UnloadPlugin(p.ID); err != nil {
		t.Fatalf("UnloadPlugin: %v", err)
	}
	if !vm.closed {
		t.Fatal("expected sandbox to be closed on unload")
	}

	r.mu.RLock()
	subs := r.subscriptions["on_track_added"]
	r.mu.RUnlock()
	if len(subs) != 0 {
		t.Fatalf("expected no subscribers after unload, got %v", subs)
	}
}

func TestUnloadUnknownPluginReturnsNotFound(t *testing.T) {
	db := openTestCatalog(t)
	r := newTestRegistry(t, db, &fakeVM{})
	if err := r.UnloadPlugin("does-not-exist"); err == nil {
		t.Fatal("expected error for unknown plugin id")
	}
}
