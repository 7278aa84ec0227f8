package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/soundtime-net/soundtime-node/internal/catalog"
	"github.com/soundtime-net/soundtime-node/internal/sterr"
)

func readPluginWASM(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// pluginResponse is the shape a plugin's `handle_<event>` export is
// expected to return: opaque handler output plus a list of host-call
// requests to run after the sandbox call returns (registry.rs's
// PluginResponse/HostRequest pair).
type pluginResponse struct {
	HostRequests []json.RawMessage `json:"host_requests"`
}

// loadedPlugin pairs a running sandbox with the metadata dispatch needs.
type loadedPlugin struct {
	id          string
	name        string
	vm          VM
	hostCtx     *HostContext
	permissions catalog.PluginPermissions
}

// Registry loads plugins from the catalog, keeps their sandboxes resident,
// and dispatches catalog events to every plugin subscribed to them
// (SPEC_FULL.md §4.7). The registry-wide write lock is held across map
// mutation and across each plugin's VM call in dispatchOne — host requests
// a plugin emits are processed after the lock is released, matching
// registry.rs's dispatch.
type Registry struct {
	mu            sync.RWMutex
	plugins       map[string]*loadedPlugin
	subscriptions map[string][]string // event -> plugin IDs, load order

	catalog     *catalog.DB
	pluginDir   string
	instanceID  string
	logEvents   bool
	httpTimeout time.Duration
	sandboxCfg  SandboxConfig
	logger      *slog.Logger

	loadSandbox func(ctx context.Context, name string, wasmBytes []byte, cfg SandboxConfig) (VM, error)
}

// NewRegistry constructs an empty registry. Call LoadEnabledPlugins to
// populate it from the catalog's enabled plugin rows.
func NewRegistry(db *catalog.DB, pluginDir, instanceID string, logEvents bool, httpTimeout time.Duration, sandboxCfg SandboxConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		plugins:       make(map[string]*loadedPlugin),
		subscriptions: make(map[string][]string),
		catalog:       db,
		pluginDir:     pluginDir,
		instanceID:    instanceID,
		logEvents:     logEvents,
		httpTimeout:   httpTimeout,
		sandboxCfg:    sandboxCfg,
		logger:        logger,
		loadSandbox: func(ctx context.Context, name string, wasmBytes []byte, cfg SandboxConfig) (VM, error) {
			return LoadSandbox(ctx, name, wasmBytes, cfg)
		},
	}
}

// LoadEnabledPlugins loads every catalog plugin row with status=enabled.
// A plugin that fails to load is marked status=error and skipped; one bad
// plugin never blocks the rest.
func (r *Registry) LoadEnabledPlugins(ctx context.Context) {
	plugins, err := r.catalog.ListPlugins()
	if err != nil {
		r.logger.Error("listing plugins for load", "error", err)
		return
	}
	for _, p := range plugins {
		if p.Status != catalog.PluginEnabled {
			continue
		}
		if err := r.LoadPlugin(ctx, p); err != nil {
			r.logger.Error("plugin failed to load", "plugin", p.Name, "error", err)
			_ = r.catalog.SetPluginStatus(p.ID, catalog.PluginError, err.Error())
		}
	}
}

// LoadPlugin compiles p's WASM binary and registers it for event dispatch.
func (r *Registry) LoadPlugin(ctx context.Context, p *catalog.Plugin) error {
	wasmBytes, err := readPluginWASM(p.WASMPath)
	if err != nil {
		return fmt.Errorf("reading wasm binary: %w", err)
	}
	vm, err := r.loadSandbox(ctx, p.Name, wasmBytes, r.sandboxCfg)
	if err != nil {
		return err
	}

	loaded := &loadedPlugin{
		id:          p.ID,
		name:        p.Name,
		vm:          vm,
		permissions: p.Permissions,
		hostCtx: &HostContext{
			PluginID:    p.ID,
			PluginName:  p.Name,
			Permissions: p.Permissions,
			Catalog:     r.catalog,
			InstanceID:  r.instanceID,
			Logger:      r.logger,
			HTTPTimeout: r.httpTimeout,
			Emit:        func(ctx context.Context, name string, payload interface{}) { r.Dispatch(ctx, name, payload) },
		},
	}

	r.mu.Lock()
	r.plugins[p.ID] = loaded
	for _, event := range p.Permissions.Events {
		r.subscriptions[event] = append(r.subscriptions[event], p.ID)
	}
	r.mu.Unlock()

	r.logger.Info("plugin loaded", "plugin", p.Name, "events", p.Permissions.Events)
	return nil
}

// UnloadPlugin removes a plugin from memory and every subscription list.
func (r *Registry) UnloadPlugin(pluginID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	loaded, ok := r.plugins[pluginID]
	if !ok {
		return fmt.Errorf("plugin %s: %w", pluginID, sterr.NotFound)
	}
	delete(r.plugins, pluginID)
	for event, ids := range r.subscriptions {
		r.subscriptions[event] = removeID(ids, pluginID)
	}
	if err := loaded.vm.Close(context.Background()); err != nil {
		r.logger.Warn("closing plugin sandbox", "plugin", loaded.name, "error", err)
	}
	r.logger.Info("plugin unloaded", "plugin", loaded.name)
	return nil
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Dispatch sends event to every plugin subscribed to it, in load order. The
// handler export is named handle_<event>; a plugin that doesn't export it
// is skipped without error.
func (r *Registry) Dispatch(ctx context.Context, event string, payload interface{}) {
	r.mu.RLock()
	subscriberIDs := append([]string(nil), r.subscriptions[event]...)
	r.mu.RUnlock()
	if len(subscriberIDs) == 0 {
		return
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("serializing event payload", "event", event, "error", err)
		return
	}
	handlerFn := "handle_" + event

	for _, pluginID := range subscriberIDs {
		r.dispatchOne(ctx, pluginID, event, handlerFn, payloadBytes)
	}
}

func (r *Registry) dispatchOne(ctx context.Context, pluginID, event, handlerFn string, payloadBytes []byte) {
	start := time.Now()

	// The registry write-lock is held across the VM call itself (bounded
	// latency: CPU-bound and fuel-capped) so UnloadPlugin can't close the
	// sandbox out from under an in-flight call. It is released before any
	// host_requests are processed, since those may touch the catalog
	// (spec.md §5).
	r.mu.Lock()
	loaded, ok := r.plugins[pluginID]
	if !ok || !loaded.vm.HasFunction(handlerFn) {
		r.mu.Unlock()
		return
	}
	output, callErr := loaded.vm.Call(ctx, handlerFn, payloadBytes)
	r.mu.Unlock()

	elapsedMs := time.Since(start).Milliseconds()

	result := "success"
	errMsg := ""
	if callErr != nil {
		errMsg = callErr.Error()
		if errors.Is(callErr, sterr.FuelExhausted) {
			result = "timeout"
		} else {
			result = "error"
		}
		r.logger.Error("event handler failed", "plugin", loaded.name, "event", event, "error", callErr)
	} else if len(output) > 0 {
		var resp pluginResponse
		if json.Unmarshal(output, &resp) == nil {
			for _, req := range resp.HostRequests {
				loaded.hostCtx.Handle(ctx, req)
			}
		}
	}

	if r.logEvents {
		if err := r.catalog.LogPluginEvent(pluginID, event, result, elapsedMs, errMsg); err != nil {
			r.logger.Warn("plugin event log write failed", "plugin", loaded.name, "error", err)
		}
	}
}

