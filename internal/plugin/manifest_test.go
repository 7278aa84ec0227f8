package plugin

import (
	"strings"
	"testing"
)

func validManifestTOML() string {
	return `
[plugin]
name = "lyrics-fetcher"
version = "1.2.0"
description = "Fetches synced lyrics from a public API."
author = "example"

[build]
wasm = "plugin.wasm"

[permissions]
http_hosts = ["*.lyrics-api.example"]
events = ["on_track_added"]
write_tracks = true

[ui]
enabled = false
`
}

func TestParseAndValidateManifest(t *testing.T) {
	m, err := ParseManifest([]byte(validManifestTOML()))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if m.Plugin.Name != "lyrics-fetcher" {
		t.Fatalf("unexpected name: %q", m.Plugin.Name)
	}
}

func TestValidateRejectsBadName(t *testing.T) {
	for _, name := range []string{"Lyrics", "1abc", "a", "-abc", "ab_cd"} {
		m := &Manifest{Plugin: PluginMeta{Name: name, Version: "1.0.0", Description: "x"}, Build: BuildConfig{WASM: "p.wasm"}}
		if err := m.Validate(); err == nil {
			t.Errorf("expected name %q to be rejected", name)
		}
	}
}

func TestValidateRejectsBadSemver(t *testing.T) {
	m := &Manifest{Plugin: PluginMeta{Name: "okname", Version: "not-a-version", Description: "x"}, Build: BuildConfig{WASM: "p.wasm"}}
	if err := m.Validate(); err == nil {
		t.Fatal("expected invalid semver to be rejected")
	}
}

func TestValidateRejectsPathTraversal(t *testing.T) {
	m := &Manifest{
		Plugin: PluginMeta{Name: "okname", Version: "1.0.0", Description: "x"},
		Build:  BuildConfig{WASM: "../../etc/passwd.wasm"},
	}
	err := m.Validate()
	if err == nil || !strings.Contains(err.Error(), "..") {
		t.Fatalf("expected path traversal rejection, got %v", err)
	}
}

func TestValidateRejectsAbsoluteWASMPath(t *testing.T) {
	m := &Manifest{
		Plugin: PluginMeta{Name: "okname", Version: "1.0.0", Description: "x"},
		Build:  BuildConfig{WASM: "/etc/passwd.wasm"},
	}
	if err := m.Validate(); err == nil {
		t.Fatal("expected absolute path to be rejected")
	}
}

func TestValidateRejectsUnknownEvent(t *testing.T) {
	m := &Manifest{
		Plugin:      PluginMeta{Name: "okname", Version: "1.0.0", Description: "x"},
		Build:       BuildConfig{WASM: "p.wasm"},
		Permissions: Permissions{Events: []string{"totally_made_up_event"}},
	}
	if err := m.Validate(); err == nil {
		t.Fatal("expected unknown event to be rejected")
	}
}

func TestValidateRejectsBadHTTPHostPattern(t *testing.T) {
	m := &Manifest{
		Plugin:      PluginMeta{Name: "okname", Version: "1.0.0", Description: "x"},
		Build:       BuildConfig{WASM: "p.wasm"},
		Permissions: Permissions{HTTPHosts: []string{"http://evil.example/path"}},
	}
	if err := m.Validate(); err == nil {
		t.Fatal("expected malformed host pattern to be rejected")
	}
}

func TestValidateUIRequiresSlotWhenEnabled(t *testing.T) {
	m := &Manifest{
		Plugin: PluginMeta{Name: "okname", Version: "1.0.0", Description: "x"},
		Build:  BuildConfig{WASM: "p.wasm"},
		UI:     UIConfig{Enabled: true},
	}
	if err := m.Validate(); err == nil {
		t.Fatal("expected missing ui.slot to be rejected")
	}

	m.UI.Slot = "not-a-real-slot"
	if err := m.Validate(); err == nil {
		t.Fatal("expected invalid ui.slot to be rejected")
	}

	m.UI.Slot = "library-toolbar"
	if err := m.Validate(); err != nil {
		t.Fatalf("expected valid slot to pass, got %v", err)
	}
}
