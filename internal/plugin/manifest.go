// Package plugin implements the sandboxed extension runtime: manifest
// parsing and validation, binary validation, the wazero-backed sandbox VM,
// the host-call ABI, installation, and the registry that loads, dispatches
// to, and unloads plugins (SPEC_FULL.md §4.6, §4.7).
package plugin

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/mod/semver"

	"github.com/soundtime-net/soundtime-node/internal/catalog"
	"github.com/soundtime-net/soundtime-node/internal/netguard"
)

// nameRE is the plugin identifier pattern named in spec.md §4.7 and tested
// directly in §8's testable properties.
var nameRE = regexp.MustCompile(`^[a-z][a-z0-9-]{1,63}$`)

// Manifest mirrors the structure of plugin.toml, described in SPEC_FULL.md
// §6.
type Manifest struct {
	Plugin      PluginMeta  `toml:"plugin"`
	Build       BuildConfig `toml:"build"`
	Permissions Permissions `toml:"permissions"`
	UI          UIConfig    `toml:"ui"`
}

// PluginMeta is the `[plugin]` section.
type PluginMeta struct {
	Name           string `toml:"name"`
	Version        string `toml:"version"`
	Description    string `toml:"description"`
	Author         string `toml:"author"`
	License        string `toml:"license"`
	Homepage       string `toml:"homepage"`
	MinAppVersion  string `toml:"min_app_version"`
}

// BuildConfig is the `[build]` section.
type BuildConfig struct {
	WASM string `toml:"wasm"`
}

// Permissions is the `[permissions]` section, convertible to
// catalog.PluginPermissions.
type Permissions struct {
	HTTPHosts    []string `toml:"http_hosts"`
	Events       []string `toml:"events"`
	WriteTracks  bool     `toml:"write_tracks"`
	ConfigAccess bool     `toml:"config_access"`
	ReadUsers    bool     `toml:"read_users"`
}

func (p Permissions) toCatalog() catalog.PluginPermissions {
	return catalog.PluginPermissions{
		HTTPHosts:    p.HTTPHosts,
		Events:       p.Events,
		WriteTracks:  p.WriteTracks,
		ConfigAccess: p.ConfigAccess,
		ReadUsers:    p.ReadUsers,
	}
}

// UIConfig is the `[ui]` section.
type UIConfig struct {
	Enabled bool   `toml:"enabled"`
	Slot    string `toml:"slot"`
	Entry   string `toml:"entry"`
}

// ParseManifest decodes plugin.toml from raw bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if _, err := toml.Decode(string(data), &m); err != nil {
		return nil, fmt.Errorf("%w: decoding plugin.toml: %v", errValidation, err)
	}
	return &m, nil
}

// Validate checks every field of a parsed manifest against the rules in
// spec.md §4.7 and §6, plus the path-safety and host-glob detail carried
// over from the original installer (SPEC_FULL.md §9, supplemented feature
// 6).
func (m *Manifest) Validate() error {
	if !nameRE.MatchString(m.Plugin.Name) {
		return fmt.Errorf("%w: plugin name %q does not match %s", errValidation, m.Plugin.Name, nameRE.String())
	}

	if !semver.IsValid(ensureV(m.Plugin.Version)) {
		return fmt.Errorf("%w: plugin.version %q is not valid semver", errValidation, m.Plugin.Version)
	}

	if l := len(m.Plugin.Description); l == 0 || l > 500 {
		return fmt.Errorf("%w: plugin.description must be 1-500 characters, got %d", errValidation, l)
	}
	if m.Plugin.Author != "" && len(m.Plugin.Author) > 255 {
		return fmt.Errorf("%w: plugin.author exceeds 255 characters", errValidation)
	}
	if m.Plugin.License != "" && len(m.Plugin.License) > 50 {
		return fmt.Errorf("%w: plugin.license exceeds 50 characters", errValidation)
	}
	if m.Plugin.MinAppVersion != "" && !semver.IsValid(ensureV(m.Plugin.MinAppVersion)) {
		return fmt.Errorf("%w: plugin.min_app_version %q is not valid semver", errValidation, m.Plugin.MinAppVersion)
	}

	if err := validatePathSafety(m.Build.WASM, "build.wasm"); err != nil {
		return err
	}
	if !strings.HasSuffix(m.Build.WASM, ".wasm") {
		return fmt.Errorf("%w: build.wasm must end with .wasm, got %q", errValidation, m.Build.WASM)
	}

	for _, event := range m.Permissions.Events {
		if !isKnownEvent(event) {
			return fmt.Errorf("%w: unknown event %q", errValidation, event)
		}
	}
	for _, host := range m.Permissions.HTTPHosts {
		if err := validateHTTPHost(host); err != nil {
			return err
		}
	}

	if m.UI.Enabled {
		if m.UI.Slot == "" {
			return fmt.Errorf("%w: ui.slot is required when ui.enabled is true", errValidation)
		}
		if !isValidUISlot(m.UI.Slot) {
			return fmt.Errorf("%w: invalid ui.slot %q", errValidation, m.UI.Slot)
		}
		if m.UI.Entry != "" {
			if err := validatePathSafety(m.UI.Entry, "ui.entry"); err != nil {
				return err
			}
			if !strings.HasSuffix(m.UI.Entry, ".html") {
				return fmt.Errorf("%w: ui.entry must end with .html, got %q", errValidation, m.UI.Entry)
			}
		}
	}

	return nil
}

func ensureV(version string) string {
	if strings.HasPrefix(version, "v") {
		return version
	}
	return "v" + version
}

// validatePathSafety rejects absolute paths and any ".." component,
// matching manifest.rs::validate_path_safety.
func validatePathSafety(p, field string) error {
	if path.IsAbs(p) {
		return fmt.Errorf("%w: %s must be a relative path, got absolute %q", errValidation, field, p)
	}
	cleaned := path.Clean(p)
	for _, part := range strings.Split(cleaned, "/") {
		if part == ".." {
			return fmt.Errorf("%w: %s must not contain '..': %q", errValidation, field, p)
		}
	}
	return nil
}

// validateHTTPHost checks the *shape* of a configured host pattern at
// manifest-validation time, independent of the egress-time IsBlockedHost
// check the host ABI applies on every call.
func validateHTTPHost(host string) error {
	if !netguard.IsValidHostPattern(host) {
		return fmt.Errorf("%w: http_hosts entry %q is not a valid host pattern", errValidation, host)
	}
	return nil
}
