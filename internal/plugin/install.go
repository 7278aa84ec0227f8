package plugin

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/soundtime-net/soundtime-node/internal/catalog"
	"github.com/soundtime-net/soundtime-node/internal/netguard"
)

// InstallOptions configures Install. PluginDir is the root every installed
// plugin gets a <name>-<version>/ subdirectory under.
type InstallOptions struct {
	GitURL       string
	PluginDir    string
	MaxWASMSizeMB int
	InstalledBy  string
}

// Install clones a plugin's git repository, validates its manifest and WASM
// binary, copies the validated artifacts into PluginDir, and records the
// plugin as a disabled catalog row awaiting an explicit enable. Grounded in
// installer.rs's clone-validate-copy-register pipeline; the clone step
// itself shells out to the git binary, since no git-client library appears
// anywhere in this project's dependency ancestry.
func Install(ctx context.Context, db *catalog.DB, opts InstallOptions) (*catalog.Plugin, error) {
	if !netguard.IsSafeGitURL(opts.GitURL) {
		return nil, fmt.Errorf("%w: %s is not an https URL to a public host", errValidation, opts.GitURL)
	}

	tmpDir, err := os.MkdirTemp("", "soundtime-plugin-*")
	if err != nil {
		return nil, fmt.Errorf("plugin install: creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	cloneDir := filepath.Join(tmpDir, "src")
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", opts.GitURL, cloneDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("plugin install: git clone failed: %w: %s", err, out)
	}

	manifestBytes, err := os.ReadFile(filepath.Join(cloneDir, "plugin.toml"))
	if err != nil {
		return nil, fmt.Errorf("%w: reading plugin.toml: %v", errValidation, err)
	}
	manifest, err := ParseManifest(manifestBytes)
	if err != nil {
		return nil, err
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	wasmSrc := filepath.Join(cloneDir, manifest.Build.WASM)
	wasmBytes, err := os.ReadFile(wasmSrc)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", errValidation, manifest.Build.WASM, err)
	}
	if err := ValidateBinary(ctx, wasmBytes, opts.MaxWASMSizeMB); err != nil {
		return nil, err
	}

	destDir := filepath.Join(opts.PluginDir, manifest.Plugin.Name+"-"+manifest.Plugin.Version)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("plugin install: creating %s: %w", destDir, err)
	}
	if err := copyFile(filepath.Join(cloneDir, "plugin.toml"), filepath.Join(destDir, "plugin.toml")); err != nil {
		return nil, err
	}
	wasmDestName := filepath.Base(manifest.Build.WASM)
	wasmDestPath := filepath.Join(destDir, wasmDestName)
	if err := copyFile(wasmSrc, wasmDestPath); err != nil {
		return nil, err
	}
	if manifest.UI.Enabled && manifest.UI.Entry != "" {
		uiSrc := filepath.Join(cloneDir, manifest.UI.Entry)
		if _, statErr := os.Stat(uiSrc); statErr == nil {
			if err := copyFile(uiSrc, filepath.Join(destDir, filepath.Base(manifest.UI.Entry))); err != nil {
				return nil, err
			}
		}
	}

	p := &catalog.Plugin{
		ID:          uuid.NewString(),
		Name:        manifest.Plugin.Name,
		Version:     manifest.Plugin.Version,
		GitURL:      opts.GitURL,
		WASMPath:    wasmDestPath,
		Permissions: manifest.Permissions.toCatalog(),
		Status:      catalog.PluginDisabled,
		InstalledBy: opts.InstalledBy,
	}
	if err := db.InsertPlugin(p); err != nil {
		return nil, err
	}
	return p, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("plugin install: opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("plugin install: creating %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("plugin install: copying %s to %s: %w", src, dst, err)
	}
	return nil
}
