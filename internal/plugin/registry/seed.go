package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bdobrica/nbotgw/internal/plugin/codec"
	"github.com/bdobrica/nbotgw/internal/plugin/semver"
)

// deprecatedConfigKeys lists, per builtin plugin id, config keys that seed
// sync prunes from a user's preserved config because the builtin no longer
// reads them. Empty for now; populated as builtins retire settings.
var deprecatedConfigKeys = map[string][]string{}

// ReconcileSeeds walks seedDir/plugins/bot/* and seedDir/plugins/platform/*,
// each expected to contain a manifest.json plus entry source, and installs
// or upgrades the matching builtin plugin in r. A seed whose version is not
// newer than the installed one is skipped; seeds with no installed
// counterpart are installed fresh. The user's existing config is preserved
// across an upgrade, with any id-specific deprecated keys pruned, per
// spec.md §4.2's seed reconciliation rule.
func (r *Registry) ReconcileSeeds(seedDir string) error {
	for _, kind := range []codec.Kind{codec.KindBot, codec.KindPlatform} {
		group := filepath.Join(seedDir, "plugins", string(kind))
		entries, err := os.ReadDir(group)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("registry: read seed group %s: %w", group, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			seedRoot := filepath.Join(group, entry.Name())
			if err := r.reconcileSeed(seedRoot); err != nil {
				slog.Warn("registry: seed reconciliation failed", "seed", seedRoot, "error", err)
			}
		}
	}
	return nil
}

func (r *Registry) reconcileSeed(seedRoot string) error {
	manifestPath := filepath.Join(seedRoot, "manifest.json")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read seed manifest: %w", err)
	}
	var seedManifest codec.PluginManifest
	if err := json.Unmarshal(data, &seedManifest); err != nil {
		return fmt.Errorf("decode seed manifest: %w", err)
	}
	seedManifest.Builtin = true

	seedVersion, ok := semver.Parse(seedManifest.Version)
	if !ok {
		return fmt.Errorf("seed manifest %s: invalid version %q", seedManifest.ID, seedManifest.Version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, installed := r.plugins[seedManifest.ID]
	if installed {
		installedVersion, ok := semver.Parse(existing.Manifest.Version)
		if ok && semver.Compare(seedVersion, installedVersion) <= 0 {
			return nil
		}
		preserved := existing.Manifest.Config
		preserved = pruneDeprecatedKeys(seedManifest.ID, preserved)
		seedManifest.Config = preserved
	}

	destRoot := seedRoot
	if installed && existing.RootPath != "" && existing.RootPath != seedRoot {
		destRoot = existing.RootPath
		if err := os.RemoveAll(destRoot); err != nil {
			return fmt.Errorf("clear installed root %s: %w", destRoot, err)
		}
		if err := copyTree(seedRoot, destRoot); err != nil {
			return fmt.Errorf("copy seed tree to %s: %w", destRoot, err)
		}
	}

	manifestBytes, err := json.MarshalIndent(seedManifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal reconciled manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(destRoot, "manifest.json"), manifestBytes, 0o644); err != nil {
		return fmt.Errorf("write reconciled manifest: %w", err)
	}

	enabled := true
	if installed {
		enabled = existing.Enabled
	}
	r.plugins[seedManifest.ID] = &InstalledPlugin{
		Manifest: seedManifest,
		RootPath: destRoot,
		Enabled:  enabled,
	}
	return r.save()
}

func pruneDeprecatedKeys(pluginID string, config json.RawMessage) json.RawMessage {
	keys := deprecatedConfigKeys[pluginID]
	if len(keys) == 0 || len(config) == 0 {
		return config
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(config, &decoded); err != nil {
		return config
	}
	for _, k := range keys {
		delete(decoded, k)
	}
	pruned, err := json.Marshal(decoded)
	if err != nil {
		return config
	}
	return pruned
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
