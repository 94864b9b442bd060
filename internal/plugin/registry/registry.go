package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bdobrica/nbotgw/internal/plugin/codec"
)

// Registry is the concurrent, durable catalogue of installed plugins. It
// persists to a JSON array state file, rewritten atomically on every
// mutation (write-to-temp + os.Rename), per spec.md §4.2/§6.
type Registry struct {
	mu        sync.RWMutex
	statePath string
	plugins   map[string]*InstalledPlugin
}

// Open loads the registry from statePath, creating an empty one if the
// file does not yet exist.
func Open(statePath string) (*Registry, error) {
	r := &Registry{
		statePath: statePath,
		plugins:   make(map[string]*InstalledPlugin),
	}

	data, err := os.ReadFile(statePath)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: read state file: %w", err)
	}

	var entries []InstalledPlugin
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("registry: decode state file: %w", err)
	}
	for i := range entries {
		e := entries[i]
		r.plugins[e.Manifest.ID] = &e
	}
	return r, nil
}

// save rewrites the state file atomically. Failures are logged (warn) and
// returned; callers keep the in-memory mutation regardless (spec.md §7:
// "state file write failures are logged but do not abort the in-memory
// operation").
func (r *Registry) save() error {
	entries := make([]InstalledPlugin, 0, len(r.plugins))
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		entries = append(entries, *r.plugins[id])
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal state: %w", err)
	}

	dir := filepath.Dir(r.statePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("registry: failed to create state directory", "dir", dir, "error", err)
		return fmt.Errorf("registry: create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".plugins-*.json.tmp")
	if err != nil {
		slog.Warn("registry: failed to create temp state file", "error", err)
		return fmt.Errorf("registry: create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		slog.Warn("registry: failed to write temp state file", "error", err)
		return fmt.Errorf("registry: write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		slog.Warn("registry: failed to close temp state file", "error", err)
		return fmt.Errorf("registry: close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, r.statePath); err != nil {
		os.Remove(tmpName)
		slog.Warn("registry: failed to rename state file into place", "error", err)
		return fmt.Errorf("registry: rename state file: %w", err)
	}
	return nil
}

// Install registers a newly unpacked plugin. It fails with ErrAlreadyExists
// if the manifest's id is already registered, and with ErrConfigInvalid if
// the manifest's config does not satisfy its own configSchema.
func (r *Registry) Install(manifest codec.PluginManifest, rootPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[manifest.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, manifest.ID)
	}
	if err := validateConfig(manifest.ConfigSchema, manifest.Config); err != nil {
		return err
	}

	r.plugins[manifest.ID] = &InstalledPlugin{
		Manifest: manifest,
		RootPath: rootPath,
		Enabled:  true,
	}
	return r.save()
}

// Uninstall removes id from the registry and best-effort deletes its root
// directory: a failed directory removal is logged but does not prevent the
// registry entry from being dropped.
func (r *Registry) Uninstall(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.plugins[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.plugins, id)

	if entry.RootPath != "" {
		if err := os.RemoveAll(entry.RootPath); err != nil {
			slog.Warn("registry: failed to remove plugin root directory", "id", id, "path", entry.RootPath, "error", err)
		}
	}
	return r.save()
}

// Enable marks id as enabled.
func (r *Registry) Enable(id string) error { return r.setEnabled(id, true) }

// Disable marks id as disabled.
func (r *Registry) Disable(id string) error { return r.setEnabled(id, false) }

func (r *Registry) setEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.plugins[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	entry.Enabled = enabled
	return r.save()
}

// UpdateConfig validates value against id's configSchema, rewrites
// manifest.json under the plugin's root path, and persists the state file.
func (r *Registry) UpdateConfig(id string, value json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.plugins[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := validateConfig(entry.Manifest.ConfigSchema, value); err != nil {
		return err
	}

	entry.Manifest.Config = append(json.RawMessage(nil), value...)

	if entry.RootPath != "" {
		manifestBytes, err := json.MarshalIndent(entry.Manifest, "", "  ")
		if err != nil {
			return fmt.Errorf("registry: marshal manifest for %s: %w", id, err)
		}
		manifestPath := filepath.Join(entry.RootPath, "manifest.json")
		if err := os.WriteFile(manifestPath, manifestBytes, 0o644); err != nil {
			slog.Warn("registry: failed to rewrite manifest.json", "id", id, "path", manifestPath, "error", err)
			return fmt.Errorf("registry: write manifest.json for %s: %w", id, err)
		}
	}

	return r.save()
}

// Get returns a copy of id's registry entry.
func (r *Registry) Get(id string) (InstalledPlugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.plugins[id]
	if !ok {
		return InstalledPlugin{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entry.clone(), nil
}

// List returns every registered plugin, ordered by id.
func (r *Registry) List() []InstalledPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(false)
}

// ListEnabled returns every enabled plugin, ordered by id.
func (r *Registry) ListEnabled() []InstalledPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(true)
}

func (r *Registry) listLocked(enabledOnly bool) []InstalledPlugin {
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]InstalledPlugin, 0, len(ids))
	for _, id := range ids {
		entry := r.plugins[id]
		if enabledOnly && !entry.Enabled {
			continue
		}
		out = append(out, entry.clone())
	}
	return out
}
