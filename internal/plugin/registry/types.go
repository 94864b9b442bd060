// Package registry is the on-disk catalogue of installed plugins: manifest,
// source root, and enabled flag, persisted to a flat JSON state file.
package registry

import (
	"encoding/json"
	"errors"

	"github.com/bdobrica/nbotgw/internal/plugin/codec"
)

// ErrAlreadyExists is returned by Install when a plugin with the same id is
// already registered.
var ErrAlreadyExists = errors.New("registry: plugin already exists")

// ErrNotFound is returned by operations addressing an id with no matching
// InstalledPlugin.
var ErrNotFound = errors.New("registry: plugin not found")

// ErrConfigInvalid is returned when a config value fails validation against
// the plugin's declared configSchema.
var ErrConfigInvalid = errors.New("registry: config does not match schema")

// InstalledPlugin is one entry in the registry: the manifest as last
// written to disk, the plugin's source root, and whether it is enabled.
type InstalledPlugin struct {
	Manifest codec.PluginManifest `json:"manifest"`
	RootPath string               `json:"rootPath"`
	Enabled  bool                 `json:"enabled"`
}

// clone returns a deep-enough copy safe to hand to callers without letting
// them mutate registry-internal state through the manifest's raw JSON
// fields.
func (p InstalledPlugin) clone() InstalledPlugin {
	out := p
	if p.Manifest.ConfigSchema != nil {
		out.Manifest.ConfigSchema = append(json.RawMessage(nil), p.Manifest.ConfigSchema...)
	}
	if p.Manifest.Config != nil {
		out.Manifest.Config = append(json.RawMessage(nil), p.Manifest.Config...)
	}
	return out
}
