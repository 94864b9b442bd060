package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const legacyManifestSuffix = "manifest.json"
const legacyEntrySuffix = "index.js"

// parseLegacy extracts manifest.json and index.js by path suffix rather than
// requiring them at the archive root, and normalizes alternate field names
// used by older packaging tools, per spec.md §4.1.
func parseLegacy(data []byte) (*PluginPackage, error) {
	files, err := readTarGz(data)
	if err != nil {
		return nil, err
	}

	manifestPath, ok := findBySuffix(files, legacyManifestSuffix)
	if !ok {
		return nil, fmt.Errorf("%w (legacy: no entry ending in %s)", ErrManifestMissing, legacyManifestSuffix)
	}
	entryPath, hasEntry := findBySuffix(files, legacyEntrySuffix)

	var raw map[string]any
	if err := json.Unmarshal(files[manifestPath], &raw); err != nil {
		return nil, fmt.Errorf("codec: legacy manifest at %q: %w", manifestPath, err)
	}
	normalizeLegacyFields(raw)

	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("codec: re-marshal normalized manifest: %w", err)
	}

	var manifest PluginManifest
	if err := json.Unmarshal(normalized, &manifest); err != nil {
		return nil, fmt.Errorf("codec: decode normalized legacy manifest: %w", err)
	}
	if manifest.ID == "" {
		return nil, errors.New("codec: legacy manifest.id is empty")
	}
	if manifest.Entry == "" && hasEntry {
		manifest.Entry = entryPath
	}

	source := make(map[string][]byte, len(files))
	for name, content := range files {
		if name == manifestPath || name == signatureEntryName {
			continue
		}
		source[name] = content
	}

	if manifest.Entry != "" {
		if _, ok := source[manifest.Entry]; !ok && !hasEntryUnderRoot(source, manifest.Entry) {
			return nil, fmt.Errorf("%w: %s", ErrEntryMissing, manifest.Entry)
		}
	}

	return &PluginPackage{
		ManifestBytes: normalized,
		Manifest:      manifest,
		Source:        source,
		Signature:     files[signatureEntryName],
	}, nil
}

func findBySuffix(files map[string][]byte, suffix string) (string, bool) {
	for name := range files {
		if strings.HasSuffix(name, suffix) {
			return name, true
		}
	}
	return "", false
}

// normalizeLegacyFields rewrites a raw manifest map in place so alternate
// historical field spellings decode into PluginManifest correctly.
func normalizeLegacyFields(raw map[string]any) {
	if v, ok := takeFirst(raw, "plugin_type", "pluginType"); ok {
		raw["type"] = normalizeKind(v)
	}
	if v, ok := raw["configSchema"]; !ok || v == nil {
		if cs, ok := raw["config_schema"]; ok {
			raw["configSchema"] = cs
			delete(raw, "config_schema")
		}
	}

	if _, ok := raw["builtin"]; !ok {
		raw["builtin"] = false
	}
	if _, ok := raw["commands"]; !ok {
		raw["commands"] = []string{}
	}
	if _, ok := raw["configSchema"]; !ok {
		raw["configSchema"] = json.RawMessage("{}")
	}
	if _, ok := raw["config"]; !ok {
		raw["config"] = json.RawMessage("{}")
	}
	if _, ok := raw["codeType"]; !ok {
		raw["codeType"] = string(CodeTypeScript)
	}
}

// takeFirst returns the value of the first present key among keys, removing
// every one of them from raw.
func takeFirst(raw map[string]any, keys ...string) (any, bool) {
	var found any
	var ok bool
	for _, k := range keys {
		if v, present := raw[k]; present {
			if !ok {
				found, ok = v, true
			}
			delete(raw, k)
		}
	}
	return found, ok
}

// normalizeKind maps historical "plugin_type"/"pluginType" spellings onto
// the canonical {bot, platform} values per spec.md §4.1.
func normalizeKind(v any) string {
	s, _ := v.(string)
	switch s {
	case "Bot", "bot", "module":
		return string(KindBot)
	case "Platform", "platform", "plugin":
		return string(KindPlatform)
	default:
		return s
	}
}
