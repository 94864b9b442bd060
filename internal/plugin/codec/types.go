// Package codec parses and signs plugin packages (`.nbp` files): a
// gzip-compressed tar archive carrying a manifest, a source tree, and an
// optional detached signature.
package codec

import "encoding/json"

// CodeType selects how the runtime loads a plugin's entry point.
type CodeType string

const (
	CodeTypeScript CodeType = "script"
	CodeTypeModule CodeType = "module"
)

// Kind distinguishes a bot-side plugin from a platform-side one. It is
// normalized from several historical field spellings by the legacy reader.
type Kind string

const (
	KindBot      Kind = "bot"
	KindPlatform Kind = "platform"
)

// PluginManifest describes one plugin package: identity, load instructions,
// declared commands, and configuration shape.
type PluginManifest struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Version  string          `json:"version"`
	Type     CodeType        `json:"codeType"`
	Kind     Kind            `json:"type,omitempty"`
	Entry    string          `json:"entry"`
	Commands []string        `json:"commands,omitempty"`

	ConfigSchema json.RawMessage `json:"configSchema,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`

	Builtin bool `json:"builtin,omitempty"`
}

// PluginPackage is the decoded form of a `.nbp` archive: manifest bytes, the
// full source tree keyed by path relative to the archive root, and an
// optional detached signature over the canonical manifest+source bytes.
type PluginPackage struct {
	ManifestBytes []byte
	Manifest      PluginManifest
	Source        map[string][]byte
	Signature     []byte
}
