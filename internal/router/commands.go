package router

import "github.com/bdobrica/nbotgw/internal/plugin/registry"

// RegistryCommands resolves command names against every enabled plugin's
// declared command list, implementing CommandSource. A manifest's first
// declared command name is its canonical name; any further entries are
// aliases (spec.md §4.9 "exact-name match over alias match"). Builtin
// manifests outrank ordinary plugins (spec.md §4.9 "builtin over plugin").
type RegistryCommands struct {
	Registry *registry.Registry
}

// Resolve implements CommandSource.
func (c *RegistryCommands) Resolve(name string) (string, bool) {
	var candidates []Candidate
	for _, p := range c.Registry.ListEnabled() {
		for i, cmd := range p.Manifest.Commands {
			if cmd != name {
				continue
			}
			kind := CommandKindPlugin
			if p.Manifest.Builtin {
				kind = CommandKindBuiltin
			}
			candidates = append(candidates, Candidate{ID: p.Manifest.ID, Kind: kind, Exact: i == 0})
			break
		}
	}
	best, ok := ResolveCommand(candidates)
	if !ok {
		return "", false
	}
	return best.ID, true
}
