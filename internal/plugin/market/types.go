// Package market talks to a remote plugin catalogue: it lists and downloads
// plugin packages, and bootstraps/updates a closed set of official plugin
// ids at startup.
package market

import (
	"errors"
	"sort"
)

// ErrIDMismatch is returned when a downloaded package's manifest id disagrees
// with the id that was requested.
var ErrIDMismatch = errors.New("market: package id does not match requested id")

// Entry is one record in the remote catalogue.
type Entry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Author      string `json:"author"`
	Downloads   int64  `json:"downloads"`
	Type        string `json:"type"`
}

// officialPluginIDs is the closed allow-list bootstrap/update synchronizes
// at startup. Hard-coded per spec.md §4.3; extend here as new bundled
// official plugins ship.
var officialPluginIDs = map[string]struct{}{
	"echo":        {},
	"web-search":  {},
	"group-admin": {},
	"onebot":      {},
}

// officialPluginIDsOrdered returns officialPluginIDs in a fixed, sorted
// order so sync runs deterministically (spec.md §8: "serial in a hard-coded
// priority order").
func officialPluginIDsOrdered() []string {
	ids := make([]string, 0, len(officialPluginIDs))
	for id := range officialPluginIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
