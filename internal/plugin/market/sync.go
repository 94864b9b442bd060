package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bdobrica/nbotgw/common/retry"
	"github.com/bdobrica/nbotgw/internal/plugin/codec"
	"github.com/bdobrica/nbotgw/internal/plugin/registry"
	"github.com/bdobrica/nbotgw/internal/plugin/semver"
)

// Lifecycle is the narrow surface Syncer needs from the running plugin
// manager to safely swap a plugin's runtime out from under an active
// registry entry. Implemented by internal/plugin/manager.Manager.
type Lifecycle interface {
	Unload(id string) error
	Load(id string) error
}

// Syncer drives the official-id bootstrap/update sync described in
// spec.md §4.3.
type Syncer struct {
	Client      *Client
	Registry    *registry.Registry
	Lifecycle   Lifecycle
	Policy      codec.VerificationPolicy
	InstallRoot string
	ForceUpdate bool

	retryConfig retry.Config
}

// NewSyncer returns a Syncer that retries the catalogue/package fetches up
// to 3 times, starting at a 500ms delay capped at 5s.
func NewSyncer(client *Client, reg *registry.Registry, lifecycle Lifecycle, policy codec.VerificationPolicy, installRoot string, forceUpdate bool) *Syncer {
	return &Syncer{
		Client:      client,
		Registry:    reg,
		Lifecycle:   lifecycle,
		Policy:      policy,
		InstallRoot: installRoot,
		ForceUpdate: forceUpdate,
		retryConfig: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
	}
}

// Bootstrap synchronizes every id in the official allow-list, in fixed
// sorted order, skipping the market entirely when it is not configured.
func (s *Syncer) Bootstrap(ctx context.Context) error {
	if !s.Client.Configured() {
		return nil
	}

	entries, err := s.fetchCatalogue(ctx)
	if err != nil {
		return fmt.Errorf("market: bootstrap catalogue fetch: %w", err)
	}
	byID := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	for _, id := range officialPluginIDsOrdered() {
		remote, ok := byID[id]
		if !ok {
			continue
		}
		if err := s.syncOne(ctx, id, remote); err != nil {
			slog.Warn("market: sync failed", "id", id, "error", err)
		}
	}
	return nil
}

func (s *Syncer) fetchCatalogue(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := retry.Do(ctx, s.retryConfig, func() error {
		var err error
		entries, err = s.Client.ListCatalogue(ctx)
		return err
	})
	return entries, err
}

func (s *Syncer) syncOne(ctx context.Context, id string, remote Entry) error {
	remoteVersion, ok := semver.Parse(remote.Version)
	if !ok {
		return fmt.Errorf("remote version %q for %s does not parse", remote.Version, id)
	}

	existing, err := s.Registry.Get(id)
	installed := err == nil

	if installed {
		localVersion, ok := semver.Parse(existing.Manifest.Version)
		newer := !ok || semver.Compare(remoteVersion, localVersion) > 0
		equal := ok && semver.Compare(remoteVersion, localVersion) == 0
		if !newer && !(equal && s.ForceUpdate) {
			return nil
		}
	}

	data, err := s.download(ctx, id)
	if err != nil {
		return fmt.Errorf("download %s: %w", id, err)
	}

	pkg, err := codec.Parse(data)
	if err != nil {
		return fmt.Errorf("parse package %s: %w", id, err)
	}
	if pkg.Manifest.ID != id {
		return fmt.Errorf("%w: requested %s, got %s", ErrIDMismatch, id, pkg.Manifest.ID)
	}
	if err := s.Policy.Check(pkg); err != nil {
		return fmt.Errorf("verify package %s: %w", id, err)
	}

	if installed {
		if s.Lifecycle != nil {
			if err := s.Lifecycle.Unload(id); err != nil {
				return fmt.Errorf("unload %s before re-sync: %w", id, err)
			}
		}
		if err := s.Registry.Uninstall(id); err != nil {
			return fmt.Errorf("uninstall %s before re-sync: %w", id, err)
		}
	}

	root := filepath.Join(s.InstallRoot, id)
	if err := writePackageTree(root, pkg); err != nil {
		return fmt.Errorf("write package tree for %s: %w", id, err)
	}

	if installed {
		pkg.Manifest.Config = existing.Manifest.Config
	}

	if err := s.Registry.Install(pkg.Manifest, root); err != nil {
		return fmt.Errorf("install %s: %w", id, err)
	}
	if installed && !existing.Enabled {
		if err := s.Registry.Disable(id); err != nil {
			return fmt.Errorf("restore disabled flag for %s: %w", id, err)
		}
	}
	if installed && s.Lifecycle != nil {
		if err := s.Lifecycle.Load(id); err != nil {
			return fmt.Errorf("load %s after re-sync: %w", id, err)
		}
	}
	return nil
}

func (s *Syncer) download(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, s.retryConfig, func() error {
		var err error
		data, err = s.Client.DownloadPackage(ctx, id)
		return err
	})
	return data, err
}

func writePackageTree(root string, pkg *codec.PluginPackage) error {
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("clear install root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create install root: %w", err)
	}
	for path, content := range pkg.Source {
		dest := filepath.Join(root, path)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, content, 0o644); err != nil {
			return err
		}
	}
	manifestBytes, err := json.MarshalIndent(pkg.Manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(root, "manifest.json"), manifestBytes, 0o644)
}
