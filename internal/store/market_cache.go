package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrCacheMiss is returned when a market cache lookup finds no entry.
var ErrCacheMiss = errors.New("store: market cache miss")

// CachedMarketEntry is the on-disk shape of a market catalogue entry in the
// local cache table. The market client does not read from or write to this
// cache.
type CachedMarketEntry struct {
	ID          string
	Name        string
	Version     string
	Description string
	Author      string
	Downloads   int64
	PluginType  string
	FetchedAt   time.Time
}

// UpsertMarketEntry writes or replaces the cached catalogue entry for id.
func (s *Store) UpsertMarketEntry(ctx context.Context, e CachedMarketEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_cache (id, name, version, description, author, downloads, plugin_type, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name        = excluded.name,
			version     = excluded.version,
			description = excluded.description,
			author      = excluded.author,
			downloads   = excluded.downloads,
			plugin_type = excluded.plugin_type,
			fetched_at  = excluded.fetched_at
	`, e.ID, e.Name, e.Version, e.Description, e.Author, e.Downloads, e.PluginType, e.FetchedAt)
	if err != nil {
		return fmt.Errorf("store: upsert market cache entry %q: %w", e.ID, err)
	}
	return nil
}

// GetMarketEntry returns the cached entry for id, or ErrCacheMiss if absent.
func (s *Store) GetMarketEntry(ctx context.Context, id string) (CachedMarketEntry, error) {
	var e CachedMarketEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, description, author, downloads, plugin_type, fetched_at
		FROM market_cache WHERE id = ?
	`, id).Scan(&e.ID, &e.Name, &e.Version, &e.Description, &e.Author, &e.Downloads, &e.PluginType, &e.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedMarketEntry{}, ErrCacheMiss
	}
	if err != nil {
		return CachedMarketEntry{}, fmt.Errorf("store: get market cache entry %q: %w", id, err)
	}
	return e, nil
}

// ListMarketEntries returns every cached catalogue entry, ordered by id.
func (s *Store) ListMarketEntries(ctx context.Context) ([]CachedMarketEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, version, description, author, downloads, plugin_type, fetched_at
		FROM market_cache ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list market cache: %w", err)
	}
	defer rows.Close()

	var out []CachedMarketEntry
	for rows.Next() {
		var e CachedMarketEntry
		if err := rows.Scan(&e.ID, &e.Name, &e.Version, &e.Description, &e.Author, &e.Downloads, &e.PluginType, &e.FetchedAt); err != nil {
			return nil, fmt.Errorf("store: scan market cache entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate market cache: %w", err)
	}
	return out, nil
}
