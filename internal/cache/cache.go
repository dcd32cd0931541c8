// SPDX-License-Identifier: MIT

// Package cache is the sqlite-backed cache: a permanent IMDb->TMDB
// id-mapping table, a TTL'd provider-availability table, and an identifier
// blacklist. Cache errors never propagate as aggregation failures; callers
// treat a cache miss and a cache error identically.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shelfsync/reconciler/internal/metrics"
	"github.com/shelfsync/reconciler/internal/provider"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS id_mapping (
	imdb_id    TEXT PRIMARY KEY,
	tmdb_id    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_data (
	source     TEXT NOT NULL,
	tmdb_id    TEXT NOT NULL,
	country    TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (source, tmdb_id, country)
);
CREATE INDEX IF NOT EXISTS idx_provider_data_expires ON provider_data(expires_at);

CREATE TABLE IF NOT EXISTS blacklist (
	identifier       TEXT PRIMARY KEY,
	reason           TEXT NOT NULL,
	failure_count    INTEGER NOT NULL DEFAULT 1,
	first_failure_at INTEGER NOT NULL,
	last_failure_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS aggregate_entries (
	key        TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// Kinds used as the "kind" label on cache hit/miss metrics.
const (
	KindIDMapping    = "id-mapping"
	KindProviderData = "provider-data"
)

// Cache is the embedded availability cache backing the aggregator.
type Cache struct {
	db *sql.DB

	// blacklistThreshold is the failure count at which an identifier is
	// considered blacklisted. Default 1: a single recorded failure gates.
	blacklistThreshold int

	hits   atomic.Int64
	misses atomic.Int64

	cleanupMu    sync.Mutex
	cleanupEvery time.Duration
	lastCleanup  time.Time
}

// New wraps an already-open *sql.DB (see internal/persistence/sqlite) and
// applies the cache schema, versioned via PRAGMA user_version.
func New(ctx context.Context, db *sql.DB) (*Cache, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return nil, fmt.Errorf("cache: read schema version: %w", err)
	}

	if version < schemaVersion {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			return nil, fmt.Errorf("cache: apply schema: %w", err)
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return nil, fmt.Errorf("cache: set schema version: %w", err)
		}
	}

	return &Cache{db: db, blacklistThreshold: 1, cleanupEvery: 10 * time.Minute}, nil
}

// SetBlacklistThreshold overrides the failure count at which an identifier
// is treated as blacklisted. Values below 1 are clamped to 1.
func (c *Cache) SetBlacklistThreshold(n int) {
	if n < 1 {
		n = 1
	}
	c.blacklistThreshold = n
}

// IDMapping resolves and persists IMDb -> TMDB identifier pairs. Entries
// never expire: an id mapping is a fact, not a snapshot.
type idMapping struct{ c *Cache }

func (c *Cache) IDMapping() idMapping { return idMapping{c} }

func (m idMapping) Get(ctx context.Context, imdbID string) (string, bool) {
	var tmdbID string
	err := m.c.db.QueryRowContext(ctx,
		`SELECT tmdb_id FROM id_mapping WHERE imdb_id = ?`, imdbID,
	).Scan(&tmdbID)
	if err != nil {
		m.c.recordMiss(KindIDMapping)
		return "", false
	}
	m.c.recordHit(KindIDMapping)
	return tmdbID, true
}

func (m idMapping) Put(ctx context.Context, imdbID, tmdbID string) error {
	_, err := m.c.db.ExecContext(ctx, `
		INSERT INTO id_mapping (imdb_id, tmdb_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(imdb_id) DO UPDATE SET tmdb_id = excluded.tmdb_id`,
		imdbID, tmdbID, time.Now().Unix(),
	)
	return err
}

// ProviderData resolves and persists per-source, per-country availability
// snapshots, each with its own caller-supplied TTL (primary 24h, secondary
// 12h, tertiary 7d by default). The cache is keyed by source as well as
// tmdbID+country because each source's entries expire on a different
// schedule; the Aggregator folds the per-source reads back into a single
// merged availability record.
type providerData struct{ c *Cache }

func (c *Cache) ProviderData() providerData { return providerData{c} }

// Get returns the sanitised offer map for one (source, tmdbID, country)
// triple, or ok=false if there is no entry or it has expired.
func (p providerData) Get(ctx context.Context, source, tmdbID, country string) (map[string]provider.Offer, bool) {
	country = strings.ToUpper(country)
	var payload string
	var expiresAt int64
	err := p.c.db.QueryRowContext(ctx,
		`SELECT payload, expires_at FROM provider_data WHERE source = ? AND tmdb_id = ? AND country = ?`,
		source, tmdbID, country,
	).Scan(&payload, &expiresAt)
	if err != nil {
		p.c.recordMiss(KindProviderData)
		return nil, false
	}
	if time.Now().UnixMilli() > expiresAt {
		// Expired entries are removed on read so they are never observed
		// again, even if the periodic cleanup has not run yet.
		_, _ = p.c.db.ExecContext(ctx,
			`DELETE FROM provider_data WHERE source = ? AND tmdb_id = ? AND country = ?`,
			source, tmdbID, country,
		)
		p.c.recordMiss(KindProviderData)
		return nil, false
	}

	var offers map[string]provider.Offer
	if err := json.Unmarshal([]byte(payload), &offers); err != nil {
		p.c.recordMiss(KindProviderData)
		return nil, false
	}
	p.c.recordHit(KindProviderData)
	return offers, true
}

// Put sanitises and persists an offer map: entries with an empty provider
// key are dropped, and the country is upper-cased.
func (p providerData) Put(ctx context.Context, source, tmdbID, country string, offers map[string]provider.Offer, ttl time.Duration) error {
	country = strings.ToUpper(strings.TrimSpace(country))
	if country == "" {
		return fmt.Errorf("cache: provider data country must not be empty")
	}

	clean := make(map[string]provider.Offer, len(offers))
	for key, offer := range offers {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		clean[key] = offer
	}

	payload, err := json.Marshal(clean)
	if err != nil {
		return fmt.Errorf("cache: marshal offers: %w", err)
	}

	now := time.Now()
	_, err = p.c.db.ExecContext(ctx, `
		INSERT INTO provider_data (source, tmdb_id, country, payload, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, tmdb_id, country) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		source, tmdbID, country, string(payload), now.UnixMilli(), now.Add(ttl).UnixMilli(),
	)
	return err
}

// Invalidate removes provider-data entries for tmdbID. An empty source or
// country widens the match to every source or country respectively cached
// for that id.
func (p providerData) Invalidate(ctx context.Context, source, tmdbID, country string) error {
	query := `DELETE FROM provider_data WHERE tmdb_id = ?`
	args := []any{tmdbID}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, source)
	}
	if country != "" {
		query += ` AND country = ?`
		args = append(args, strings.ToUpper(country))
	}
	_, err := p.c.db.ExecContext(ctx, query, args...)
	return err
}

// Blacklist records identifiers the pipeline should stop retrying:
// repeated NotFound/auth failures against the same identifier.
type blacklist struct{ c *Cache }

func (c *Cache) Blacklist() blacklist { return blacklist{c} }

func (b blacklist) Record(ctx context.Context, identifier, reason string) error {
	now := time.Now().Unix()
	_, err := b.c.db.ExecContext(ctx, `
		INSERT INTO blacklist (identifier, reason, failure_count, first_failure_at, last_failure_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			reason = excluded.reason,
			failure_count = failure_count + 1,
			last_failure_at = excluded.last_failure_at`,
		identifier, reason, now, now,
	)
	return err
}

func (b blacklist) IsBlacklisted(ctx context.Context, identifier string) bool {
	var count int
	err := b.c.db.QueryRowContext(ctx,
		`SELECT failure_count FROM blacklist WHERE identifier = ?`, identifier,
	).Scan(&count)
	return err == nil && count >= b.c.blacklistThreshold
}

func (b blacklist) Clear(ctx context.Context, identifier string) error {
	_, err := b.c.db.ExecContext(ctx, `DELETE FROM blacklist WHERE identifier = ?`, identifier)
	return err
}

// Aggregate is a generic keyed TTL cache for the Aggregator's combined
// per-(imdbId, country-set) result, distinct from the per-source
// ProviderData entries it is folded from.
type aggregateEntries struct{ c *Cache }

func (c *Cache) Aggregate() aggregateEntries { return aggregateEntries{c} }

func (a aggregateEntries) Get(ctx context.Context, key string) ([]byte, bool) {
	var payload string
	var expiresAt int64
	err := a.c.db.QueryRowContext(ctx,
		`SELECT payload, expires_at FROM aggregate_entries WHERE key = ?`, key,
	).Scan(&payload, &expiresAt)
	if err != nil {
		return nil, false
	}
	if time.Now().UnixMilli() > expiresAt {
		_, _ = a.c.db.ExecContext(ctx, `DELETE FROM aggregate_entries WHERE key = ?`, key)
		return nil, false
	}
	return []byte(payload), true
}

func (a aggregateEntries) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	now := time.Now()
	_, err := a.c.db.ExecContext(ctx, `
		INSERT INTO aggregate_entries (key, payload, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		key, string(payload), now.UnixMilli(), now.Add(ttl).UnixMilli(),
	)
	return err
}

// Statistics summarises cache effectiveness and occupancy, used by
// diagnostics output.
type Statistics struct {
	Hits          int64
	Misses        int64
	HitRate       float64
	IDMappings    int
	ProviderRows  int
	BlacklistSize int
	AggregateRows int
}

func (c *Cache) recordHit(kind string) {
	c.hits.Add(1)
	metrics.RecordCacheHit(kind)
}

func (c *Cache) recordMiss(kind string) {
	c.misses.Add(1)
	metrics.RecordCacheMiss(kind)
}

func (c *Cache) Statistics(ctx context.Context) (Statistics, error) {
	var s Statistics
	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	if err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM id_mapping`).Scan(&s.IDMappings); err != nil {
		return s, err
	}
	if err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM provider_data`).Scan(&s.ProviderRows); err != nil {
		return s, err
	}
	if err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM blacklist`).Scan(&s.BlacklistSize); err != nil {
		return s, err
	}
	if err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM aggregate_entries`).Scan(&s.AggregateRows); err != nil {
		return s, err
	}
	return s, nil
}

// CleanupExpired deletes provider_data and aggregate_entries rows past
// their TTL, returning how many rows were removed in total. id_mapping
// rows are never touched; id mappings are permanent.
func (c *Cache) CleanupExpired(ctx context.Context) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := c.db.ExecContext(ctx, `DELETE FROM provider_data WHERE expires_at < ?`, now)
	if err != nil {
		return 0, err
	}
	n1, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	res, err = c.db.ExecContext(ctx, `DELETE FROM aggregate_entries WHERE expires_at < ?`, now)
	if err != nil {
		return n1, err
	}
	n2, err := res.RowsAffected()
	return n1 + n2, err
}

// MaybeCleanup runs CleanupExpired at most once per cleanupEvery interval,
// so callers can invoke it opportunistically on every run without turning
// it into a per-call table scan.
func (c *Cache) MaybeCleanup(ctx context.Context) {
	c.cleanupMu.Lock()
	if time.Since(c.lastCleanup) < c.cleanupEvery {
		c.cleanupMu.Unlock()
		return
	}
	c.lastCleanup = time.Now()
	c.cleanupMu.Unlock()

	_, _ = c.CleanupExpired(ctx)
}

// Clear wipes a single table ("id-mapping", "provider-data", "blacklist",
// "aggregate") or, given "", all four. Intended for tests and maintenance tooling.
func (c *Cache) Clear(ctx context.Context, kind string) error {
	tables := map[string]string{
		KindIDMapping:    "id_mapping",
		KindProviderData: "provider_data",
		"blacklist":      "blacklist",
		"aggregate":      "aggregate_entries",
	}
	if kind == "" {
		for _, t := range tables {
			if _, err := c.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
				return err
			}
		}
		return nil
	}
	table, ok := tables[kind]
	if !ok {
		return fmt.Errorf("cache: unknown kind %q", kind)
	}
	_, err := c.db.ExecContext(ctx, "DELETE FROM "+table)
	return err
}
