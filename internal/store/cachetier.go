package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CacheTier exposes the cache_entries table as a cache.Tier. This is
// the persistence tier: long-lived reference data (candidate details
// unlikely to change) survives process restarts and is shared by every
// run against the same database.
type CacheTier struct {
	store *Store
}

// Cache returns the store's persistent cache tier.
func (s *Store) Cache() *CacheTier {
	return &CacheTier{store: s}
}

// Name implements cache.Tier.
func (t *CacheTier) Name() string { return "sqlite" }

// Get implements cache.Tier. A stale entry is treated as absent and
// deleted on the read path; a live hit refreshes last_access.
func (t *CacheTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	row := t.store.db.QueryRowContext(ctx, `
		SELECT value, expires_at FROM cache_entries WHERE key = ?
	`, key)

	var (
		value     []byte
		expiresAt string
	)
	if err := row.Scan(&value, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	expiry, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return nil, false, fmt.Errorf("cache get: parse expires_at: %w", err)
	}
	now := t.store.now()
	if !now.Before(expiry) {
		// Opportunistic eviction; failure to evict is not a read failure.
		_, _ = t.store.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
		return nil, false, nil
	}

	_, _ = t.store.db.ExecContext(ctx, `
		UPDATE cache_entries SET last_access = ? WHERE key = ?
	`, timestamp(now), key)

	return value, true, nil
}

// Set implements cache.Tier. Last-write-wins upsert; a non-positive TTL
// stores nothing.
func (t *CacheTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := t.store.now()
	_, err := t.store.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, created_at, last_access, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			last_access = excluded.last_access,
			expires_at = excluded.expires_at
	`,
		key,
		value,
		timestamp(now),
		timestamp(now),
		timestamp(now.Add(ttl)),
	)
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
