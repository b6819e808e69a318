package store

import (
	"context"
	"fmt"
	"time"
)

// Synchronizer methods used by the disk→DB key and proxy loaders. These are
// the only writers of key material; the probe and dispatch engines only
// touch health columns.

// UpsertKey inserts a key row if absent. Existing rows keep their health
// state — re-syncing a known key never resets its status.
func (s *PG) UpsertKey(ctx context.Context, provider, keyHash, model, key string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO keys (provider, key_hash, model, key, status)
		VALUES ($1, $2, $3, $4, 'unchecked')
		ON CONFLICT (provider, key_hash, model) DO NOTHING`,
		provider, keyHash, model, key)
	if err != nil {
		return fmt.Errorf("store: upsert key: %w", err)
	}
	return nil
}

// DeleteKeysNotIn removes every row for the provider whose key_hash is not in
// keep. An empty keep set removes all of the provider's keys.
func (s *PG) DeleteKeysNotIn(ctx context.Context, provider string, keep []string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM keys
		WHERE provider = $1 AND NOT (key_hash = ANY($2))`,
		provider, keep)
	if err != nil {
		return fmt.Errorf("store: delete stale keys: %w", err)
	}
	return nil
}

// DeleteKeysForModelsNotIn removes rows whose model fell out of the
// provider's configuration (e.g. after a shared_key_status flip or a model
// list edit).
func (s *PG) DeleteKeysForModelsNotIn(ctx context.Context, provider string, models []string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM keys
		WHERE provider = $1 AND NOT (model = ANY($2))`,
		provider, models)
	if err != nil {
		return fmt.Errorf("store: delete stale models: %w", err)
	}
	return nil
}

// ReplaceProxies swaps the provider's outbound proxy list atomically.
func (s *PG) ReplaceProxies(ctx context.Context, provider string, urls []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `DELETE FROM proxies WHERE provider = $1`, provider); err != nil {
		return fmt.Errorf("store: clear proxies: %w", err)
	}
	for _, u := range urls {
		if _, err := tx.Exec(ctx,
			`INSERT INTO proxies (provider, url) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			provider, u); err != nil {
			return fmt.Errorf("store: insert proxy: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// AmnestyExpired flips rows whose penalty has lapsed back to eligibility in
// bulk, so long-dead keys re-enter rotation without waiting for a probe.
// Returns the number of rows affected.
func (s *PG) AmnestyExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE keys
		SET status = 'unchecked', reason = NULL, penalty_until = NULL
		WHERE status IN ('penalized', 'invalid') AND penalty_until IS NOT NULL AND penalty_until <= $1`,
		now)
	if err != nil {
		return 0, fmt.Errorf("store: amnesty: %w", err)
	}
	return tag.RowsAffected(), nil
}
