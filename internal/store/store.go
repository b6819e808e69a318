// Package store is the PostgreSQL persistence layer for key health state.
//
// The schema is two tables: keys (one row per provider × key × model, or
// provider × key × __ALL_MODELS__ for shared-key providers) and proxies.
// All updates are single-row upserts keyed by the primary key, so concurrent
// writers touching distinct keys never conflict; same-key writers serialize
// last-write-wins on last_checked_at.
package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nulpointcorp/keygate/internal/providers"
)

// KeyRow is one persisted key × model health record.
type KeyRow struct {
	Provider      string
	KeyHash       string
	Model         string
	Key           string
	Status        providers.Status
	Reason        providers.ErrorReason
	PenaltyUntil  *time.Time
	LastCheckedAt *time.Time
}

// Repository is the persistence contract consumed by the key cache and the
// probe engine. *PG implements it; tests substitute fakes.
type Repository interface {
	// ListEligible returns rows usable for dispatch: not invalid, and either
	// unpenalized or past penalty expiry.
	ListEligible(ctx context.Context, provider, model string, now time.Time) ([]KeyRow, error)

	// ListAll returns every row for the pool, regardless of health.
	ListAll(ctx context.Context, provider, model string) ([]KeyRow, error)

	// UpdateKeyStatus upserts the health state of one key row.
	UpdateKeyStatus(ctx context.Context, provider, keyHash, model string,
		status providers.Status, reason providers.ErrorReason, penaltyUntil *time.Time) error

	// TouchChecked stamps last_checked_at without changing health state.
	TouchChecked(ctx context.Context, provider, keyHash, model string, now time.Time) error
}

// PG is the pgxpool-backed Repository.
type PG struct {
	pool *pgxpool.Pool
}

// EnvDSN composes a pgx connection string from the DB_* environment
// variables.
func EnvDSN() string {
	host := envOr("DB_HOST", "localhost")
	port := envOr("DB_PORT", "5432")
	user := envOr("DB_USER", "keygate")
	pass := os.Getenv("DB_PASSWORD")
	name := envOr("DB_NAME", "keygate")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Open connects to PostgreSQL and verifies the connection with a ping.
func Open(ctx context.Context, dsn string) (*PG, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &PG{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PG) Close() {
	s.pool.Close()
}

// Ping verifies database reachability (used by GET /healthz).
func (s *PG) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS keys (
    provider        TEXT        NOT NULL,
    key_hash        TEXT        NOT NULL,
    model           TEXT        NOT NULL,
    key             TEXT        NOT NULL,
    status          TEXT        NOT NULL DEFAULT 'unchecked',
    reason          TEXT        NULL,
    penalty_until   TIMESTAMPTZ NULL,
    last_checked_at TIMESTAMPTZ NULL,
    PRIMARY KEY (provider, key_hash, model)
);
CREATE INDEX IF NOT EXISTS keys_pool_idx ON keys (provider, model, status);

CREATE TABLE IF NOT EXISTS proxies (
    provider TEXT NOT NULL,
    url      TEXT NOT NULL,
    PRIMARY KEY (provider, url)
);
`

// Init creates the schema when missing. Idempotent.
func (s *PG) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

func (s *PG) ListEligible(ctx context.Context, provider, model string, now time.Time) ([]KeyRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT provider, key_hash, model, key, status, COALESCE(reason, ''), penalty_until, last_checked_at
		FROM keys
		WHERE provider = $1 AND model = $2
		  AND status <> 'invalid'
		  AND (penalty_until IS NULL OR penalty_until <= $3)
		ORDER BY key_hash`,
		provider, model, now)
	if err != nil {
		return nil, fmt.Errorf("store: list eligible: %w", err)
	}
	return scanKeyRows(rows)
}

func (s *PG) ListAll(ctx context.Context, provider, model string) ([]KeyRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT provider, key_hash, model, key, status, COALESCE(reason, ''), penalty_until, last_checked_at
		FROM keys
		WHERE provider = $1 AND model = $2
		ORDER BY key_hash`,
		provider, model)
	if err != nil {
		return nil, fmt.Errorf("store: list all: %w", err)
	}
	return scanKeyRows(rows)
}

func (s *PG) UpdateKeyStatus(ctx context.Context, provider, keyHash, model string,
	status providers.Status, reason providers.ErrorReason, penaltyUntil *time.Time) error {

	var reasonVal *string
	if reason != "" {
		v := string(reason)
		reasonVal = &v
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE keys
		SET status = $4, reason = $5, penalty_until = $6, last_checked_at = now()
		WHERE provider = $1 AND key_hash = $2 AND model = $3`,
		provider, keyHash, model, string(status), reasonVal, penaltyUntil)
	if err != nil {
		return fmt.Errorf("store: update key status: %w", err)
	}
	return nil
}

func (s *PG) TouchChecked(ctx context.Context, provider, keyHash, model string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE keys SET last_checked_at = $4
		WHERE provider = $1 AND key_hash = $2 AND model = $3`,
		provider, keyHash, model, now)
	if err != nil {
		return fmt.Errorf("store: touch checked: %w", err)
	}
	return nil
}

func scanKeyRows(rows pgx.Rows) ([]KeyRow, error) {
	defer rows.Close()

	var out []KeyRow
	for rows.Next() {
		var r KeyRow
		var status, reason string
		if err := rows.Scan(&r.Provider, &r.KeyHash, &r.Model, &r.Key,
			&status, &reason, &r.PenaltyUntil, &r.LastCheckedAt); err != nil {
			return nil, fmt.Errorf("store: scan key row: %w", err)
		}
		r.Status = providers.Status(status)
		r.Reason = providers.ErrorReason(reason)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate key rows: %w", err)
	}
	return out, nil
}
