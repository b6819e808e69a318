// Package keypool maintains the in-memory pools of currently-eligible
// provider credentials.
//
// One pool exists per (provider, resolved model), where the resolved model is
// the literal model name — or the virtual __ALL_MODELS__ marker for providers
// whose key validity is account-wide. Pools load lazily from the repository
// on first demand and serve keys round-robin. Mutations are serialized per
// pool; unrelated pools never block each other.
package keypool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/keygate/internal/config"
	"github.com/nulpointcorp/keygate/internal/metrics"
	"github.com/nulpointcorp/keygate/internal/providers"
	"github.com/nulpointcorp/keygate/internal/store"
)

// ErrNoKeys is returned by Acquire when the pool has no eligible key left.
var ErrNoKeys = errors.New("keypool: no eligible keys")

// Key is one pooled credential. Hash is the stable identity; Value is the
// raw material handed to the adapter.
type Key struct {
	Hash  string
	Value string
}

// Repository is the subset of the store the cache needs.
type Repository interface {
	ListEligible(ctx context.Context, provider, model string, now time.Time) ([]store.KeyRow, error)
	UpdateKeyStatus(ctx context.Context, provider, keyHash, model string,
		status providers.Status, reason providers.ErrorReason, penaltyUntil *time.Time) error
}

// Cache is the process-wide key cache.
type Cache struct {
	repo      Repository
	providers map[string]*config.ProviderConfig
	defPolicy config.HealthPolicy
	log       *slog.Logger
	met       *metrics.Registry // nil-safe

	mu    sync.RWMutex
	pools map[poolKey]*pool
}

type poolKey struct {
	provider string
	model    string
}

type pool struct {
	mu     sync.Mutex
	keys   []Key // head is the next key to serve
	loaded bool
}

// New creates a Cache. met may be nil.
func New(repo Repository, provs map[string]*config.ProviderConfig,
	defPolicy config.HealthPolicy, log *slog.Logger, met *metrics.Registry) *Cache {

	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		repo:      repo,
		providers: provs,
		defPolicy: defPolicy,
		log:       log,
		met:       met,
		pools:     make(map[poolKey]*pool),
	}
}

// ResolveModel collapses model to the virtual marker for shared-key providers.
func (c *Cache) ResolveModel(provider, model string) string {
	if p, ok := c.providers[provider]; ok && p.SharedKeyStatus {
		return providers.AllModels
	}
	return model
}

// Acquire returns the next eligible key for (provider, model), rotating it to
// the back of the pool. Keys whose hash appears in exclude are skipped.
// Returns ErrNoKeys when the pool is empty or fully excluded.
func (c *Cache) Acquire(ctx context.Context, provider, model string, exclude map[string]struct{}) (Key, error) {
	resolved := c.ResolveModel(provider, model)
	p := c.getPool(provider, resolved)

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded || len(p.keys) == 0 {
		if err := c.loadLocked(ctx, p, provider, resolved); err != nil {
			return Key{}, err
		}
	}

	// One full rotation at most: every key is seen exactly once.
	for i := 0; i < len(p.keys); i++ {
		k := p.keys[0]
		p.keys = append(p.keys[1:], k)
		if _, tried := exclude[k.Hash]; tried {
			continue
		}
		return k, nil
	}
	return Key{}, ErrNoKeys
}

// MarkBad evicts the key from its pool (idempotent), persists the new status,
// and applies the reason-specific penalty. Fatal reasons transition to
// invalid; everything else to penalized.
func (c *Cache) MarkBad(ctx context.Context, provider, model string, key Key, reason providers.ErrorReason) error {
	resolved := c.ResolveModel(provider, model)
	p := c.getPool(provider, resolved)

	p.mu.Lock()
	removed := p.remove(key.Hash)
	size := len(p.keys)
	p.mu.Unlock()

	if removed {
		c.log.Info("key evicted from pool",
			slog.String("provider", provider),
			slog.String("model", resolved),
			slog.String("key_hash", shortHash(key.Hash)),
			slog.String("reason", string(reason)),
			slog.Int("pool_size", size),
		)
	}
	if c.met != nil {
		c.met.SetPoolSize(provider, resolved, size)
	}

	status := providers.StatusPenalized
	if reason.Fatal() {
		status = providers.StatusInvalid
	}
	until := time.Now().Add(c.policyFor(provider).PenaltyFor(reason))

	return c.repo.UpdateKeyStatus(ctx, provider, key.Hash, resolved, status, reason, &until)
}

// Refresh drops the pool entry, forcing a lazy reload on the next Acquire.
func (c *Cache) Refresh(provider, model string) {
	resolved := c.ResolveModel(provider, model)

	c.mu.Lock()
	delete(c.pools, poolKey{provider, resolved})
	c.mu.Unlock()
}

// Size returns the current length of the pool (0 when not yet loaded).
func (c *Cache) Size(provider, model string) int {
	resolved := c.ResolveModel(provider, model)

	c.mu.RLock()
	p, ok := c.pools[poolKey{provider, resolved}]
	c.mu.RUnlock()
	if !ok {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

func (c *Cache) getPool(provider, resolved string) *pool {
	k := poolKey{provider, resolved}

	c.mu.RLock()
	p, ok := c.pools[k]
	c.mu.RUnlock()
	if ok {
		return p
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok = c.pools[k]; ok {
		return p
	}
	p = &pool{}
	c.pools[k] = p
	return p
}

// loadLocked replenishes the pool from the repository. Caller holds p.mu.
func (c *Cache) loadLocked(ctx context.Context, p *pool, provider, resolved string) error {
	rows, err := c.repo.ListEligible(ctx, provider, resolved, time.Now())
	if err != nil {
		return err
	}

	p.keys = p.keys[:0]
	for _, r := range rows {
		p.keys = append(p.keys, Key{Hash: r.KeyHash, Value: r.Key})
	}
	p.loaded = true

	c.log.Debug("key pool loaded",
		slog.String("provider", provider),
		slog.String("model", resolved),
		slog.Int("keys", len(p.keys)),
	)
	if c.met != nil {
		c.met.SetPoolSize(provider, resolved, len(p.keys))
	}
	return nil
}

func (c *Cache) policyFor(provider string) config.HealthPolicy {
	if p, ok := c.providers[provider]; ok {
		return p.HealthPolicyOrDefault(c.defPolicy)
	}
	return c.defPolicy
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// remove deletes the key with the given hash, preserving rotation order.
// Returns false when the key was already gone.
func (p *pool) remove(hash string) bool {
	for i, k := range p.keys {
		if k.Hash == hash {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			return true
		}
	}
	return false
}
