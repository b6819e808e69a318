package keypool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/keygate/internal/config"
	"github.com/nulpointcorp/keygate/internal/providers"
	"github.com/nulpointcorp/keygate/internal/store"
)

type statusUpdate struct {
	provider string
	keyHash  string
	model    string
	status   providers.Status
	reason   providers.ErrorReason
	until    *time.Time
}

type fakeRepo struct {
	mu      sync.Mutex
	rows    map[string][]store.KeyRow // provider+"/"+model → rows
	listErr error
	updates []statusUpdate
}

func (f *fakeRepo) ListEligible(_ context.Context, provider, model string, _ time.Time) ([]store.KeyRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.rows[provider+"/"+model], nil
}

func (f *fakeRepo) UpdateKeyStatus(_ context.Context, provider, keyHash, model string,
	status providers.Status, reason providers.ErrorReason, penaltyUntil *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, statusUpdate{provider, keyHash, model, status, reason, penaltyUntil})
	return nil
}

func row(hash, key string) store.KeyRow {
	return store.KeyRow{KeyHash: hash, Key: key}
}

func testPolicy() config.HealthPolicy {
	return config.HealthPolicy{
		OnInvalidKeyDays: 10,
		OnNoAccessDays:   10,
		OnNoQuotaHr:      4,
		OnRateLimitHr:    1,
		OnServerErrorMin: 30,
		OnOverloadMin:    60,
		OnOtherErrorHr:   1,
	}
}

func newTestCache(repo Repository, provs map[string]*config.ProviderConfig) *Cache {
	return New(repo, provs, testPolicy(), nil, nil)
}

func TestAcquire_RoundRobinRotation(t *testing.T) {
	repo := &fakeRepo{rows: map[string][]store.KeyRow{
		"openai/gpt-4o": {row("h1", "sk-1"), row("h2", "sk-2"), row("h3", "sk-3")},
	}}
	c := newTestCache(repo, nil)
	ctx := context.Background()

	want := []string{"h1", "h2", "h3", "h1", "h2", "h3", "h1", "h2", "h3"}
	for i, w := range want {
		k, err := c.Acquire(ctx, "openai", "gpt-4o", nil)
		if err != nil {
			t.Fatalf("Acquire #%d: %v", i, err)
		}
		if k.Hash != w {
			t.Errorf("Acquire #%d = %s, want %s", i, k.Hash, w)
		}
	}
}

func TestAcquire_SkipsExcludedHashes(t *testing.T) {
	repo := &fakeRepo{rows: map[string][]store.KeyRow{
		"openai/gpt-4o": {row("h1", "sk-1"), row("h2", "sk-2")},
	}}
	c := newTestCache(repo, nil)
	ctx := context.Background()

	exclude := map[string]struct{}{"h1": {}}
	k, err := c.Acquire(ctx, "openai", "gpt-4o", exclude)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if k.Hash != "h2" {
		t.Errorf("got %s, want h2", k.Hash)
	}

	// All keys excluded — one full rotation then ErrNoKeys.
	exclude["h2"] = struct{}{}
	if _, err := c.Acquire(ctx, "openai", "gpt-4o", exclude); !errors.Is(err, ErrNoKeys) {
		t.Errorf("got %v, want ErrNoKeys", err)
	}
}

func TestAcquire_EmptyPoolReturnsErrNoKeys(t *testing.T) {
	repo := &fakeRepo{rows: map[string][]store.KeyRow{}}
	c := newTestCache(repo, nil)

	if _, err := c.Acquire(context.Background(), "openai", "gpt-4o", nil); !errors.Is(err, ErrNoKeys) {
		t.Errorf("got %v, want ErrNoKeys", err)
	}
}

func TestAcquire_PropagatesRepositoryError(t *testing.T) {
	boom := errors.New("pg down")
	repo := &fakeRepo{listErr: boom}
	c := newTestCache(repo, nil)

	if _, err := c.Acquire(context.Background(), "openai", "gpt-4o", nil); !errors.Is(err, boom) {
		t.Errorf("got %v, want wrapped pg error", err)
	}
}

func TestMarkBad_EvictsAndPersistsPenalty(t *testing.T) {
	repo := &fakeRepo{rows: map[string][]store.KeyRow{
		"openai/gpt-4o": {row("h1", "sk-1"), row("h2", "sk-2")},
	}}
	c := newTestCache(repo, nil)
	ctx := context.Background()

	k, err := c.Acquire(ctx, "openai", "gpt-4o", nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	before := time.Now()
	if err := c.MarkBad(ctx, "openai", "gpt-4o", k, providers.ReasonRateLimited); err != nil {
		t.Fatalf("MarkBad: %v", err)
	}

	if got := c.Size("openai", "gpt-4o"); got != 1 {
		t.Errorf("pool size after eviction = %d, want 1", got)
	}

	if len(repo.updates) != 1 {
		t.Fatalf("got %d status updates, want 1", len(repo.updates))
	}
	u := repo.updates[0]
	if u.status != providers.StatusPenalized || u.reason != providers.ReasonRateLimited {
		t.Errorf("got status=%s reason=%s, want penalized/rate_limited", u.status, u.reason)
	}
	if u.until == nil {
		t.Fatal("penalty_until must be set")
	}
	wantUntil := before.Add(time.Hour) // on_rate_limit_hr: 1
	if u.until.Before(wantUntil.Add(-time.Minute)) || u.until.After(wantUntil.Add(time.Minute)) {
		t.Errorf("penalty_until = %v, want ~%v", u.until, wantUntil)
	}

	// A second MarkBad for the same hash is a no-op eviction but still
	// persists the status.
	if err := c.MarkBad(ctx, "openai", "gpt-4o", k, providers.ReasonRateLimited); err != nil {
		t.Fatalf("second MarkBad: %v", err)
	}
	if got := c.Size("openai", "gpt-4o"); got != 1 {
		t.Errorf("pool size after repeat eviction = %d, want 1", got)
	}
}

func TestMarkBad_FatalReasonBecomesInvalid(t *testing.T) {
	repo := &fakeRepo{rows: map[string][]store.KeyRow{
		"openai/gpt-4o": {row("h1", "sk-1")},
	}}
	c := newTestCache(repo, nil)
	ctx := context.Background()

	k, _ := c.Acquire(ctx, "openai", "gpt-4o", nil)
	if err := c.MarkBad(ctx, "openai", "gpt-4o", k, providers.ReasonInvalidKey); err != nil {
		t.Fatalf("MarkBad: %v", err)
	}

	u := repo.updates[0]
	if u.status != providers.StatusInvalid {
		t.Errorf("got status=%s, want invalid for fatal reason", u.status)
	}
}

func TestSharedKeyProvider_CollapsesModels(t *testing.T) {
	provs := map[string]*config.ProviderConfig{
		"gemini": {Kind: "gemini", SharedKeyStatus: true, Models: []string{"gemini-2.0-flash", "gemini-2.0-pro"}},
	}
	repo := &fakeRepo{rows: map[string][]store.KeyRow{
		"gemini/" + providers.AllModels: {row("h1", "AIza-1")},
	}}
	c := newTestCache(repo, provs)
	ctx := context.Background()

	// Both models draw from the same virtual pool.
	k1, err := c.Acquire(ctx, "gemini", "gemini-2.0-flash", nil)
	if err != nil {
		t.Fatalf("Acquire flash: %v", err)
	}
	k2, err := c.Acquire(ctx, "gemini", "gemini-2.0-pro", nil)
	if err != nil {
		t.Fatalf("Acquire pro: %v", err)
	}
	if k1.Hash != k2.Hash {
		t.Errorf("models resolved to different pools: %s vs %s", k1.Hash, k2.Hash)
	}

	// MarkBad under either model persists against the virtual marker.
	if err := c.MarkBad(ctx, "gemini", "gemini-2.0-pro", k1, providers.ReasonNoQuota); err != nil {
		t.Fatalf("MarkBad: %v", err)
	}
	if repo.updates[0].model != providers.AllModels {
		t.Errorf("persisted model = %q, want %q", repo.updates[0].model, providers.AllModels)
	}
	if got := c.Size("gemini", "gemini-2.0-flash"); got != 0 {
		t.Errorf("pool size = %d, want 0 after shared eviction", got)
	}
}

func TestRefresh_ForcesReload(t *testing.T) {
	repo := &fakeRepo{rows: map[string][]store.KeyRow{
		"openai/gpt-4o": {row("h1", "sk-1")},
	}}
	c := newTestCache(repo, nil)
	ctx := context.Background()

	if _, err := c.Acquire(ctx, "openai", "gpt-4o", nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// The repository gains a key; the pool only sees it after Refresh.
	repo.mu.Lock()
	repo.rows["openai/gpt-4o"] = []store.KeyRow{row("h1", "sk-1"), row("h2", "sk-2")}
	repo.mu.Unlock()

	if got := c.Size("openai", "gpt-4o"); got != 1 {
		t.Fatalf("pool size before refresh = %d, want 1", got)
	}

	c.Refresh("openai", "gpt-4o")
	if got := c.Size("openai", "gpt-4o"); got != 0 {
		t.Fatalf("pool size right after refresh = %d, want 0 (unloaded)", got)
	}

	if _, err := c.Acquire(ctx, "openai", "gpt-4o", nil); err != nil {
		t.Fatalf("Acquire after refresh: %v", err)
	}
	if got := c.Size("openai", "gpt-4o"); got != 2 {
		t.Errorf("pool size after reload = %d, want 2", got)
	}
}

func TestAcquire_ReloadsWhenDrained(t *testing.T) {
	repo := &fakeRepo{rows: map[string][]store.KeyRow{
		"openai/gpt-4o": {row("h1", "sk-1")},
	}}
	c := newTestCache(repo, nil)
	ctx := context.Background()

	k, _ := c.Acquire(ctx, "openai", "gpt-4o", nil)
	if err := c.MarkBad(ctx, "openai", "gpt-4o", k, providers.ReasonServerError); err != nil {
		t.Fatalf("MarkBad: %v", err)
	}

	// Pool is empty, so the next Acquire hits the repository again.
	k2, err := c.Acquire(ctx, "openai", "gpt-4o", nil)
	if err != nil {
		t.Fatalf("Acquire after drain: %v", err)
	}
	if k2.Hash != "h1" {
		t.Errorf("got %s, want h1 from reload", k2.Hash)
	}
}
