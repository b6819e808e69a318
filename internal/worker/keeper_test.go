package worker

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keygate/internal/config"
	"github.com/nulpointcorp/keygate/internal/providers"
	"github.com/nulpointcorp/keygate/internal/providers/openailike"
	"github.com/nulpointcorp/keygate/internal/store"
	"github.com/nulpointcorp/keygate/internal/upstream"
)

type probeUpdate struct {
	Provider string
	KeyHash  string
	Model    string
	Status   providers.Status
	Reason   providers.ErrorReason
	Until    *time.Time
}

type fakeProbeRepo struct {
	mu        sync.Mutex
	rows      map[string][]store.KeyRow // provider+"/"+model
	listCalls []string
	updates   []probeUpdate
	touches   []string
}

func (f *fakeProbeRepo) ListAll(_ context.Context, provider, model string) ([]store.KeyRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, provider+"/"+model)
	return f.rows[provider+"/"+model], nil
}

func (f *fakeProbeRepo) UpdateKeyStatus(_ context.Context, provider, keyHash, model string,
	status providers.Status, reason providers.ErrorReason, penaltyUntil *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, probeUpdate{provider, keyHash, model, status, reason, penaltyUntil})
	return nil
}

func (f *fakeProbeRepo) TouchChecked(_ context.Context, provider, keyHash, model string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches = append(f.touches, provider+"/"+keyHash+"/"+model)
	return nil
}

func (f *fakeProbeRepo) snapshot() ([]probeUpdate, []string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]probeUpdate(nil), f.updates...),
		append([]string(nil), f.touches...),
		append([]string(nil), f.listCalls...)
}

// startUpstream runs a scripted provider on a loopback port.
func startUpstream(t *testing.T, handler fasthttp.RequestHandler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &fasthttp.Server{Handler: handler}
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { ln.Close() })
	return "http://" + ln.Addr().String() + "/v1"
}

func newTestKeeper(t *testing.T, baseURL string, pc *config.ProviderConfig, repo Repository) *Keeper {
	t.Helper()

	cfg := &config.Config{
		Worker: config.WorkerConfig{
			IntervalSec:          60,
			Concurrency:          4,
			VerificationAttempts: 3,
			VerificationDelaySec: 1,
			HealthPolicy: config.HealthPolicy{
				OnInvalidKeyDays: 10, OnNoAccessDays: 10, OnNoQuotaHr: 4,
				OnRateLimitHr: 1, OnServerErrorMin: 30, OnOverloadMin: 60, OnOtherErrorHr: 1,
			},
		},
		Providers: map[string]*config.ProviderConfig{"openai": pc},
	}

	client, err := upstream.New(upstream.Options{
		ConnectTimeout:  5 * time.Second,
		TotalTimeout:    10 * time.Second,
		MaxConnsPerHost: 10,
	})
	if err != nil {
		t.Fatalf("upstream client: %v", err)
	}

	k, err := New(cfg, repo,
		map[string]providers.Adapter{"openai": openailike.New("openai", baseURL)},
		map[string]*upstream.Client{"openai": client},
		Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k
}

func TestCycle_TransientFailureRecoversDuringVerification(t *testing.T) {
	var calls atomic.Int32
	baseURL := startUpstream(t, func(ctx *fasthttp.RequestCtx) {
		// First probe hits an overload; the verification re-probe succeeds.
		if calls.Add(1) == 1 {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		ctx.SetBodyString(`{"choices":[]}`)
	})

	pc := &config.ProviderConfig{Kind: "openai_like", BaseURL: baseURL, Models: []string{"gpt-4o"}, KeysPath: "/x"}
	repo := &fakeProbeRepo{rows: map[string][]store.KeyRow{
		"openai/gpt-4o": {{KeyHash: "h1", Key: "sk-1", Status: providers.StatusUnchecked}},
	}}
	k := newTestKeeper(t, baseURL, pc, repo)

	k.cycle(context.Background(), "openai", k.probes["openai"])

	ups, _, _ := repo.snapshot()
	if len(ups) != 1 {
		t.Fatalf("got %d updates, want 1: %+v", len(ups), ups)
	}
	u := ups[0]
	if u.Status != providers.StatusValid || u.Reason != "" || u.Until != nil {
		t.Errorf("expected clean valid state, got %+v", u)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("upstream probed %d times, want 2 (probe + one verification)", n)
	}
}

func TestCycle_PersistentFailureProbesInitialPlusVerification(t *testing.T) {
	var calls atomic.Int32
	baseURL := startUpstream(t, func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	})

	pc := &config.ProviderConfig{Kind: "openai_like", BaseURL: baseURL, Models: []string{"gpt-4o"}, KeysPath: "/x"}
	repo := &fakeProbeRepo{rows: map[string][]store.KeyRow{
		"openai/gpt-4o": {{KeyHash: "h1", Key: "sk-1", Status: providers.StatusUnchecked}},
	}}
	k := newTestKeeper(t, baseURL, pc, repo)

	before := time.Now()
	k.cycle(context.Background(), "openai", k.probes["openai"])

	// verification_attempts: 3 means three re-probes on top of the initial one.
	if n := calls.Load(); n != 4 {
		t.Fatalf("upstream probed %d times, want 4 (initial + 3 verification)", n)
	}

	ups, _, _ := repo.snapshot()
	if len(ups) != 1 {
		t.Fatalf("got %d updates, want 1: %+v", len(ups), ups)
	}
	u := ups[0]
	if u.Status != providers.StatusPenalized || u.Reason != providers.ReasonOverloaded {
		t.Errorf("expected penalized/overloaded, got %+v", u)
	}
	wantUntil := before.Add(60 * time.Minute) // on_overload_min: 60
	if u.Until == nil || u.Until.Before(wantUntil.Add(-time.Minute)) || u.Until.After(wantUntil.Add(time.Minute)) {
		t.Errorf("penalty_until = %v, want ~%v", u.Until, wantUntil)
	}
}

func TestCycle_FatalFailureFastFails(t *testing.T) {
	var calls atomic.Int32
	baseURL := startUpstream(t, func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		ctx.SetBodyString(`{"error":{"message":"Incorrect API key"}}`)
	})

	pc := &config.ProviderConfig{Kind: "openai_like", BaseURL: baseURL, Models: []string{"gpt-4o"}, KeysPath: "/x"}
	repo := &fakeProbeRepo{rows: map[string][]store.KeyRow{
		"openai/gpt-4o": {{KeyHash: "h1", Key: "sk-revoked", Status: providers.StatusUnchecked}},
	}}
	k := newTestKeeper(t, baseURL, pc, repo)

	before := time.Now()
	k.cycle(context.Background(), "openai", k.probes["openai"])

	if n := calls.Load(); n != 1 {
		t.Fatalf("upstream probed %d times, want 1 (no verification for fatal reasons)", n)
	}

	ups, _, _ := repo.snapshot()
	if len(ups) != 1 {
		t.Fatalf("got %d updates, want 1", len(ups))
	}
	u := ups[0]
	if u.Status != providers.StatusInvalid || u.Reason != providers.ReasonInvalidKey {
		t.Errorf("expected invalid/invalid_key, got %+v", u)
	}
	if u.Until == nil {
		t.Fatal("penalty_until must be set")
	}
	wantUntil := before.Add(10 * 24 * time.Hour)
	if u.Until.Before(wantUntil.Add(-time.Minute)) || u.Until.After(wantUntil.Add(time.Minute)) {
		t.Errorf("penalty_until = %v, want ~%v", u.Until, wantUntil)
	}
}

func TestCycle_SharedKeyProviderProbesOnce(t *testing.T) {
	var calls atomic.Int32
	var lastBody atomic.Value
	baseURL := startUpstream(t, func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		lastBody.Store(string(ctx.PostBody()))
		ctx.SetBodyString(`{"choices":[]}`)
	})

	pc := &config.ProviderConfig{
		Kind: "openai_like", BaseURL: baseURL,
		Models: []string{"model-a", "model-b"}, KeysPath: "/x",
		SharedKeyStatus: true,
	}
	repo := &fakeProbeRepo{rows: map[string][]store.KeyRow{
		"openai/" + providers.AllModels: {{KeyHash: "h1", Key: "sk-1", Status: providers.StatusUnchecked}},
	}}
	k := newTestKeeper(t, baseURL, pc, repo)

	k.cycle(context.Background(), "openai", k.probes["openai"])

	ups, _, lists := repo.snapshot()
	if len(lists) != 1 || lists[0] != "openai/"+providers.AllModels {
		t.Errorf("list calls = %v, want one for the virtual marker", lists)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("upstream probed %d times, want 1 (one representative model)", n)
	}
	if body, _ := lastBody.Load().(string); !strings.Contains(body, `"model":"model-a"`) {
		t.Errorf("probe body must target the first model: %s", body)
	}
	if len(ups) != 1 || ups[0].Model != providers.AllModels {
		t.Errorf("update must land on the virtual marker: %+v", ups)
	}
}

func TestCycle_ValidKeyOnlyTouched(t *testing.T) {
	baseURL := startUpstream(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString(`{"choices":[]}`)
	})

	pc := &config.ProviderConfig{Kind: "openai_like", BaseURL: baseURL, Models: []string{"gpt-4o"}, KeysPath: "/x"}
	repo := &fakeProbeRepo{rows: map[string][]store.KeyRow{
		"openai/gpt-4o": {{KeyHash: "h1", Key: "sk-1", Status: providers.StatusValid}},
	}}
	k := newTestKeeper(t, baseURL, pc, repo)

	k.cycle(context.Background(), "openai", k.probes["openai"])

	ups, touches, _ := repo.snapshot()
	if len(ups) != 0 {
		t.Errorf("steady-state valid key must not be rewritten: %+v", ups)
	}
	if len(touches) != 1 || touches[0] != "openai/h1/gpt-4o" {
		t.Errorf("touches = %v, want one timestamp refresh", touches)
	}
}

func TestCycle_UnknownStatusPenalized(t *testing.T) {
	baseURL := startUpstream(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusTeapot)
	})

	pc := &config.ProviderConfig{Kind: "openai_like", BaseURL: baseURL, Models: []string{"gpt-4o"}, KeysPath: "/x"}
	repo := &fakeProbeRepo{rows: map[string][]store.KeyRow{
		"openai/gpt-4o": {{KeyHash: "h1", Key: "sk-1", Status: providers.StatusUnchecked}},
	}}
	k := newTestKeeper(t, baseURL, pc, repo)

	before := time.Now()
	k.cycle(context.Background(), "openai", k.probes["openai"])

	ups, _, _ := repo.snapshot()
	if len(ups) != 1 {
		t.Fatalf("got %d updates, want 1", len(ups))
	}
	u := ups[0]
	if u.Status != providers.StatusPenalized || u.Reason != providers.ReasonUnknown {
		t.Errorf("expected penalized/unknown, got %+v", u)
	}
	wantUntil := before.Add(time.Hour) // on_other_error_hr: 1
	if u.Until == nil || u.Until.Before(wantUntil.Add(-time.Minute)) || u.Until.After(wantUntil.Add(time.Minute)) {
		t.Errorf("penalty_until = %v, want ~%v", u.Until, wantUntil)
	}
}

func TestCycle_ActivePenaltySkipsProbe(t *testing.T) {
	var calls atomic.Int32
	baseURL := startUpstream(t, func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		ctx.SetBodyString(`{"choices":[]}`)
	})

	until := time.Now().Add(time.Hour)
	pc := &config.ProviderConfig{Kind: "openai_like", BaseURL: baseURL, Models: []string{"gpt-4o"}, KeysPath: "/x"}
	repo := &fakeProbeRepo{rows: map[string][]store.KeyRow{
		"openai/gpt-4o": {{KeyHash: "h1", Key: "sk-1", Status: providers.StatusPenalized, PenaltyUntil: &until}},
	}}
	k := newTestKeeper(t, baseURL, pc, repo)

	k.cycle(context.Background(), "openai", k.probes["openai"])

	if n := calls.Load(); n != 0 {
		t.Errorf("penalized key was probed %d times, want 0", n)
	}
	if ups, _, _ := repo.snapshot(); len(ups) != 0 {
		t.Errorf("penalized key state touched: %+v", ups)
	}
}

// panicAdapter blows up while building the probe request.
type panicAdapter struct{ providers.Adapter }

func (panicAdapter) Name() string                                       { return "openai" }
func (panicAdapter) Kind() providers.Kind                               { return providers.KindOpenAILike }
func (panicAdapter) BuildProbeRequest(*fasthttp.Request, string, string) { panic("boom") }

func TestCycle_ProbePanicPenalizesOneKey(t *testing.T) {
	baseURL := startUpstream(t, func(ctx *fasthttp.RequestCtx) {})

	pc := &config.ProviderConfig{Kind: "openai_like", BaseURL: baseURL, Models: []string{"gpt-4o"}, KeysPath: "/x"}
	repo := &fakeProbeRepo{rows: map[string][]store.KeyRow{
		"openai/gpt-4o": {{KeyHash: "h1", Key: "sk-1", Status: providers.StatusUnchecked}},
	}}
	k := newTestKeeper(t, baseURL, pc, repo)
	k.probes["openai"].adapter = panicAdapter{}

	// Must not crash the cycle.
	k.cycle(context.Background(), "openai", k.probes["openai"])

	ups, _, _ := repo.snapshot()
	if len(ups) != 1 {
		t.Fatalf("got %d updates, want 1", len(ups))
	}
	if ups[0].Status != providers.StatusPenalized || ups[0].Reason != providers.ReasonUnknown {
		t.Errorf("expected penalized/unknown after panic, got %+v", ups[0])
	}
}
