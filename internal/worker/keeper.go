// Package worker implements the background probe engine ("keeper").
//
// Per provider, a scheduler goroutine wakes on a fixed interval and probes
// every due key with a cheap upstream request. Transient failures enter a
// verification loop before any penalty lands; fatal failures penalize
// immediately. Probes are the only writers of the valid state.
package worker

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nulpointcorp/keygate/internal/config"
	"github.com/nulpointcorp/keygate/internal/errclass"
	"github.com/nulpointcorp/keygate/internal/metrics"
	"github.com/nulpointcorp/keygate/internal/providers"
	"github.com/nulpointcorp/keygate/internal/store"
	"github.com/nulpointcorp/keygate/internal/upstream"
)

// Repository is the store subset the keeper needs.
type Repository interface {
	ListAll(ctx context.Context, provider, model string) ([]store.KeyRow, error)
	UpdateKeyStatus(ctx context.Context, provider, keyHash, model string,
		status providers.Status, reason providers.ErrorReason, penaltyUntil *time.Time) error
	TouchChecked(ctx context.Context, provider, keyHash, model string, now time.Time) error
}

// Options holds optional keeper dependencies.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// providerProbe bundles what one provider's probes need.
type providerProbe struct {
	cfg        *config.ProviderConfig
	adapter    providers.Adapter
	client     *upstream.Client
	classifier *errclass.Classifier
	policy     config.HealthPolicy
}

// Keeper is the probe engine.
type Keeper struct {
	worker config.WorkerConfig
	repo   Repository
	probes map[string]*providerProbe
	log    *slog.Logger
	met    *metrics.Registry
}

// New wires a Keeper from the loaded configuration.
func New(
	cfg *config.Config,
	repo Repository,
	adapters map[string]providers.Adapter,
	clients map[string]*upstream.Client,
	opts Options,
) (*Keeper, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	k := &Keeper{
		worker: cfg.Worker,
		repo:   repo,
		probes: make(map[string]*providerProbe, len(cfg.Providers)),
		log:    log,
		met:    opts.Metrics,
	}

	for name, pc := range cfg.Providers {
		cls, err := errclass.Compile(pc.GatewayPolicy.ErrorParsing.Enabled, pc.GatewayPolicy.ErrorParsing.Rules)
		if err != nil {
			return nil, err
		}
		k.probes[name] = &providerProbe{
			cfg:        pc,
			adapter:    adapters[name],
			client:     clients[name],
			classifier: cls,
			policy:     pc.HealthPolicyOrDefault(cfg.Worker.HealthPolicy),
		}
	}

	return k, nil
}

// Run starts one scheduler goroutine per provider and blocks until the
// context is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, pp := range k.probes {
		name, pp := name, pp
		g.Go(func() error {
			k.runProvider(ctx, name, pp)
			return nil
		})
	}
	return g.Wait()
}

// runProvider is one provider's scheduler loop: an immediate cycle, then one
// per interval.
func (k *Keeper) runProvider(ctx context.Context, name string, pp *providerProbe) {
	k.cycle(ctx, name, pp)

	ticker := time.NewTicker(k.worker.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.cycle(ctx, name, pp)
		}
	}
}

// cycle probes every due key of the provider, bounded by the concurrency cap.
func (k *Keeper) cycle(ctx context.Context, name string, pp *providerProbe) {
	sem := semaphore.NewWeighted(int64(k.worker.Concurrency))
	now := time.Now()

	for _, pair := range pp.cfg.ProbeModels() {
		resolved, probeModel := pair[0], pair[1]

		rows, err := k.repo.ListAll(ctx, name, resolved)
		if err != nil {
			k.log.Error("probe cycle list failed",
				slog.String("provider", name),
				slog.String("model", resolved),
				slog.String("error", err.Error()),
			)
			continue
		}

		for _, row := range rows {
			// Keys still serving a penalty are left alone until it lapses.
			if row.PenaltyUntil != nil && row.PenaltyUntil.After(now) {
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			go func(row store.KeyRow) {
				defer sem.Release(1)
				k.probeKey(ctx, name, pp, row, resolved, probeModel)
			}(row)
		}
	}

	// Wait for this cycle's probes before the next tick can start.
	if err := sem.Acquire(ctx, int64(k.worker.Concurrency)); err == nil {
		sem.Release(int64(k.worker.Concurrency))
	}
}

// probeKey runs the per-key probe protocol: one probe, then the verification
// loop for transient failures. A panic in one key's probe never reaches the
// scheduler.
func (k *Keeper) probeKey(ctx context.Context, name string, pp *providerProbe, row store.KeyRow, resolved, probeModel string) {
	defer func() {
		if r := recover(); r != nil {
			k.log.Error("probe panic",
				slog.String("provider", name),
				slog.String("key_hash", shortHash(row.KeyHash)),
				slog.Any("panic", r),
			)
			k.penalize(ctx, name, pp, row, resolved, providers.ReasonUnknown)
		}
	}()

	res := k.probeOnce(ctx, pp, row.Key, probeModel)
	k.recordProbe(name, res)

	switch {
	case res.OK:
		k.markValid(ctx, name, row, resolved)
		return

	case res.Reason.Fatal():
		// Fast-fail: a revoked or unfunded key will not heal in 65 seconds.
		k.penalize(ctx, name, pp, row, resolved, res.Reason)
		return

	case res.Reason.Retryable():
		k.verify(ctx, name, pp, row, resolved, probeModel, res.Reason)
		return

	default:
		k.penalize(ctx, name, pp, row, resolved, res.Reason)
	}
}

// verify re-probes a transiently failing key verification_attempts more
// times, sleeping verification_delay_sec before each re-probe. One success
// clears the key; exhaustion applies the reason-specific penalty.
func (k *Keeper) verify(ctx context.Context, name string, pp *providerProbe, row store.KeyRow, resolved, probeModel string, firstReason providers.ErrorReason) {
	lastReason := firstReason

	// attempt counts overall probes; the initial one was attempt 1.
	for attempt := 2; attempt <= k.worker.VerificationAttempts+1; attempt++ {
		t := time.NewTimer(k.worker.VerificationDelay())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		res := k.probeOnce(ctx, pp, row.Key, probeModel)
		k.recordProbe(name, res)

		if res.OK {
			k.log.Info("key recovered during verification",
				slog.String("provider", name),
				slog.String("key_hash", shortHash(row.KeyHash)),
				slog.Int("attempt", attempt),
			)
			k.markValid(ctx, name, row, resolved)
			return
		}
		if res.Reason.Fatal() {
			k.penalize(ctx, name, pp, row, resolved, res.Reason)
			return
		}
		lastReason = res.Reason
	}

	k.penalize(ctx, name, pp, row, resolved, lastReason)
}

// probeOnce issues one probe request and folds the outcome into a CheckResult.
func (k *Keeper) probeOnce(ctx context.Context, pp *providerProbe, key, probeModel string) providers.CheckResult {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	pp.adapter.BuildProbeRequest(req, key, probeModel)

	start := time.Now()
	err := pp.client.Do(ctx, req, resp)
	latency := time.Since(start)

	if err != nil {
		return providers.Failure(upstream.ClassifyTransport(err), 0, latency)
	}

	status := resp.StatusCode()
	body := readBody(resp, errclass.MaxErrorBody)

	reason, isErr := pp.classifier.Classify(status, body)
	if !isErr {
		return providers.Success(status, latency)
	}
	res := providers.Failure(reason, status, latency)
	res.Body = body
	return res
}

func (k *Keeper) markValid(ctx context.Context, name string, row store.KeyRow, resolved string) {
	// A key that was already valid only needs its check timestamp refreshed.
	if row.Status == providers.StatusValid && row.PenaltyUntil == nil {
		if err := k.repo.TouchChecked(ctx, name, row.KeyHash, resolved, time.Now()); err != nil {
			k.log.Error("probe touch failed",
				slog.String("provider", name),
				slog.String("key_hash", shortHash(row.KeyHash)),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if err := k.repo.UpdateKeyStatus(ctx, name, row.KeyHash, resolved, providers.StatusValid, "", nil); err != nil {
		k.log.Error("probe status update failed",
			slog.String("provider", name),
			slog.String("key_hash", shortHash(row.KeyHash)),
			slog.String("error", err.Error()),
		)
	}
}

func (k *Keeper) penalize(ctx context.Context, name string, pp *providerProbe, row store.KeyRow, resolved string, reason providers.ErrorReason) {
	status := providers.StatusPenalized
	if reason.Fatal() {
		status = providers.StatusInvalid
	}
	until := time.Now().Add(pp.policy.PenaltyFor(reason))

	k.log.Warn("key penalized",
		slog.String("provider", name),
		slog.String("key_hash", shortHash(row.KeyHash)),
		slog.String("reason", string(reason)),
		slog.String("status", string(status)),
		slog.Time("penalty_until", until),
	)

	if err := k.repo.UpdateKeyStatus(ctx, name, row.KeyHash, resolved, status, reason, &until); err != nil {
		k.log.Error("probe status update failed",
			slog.String("provider", name),
			slog.String("key_hash", shortHash(row.KeyHash)),
			slog.String("error", err.Error()),
		)
	}
}

func (k *Keeper) recordProbe(provider string, res providers.CheckResult) {
	if k.met == nil {
		return
	}
	label := "valid"
	if !res.OK {
		label = string(res.Reason)
	}
	k.met.RecordProbe(provider, label, res.Latency.Seconds())
}

func readBody(resp *fasthttp.Response, limit int) []byte {
	bs := resp.BodyStream()
	if bs == nil {
		b := resp.Body()
		if len(b) > limit {
			b = b[:limit]
		}
		return append([]byte(nil), b...)
	}
	body, _ := io.ReadAll(io.LimitReader(bs, int64(limit)))
	return body
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
