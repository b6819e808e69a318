package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/robfig/cron/v3"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/keygate/internal/config"
	"github.com/nulpointcorp/keygate/internal/keysync"
	"github.com/nulpointcorp/keygate/internal/metrics"
	"github.com/nulpointcorp/keygate/internal/providers"
	"github.com/nulpointcorp/keygate/internal/store"
	"github.com/nulpointcorp/keygate/internal/upstream"
	"github.com/nulpointcorp/keygate/internal/worker"
)

// amnestySchedule bulk-releases lapsed penalties nightly, off-peak.
const amnestySchedule = "0 3 * * *"

// WorkerApp owns the probe-engine process: the keeper, the key
// synchronizer, and the cron jobs around them.
type WorkerApp struct {
	version string
	cfg     *config.Config
	log     *slog.Logger

	repo *store.PG
	prom *metrics.Registry

	adapters map[string]providers.Adapter
	clients  map[string]*upstream.Client

	keeper *worker.Keeper
	sync   *keysync.Synchronizer
	cron   *cron.Cron
}

// NewWorker initialises the probe-engine subsystems.
func NewWorker(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*WorkerApp, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	w := &WorkerApp{cfg: cfg, version: version, log: log}

	repo, err := openStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: init infra: %w", err)
	}
	w.repo = repo

	w.adapters, w.clients, err = buildProviders(cfg)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	w.prom = metrics.New()
	w.prom.SetBuildInfo(version)

	w.sync = keysync.New(cfg.Providers, repo, log)

	w.keeper, err = worker.New(cfg, repo, w.adapters, w.clients, worker.Options{
		Logger:  log,
		Metrics: w.prom,
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("app: init keeper: %w", err)
	}

	return w, nil
}

// Run blocks until ctx is cancelled: it performs the initial key sync, then
// runs the keeper, the filesystem watcher, the cron jobs, and the worker's
// own metrics endpoint side by side.
func (w *WorkerApp) Run(ctx context.Context) error {
	w.log.Info("starting worker",
		slog.String("version", w.version),
		slog.Int("providers", len(w.adapters)),
		slog.Duration("interval", w.cfg.Worker.Interval()),
	)

	// First sync runs before any probe so fresh keys are visible immediately.
	if err := w.sync.SyncAll(ctx); err != nil {
		w.log.Warn("initial key sync incomplete", slog.String("error", err.Error()))
	}

	w.cron = cron.New()
	syncSpec := fmt.Sprintf("@every %dm", w.cfg.Worker.SyncIntervalMin)
	if _, err := w.cron.AddFunc(syncSpec, func() {
		if err := w.sync.SyncAll(ctx); err != nil {
			w.log.Error("scheduled key sync failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("app: cron sync job: %w", err)
	}
	if _, err := w.cron.AddFunc(amnestySchedule, func() {
		n, err := w.repo.AmnestyExpired(ctx, time.Now())
		if err != nil {
			w.log.Error("amnesty failed", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			w.log.Info("amnesty released lapsed penalties", slog.Int64("keys", n))
		}
	}); err != nil {
		return fmt.Errorf("app: cron amnesty job: %w", err)
	}
	w.cron.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.keeper.Run(gctx)
	})

	g.Go(func() error {
		err := w.sync.Watch(gctx)
		if err != nil && gctx.Err() == nil {
			w.log.Error("key watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	g.Go(func() error {
		return w.serveMetrics(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		w.Close()
		return nil
	})

	return g.Wait()
}

// serveMetrics exposes /metrics and /healthz for the worker process.
func (w *WorkerApp) serveMetrics(ctx context.Context) error {
	r := router.New()
	r.GET("/metrics", w.prom.Handler())
	r.GET("/healthz", func(rc *fasthttp.RequestCtx) {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := w.repo.Ping(pingCtx); err != nil {
			rc.SetStatusCode(fasthttp.StatusServiceUnavailable)
			rc.SetBodyString(`{"status":"unavailable"}`)
			return
		}
		rc.SetContentType("application/json")
		rc.SetBodyString(`{"status":"ok"}`)
	})

	srv := &fasthttp.Server{Handler: r.Handler}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(w.cfg.Worker.MetricsListen) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return srv.Shutdown()
	}
}

// Close releases worker resources. Safe to call multiple times.
func (w *WorkerApp) Close() {
	if w.cron != nil {
		w.cron.Stop()
		w.cron = nil
	}
	if w.repo != nil {
		w.repo.Close()
		w.repo = nil
	}
}
