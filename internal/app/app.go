// Package app wires up all subsystems and owns the application lifecycle.
//
// Gateway startup order:
//  1. initInfra     — PostgreSQL pool, optional Redis
//  2. initProviders — adapters and upstream clients
//  3. initServices  — metrics registry, key cache, optional trace logger
//  4. initGateway   — dispatch engine + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/keygate/internal/config"
	"github.com/nulpointcorp/keygate/internal/keypool"
	"github.com/nulpointcorp/keygate/internal/logger"
	"github.com/nulpointcorp/keygate/internal/metrics"
	"github.com/nulpointcorp/keygate/internal/providers"
	geminiprov "github.com/nulpointcorp/keygate/internal/providers/gemini"
	openailikeprov "github.com/nulpointcorp/keygate/internal/providers/openailike"
	"github.com/nulpointcorp/keygate/internal/proxy"
	"github.com/nulpointcorp/keygate/internal/ratelimit"
	"github.com/nulpointcorp/keygate/internal/store"
	"github.com/nulpointcorp/keygate/internal/upstream"
)

// App owns the gateway's long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	repo *store.PG

	// Optional external connections — nil when not configured.
	rdb   *redis.Client
	trace *logger.Logger

	prom *metrics.Registry

	adapters map[string]providers.Adapter
	clients  map[string]*upstream.Client
	cache    *keypool.Cache

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all gateway subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Gateway.Listen

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("providers", len(a.adapters)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.trace != nil {
		if err := a.trace.Close(); err != nil {
			a.log.Error("trace logger close error", slog.String("error", err.Error()))
		}
		a.trace = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.repo != nil {
		a.repo.Close()
		a.repo = nil
	}
}

func (a *App) initInfra(ctx context.Context) error {
	repo, err := openStore(ctx)
	if err != nil {
		return err
	}
	a.repo = repo

	if a.cfg.Gateway.RedisURL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Gateway.RedisURL)))
		rdb, err := connectRedis(ctx, a.cfg.Gateway.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

func (a *App) initProviders(_ context.Context) error {
	adapters, clients, err := buildProviders(a.cfg)
	if err != nil {
		return err
	}
	a.adapters = adapters
	a.clients = clients

	names := make([]string, 0, len(adapters))
	for n := range adapters {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.cache = keypool.New(a.repo, a.cfg.Providers, a.cfg.Worker.HealthPolicy, a.log, a.prom)

	if debugEnabled(a.cfg) {
		t, err := logger.New(a.baseCtx, a.log)
		if err != nil {
			return err
		}
		a.trace = t
		a.log.Info("debug tracing enabled")
	}

	return nil
}

func (a *App) initGateway(_ context.Context) error {
	opts := proxy.GatewayOptions{
		Logger:  a.log,
		Metrics: a.prom,
		Trace:   a.trace,
		DBPing:  a.repo.Ping,
	}

	if a.rdb != nil && a.cfg.Gateway.RPMLimit > 0 {
		opts.RPM = ratelimit.NewRPMLimiter(a.rdb, a.cfg.Gateway.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.Gateway.RPMLimit))
	}

	gw, err := proxy.NewGateway(a.cfg, a.adapters, a.clients, a.cache, opts)
	if err != nil {
		return err
	}

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}
	a.gw = gw

	return nil
}

// ── Private helpers ──────────────────────────────────────────────────────────

// openStore connects to PostgreSQL from the DB_* environment and ensures the
// schema exists.
func openStore(ctx context.Context) (*store.PG, error) {
	repo, err := store.Open(ctx, store.EnvDSN())
	if err != nil {
		return nil, err
	}
	if err := repo.Init(ctx); err != nil {
		repo.Close()
		return nil, err
	}
	return repo, nil
}

// buildProviders constructs one adapter and one upstream client per
// configured provider.
func buildProviders(cfg *config.Config) (map[string]providers.Adapter, map[string]*upstream.Client, error) {
	adapters := make(map[string]providers.Adapter, len(cfg.Providers))
	clients := make(map[string]*upstream.Client, len(cfg.Providers))

	for name, pc := range cfg.Providers {
		switch pc.ProviderKind() {
		case providers.KindOpenAILike:
			adapters[name] = openailikeprov.New(name, pc.BaseURL)
		case providers.KindGemini:
			adapters[name] = geminiprov.New(name, pc.BaseURL)
		default:
			return nil, nil, fmt.Errorf("provider %s: unknown kind %q", name, pc.Kind)
		}

		c, err := upstream.New(upstream.Options{
			ConnectTimeout:  cfg.Gateway.ConnectTimeout(),
			TotalTimeout:    cfg.Gateway.TotalTimeout(),
			MaxConnsPerHost: cfg.Gateway.MaxConnsPerHost,
			ProxyURL:        pc.ProxyURL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("provider %s: %w", name, err)
		}
		clients[name] = c
	}

	return adapters, clients, nil
}

// debugEnabled reports whether any provider's effective debug mode captures
// traffic, which is what makes the trace logger worth starting.
func debugEnabled(cfg *config.Config) bool {
	if cfg.Gateway.DebugMode != config.DebugDisabled {
		return true
	}
	for _, pc := range cfg.Providers {
		if pc.DebugModeOrDefault(cfg.Gateway.DebugMode) != config.DebugDisabled {
			return true
		}
	}
	return false
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
