// Package proxy is the core request dispatcher.
//
// The Gateway receives an inbound OpenAI- or Gemini-surface request, resolves
// the target provider, acquires a pooled credential, and forwards the request
// upstream — rotating through further keys when the current one fails with a
// key-attributable error.
//
// Key design constraints:
//   - No blocking I/O on the hot path except the upstream exchange itself.
//   - Trace logger, metrics, and rate limiter are optional and nil-safe.
//   - Streaming responses are passthrough (SSE); they are never buffered
//     unless debug capture forces it.
package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/keygate/internal/config"
	"github.com/nulpointcorp/keygate/internal/errclass"
	"github.com/nulpointcorp/keygate/internal/keypool"
	"github.com/nulpointcorp/keygate/internal/logger"
	"github.com/nulpointcorp/keygate/internal/metrics"
	"github.com/nulpointcorp/keygate/internal/providers"
	"github.com/nulpointcorp/keygate/internal/ratelimit"
	"github.com/nulpointcorp/keygate/internal/upstream"
)

// GatewayOptions holds optional dependencies for a Gateway. All fields are
// nil-safe and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. Nil disables.
	Metrics *metrics.Registry

	// Trace is the async debug-trace sink, consulted only for providers whose
	// effective debug_mode is not disabled. Nil disables tracing entirely.
	Trace *logger.Logger

	// RPM is the Redis-backed per-provider rate limiter. Nil disables.
	RPM *ratelimit.RPMLimiter

	// DBPing backs GET /healthz. Nil means healthz always reports ok.
	DBPing func(ctx context.Context) error
}

// providerRuntime bundles everything dispatch needs for one provider.
type providerRuntime struct {
	cfg        *config.ProviderConfig
	adapter    providers.Adapter
	client     *upstream.Client
	classifier *errclass.Classifier

	streamingMode string
	debugMode     string
}

// Gateway is the dispatch engine. All dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	gw      config.GatewayConfig
	runtime map[string]*providerRuntime
	cache   *keypool.Cache
	log     *slog.Logger

	// Optional dependencies — nil-safe when not configured.
	met    *metrics.Registry
	trace  *logger.Logger
	rpm    *ratelimit.RPMLimiter
	dbPing func(ctx context.Context) error

	// geminiProvider is the provider name the bare /v1beta surface routes to:
	// the first configured provider of kind gemini, empty when there is none.
	geminiProvider string
}

// NewGateway wires a Gateway from the loaded configuration. Adapters and
// upstream clients must be pre-built per provider (see internal/app).
func NewGateway(
	cfg *config.Config,
	adapters map[string]providers.Adapter,
	clients map[string]*upstream.Client,
	cache *keypool.Cache,
	opts GatewayOptions,
) (*Gateway, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	g := &Gateway{
		gw:      cfg.Gateway,
		runtime: make(map[string]*providerRuntime, len(cfg.Providers)),
		cache:   cache,
		log:     log,
		met:     opts.Metrics,
		trace:   opts.Trace,
		rpm:     opts.RPM,
		dbPing:  opts.DBPing,
	}

	for name, pc := range cfg.Providers {
		cls, err := errclass.Compile(pc.GatewayPolicy.ErrorParsing.Enabled, pc.GatewayPolicy.ErrorParsing.Rules)
		if err != nil {
			return nil, err
		}
		g.runtime[name] = &providerRuntime{
			cfg:           pc,
			adapter:       adapters[name],
			client:        clients[name],
			classifier:    cls,
			streamingMode: pc.StreamingModeOrDefault(cfg.Gateway.StreamingMode),
			debugMode:     pc.DebugModeOrDefault(cfg.Gateway.DebugMode),
		}
		if g.geminiProvider == "" && pc.ProviderKind() == providers.KindGemini {
			g.geminiProvider = name
		}
	}

	return g, nil
}

// retryAfterCap bounds how long dispatch honors an upstream Retry-After hint.
const retryAfterCap = 5 * time.Second

// sleepRetryAfter parses an upstream Retry-After header (seconds form) and
// sleeps for it, capped at retryAfterCap. Absent or unparsable values sleep
// nothing. Returns false when the context died during the sleep.
func sleepRetryAfter(ctx context.Context, header []byte) bool {
	if len(header) == 0 {
		return true
	}
	secs := 0
	for _, c := range header {
		if c < '0' || c > '9' {
			return true
		}
		secs = secs*10 + int(c-'0')
		if secs > 1000 {
			break
		}
	}
	if secs == 0 {
		return true
	}
	d := time.Duration(secs) * time.Second
	if d > retryAfterCap {
		d = retryAfterCap
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
