// Package config loads and validates the keygate configuration.
//
// Configuration lives in a providers.yaml file. ${VAR} placeholders anywhere
// in the file are expanded from the process environment before parsing, and a
// .env file in the working directory is loaded first when present. Database
// connection settings come from the environment only (DB_HOST, DB_PORT,
// DB_USER, DB_PASSWORD, DB_NAME).
//
// Validation is accumulating: every problem in the file is collected and
// reported as one error so operators fix the config in a single pass.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/keygate/internal/errclass"
	"github.com/nulpointcorp/keygate/internal/providers"
)

// Streaming / debug mode values.
const (
	StreamingAuto     = "auto"
	StreamingDisabled = "disabled"

	DebugDisabled    = "disabled"
	DebugHeadersOnly = "headers_only"
	DebugFullBody    = "full_body"
)

// Config is the top-level configuration container.
type Config struct {
	Gateway   GatewayConfig              `mapstructure:"gateway"`
	Worker    WorkerConfig               `mapstructure:"worker"`
	Providers map[string]*ProviderConfig `mapstructure:"providers"`
}

// GatewayConfig controls the dispatch engine.
type GatewayConfig struct {
	// Listen is the bind address, e.g. ":8080".
	Listen string `mapstructure:"listen"`
	// AuthToken is the static shared secret clients present as a Bearer
	// token. Empty disables client authentication.
	AuthToken string `mapstructure:"auth_token"`
	// StreamingMode is the gateway-wide default: auto | disabled.
	StreamingMode string `mapstructure:"streaming_mode"`
	// DebugMode is the gateway-wide default: disabled | headers_only | full_body.
	DebugMode string `mapstructure:"debug_mode"`
	// MaxAttempts caps provider-key attempts per request (including the first).
	MaxAttempts int `mapstructure:"max_attempts"`
	// ConnectTimeoutSec / TotalTimeoutSec bound each upstream request.
	ConnectTimeoutSec int `mapstructure:"connect_timeout_sec"`
	TotalTimeoutSec   int `mapstructure:"total_timeout_sec"`
	// MaxConnsPerHost caps the upstream connection pool per host.
	MaxConnsPerHost int `mapstructure:"max_conns_per_host"`
	// RedisURL enables the Redis-backed RPM limiter when non-empty.
	RedisURL string `mapstructure:"redis_url"`
	// RPMLimit is the per-provider requests-per-minute cap. 0 disables.
	RPMLimit int `mapstructure:"rpm_limit"`
}

// WorkerConfig controls the probe engine.
type WorkerConfig struct {
	// IntervalSec is the probe cycle interval per provider.
	IntervalSec int `mapstructure:"interval_sec"`
	// Concurrency caps in-flight probes per provider.
	Concurrency int `mapstructure:"concurrency"`
	// VerificationAttempts is the number of re-probes run after a transient
	// probe failure; VerificationDelaySec is the pause before each re-probe.
	VerificationAttempts int `mapstructure:"verification_attempts"`
	VerificationDelaySec int `mapstructure:"verification_delay_sec"`
	// SyncIntervalMin is how often key files are re-read from disk.
	SyncIntervalMin int `mapstructure:"sync_interval_min"`
	// MetricsListen is the worker's own metrics endpoint bind address.
	MetricsListen string `mapstructure:"metrics_listen"`
	// HealthPolicy holds the worker-wide default penalty durations.
	HealthPolicy HealthPolicy `mapstructure:"health_policy"`
}

// HealthPolicy maps failure reasons to penalty durations.
type HealthPolicy struct {
	OnInvalidKeyDays int `mapstructure:"on_invalid_key_days"`
	OnNoAccessDays   int `mapstructure:"on_no_access_days"`
	OnNoQuotaHr      int `mapstructure:"on_no_quota_hr"`
	OnRateLimitHr    int `mapstructure:"on_rate_limit_hr"`
	OnServerErrorMin int `mapstructure:"on_server_error_min"`
	OnOverloadMin    int `mapstructure:"on_overload_min"`
	OnOtherErrorHr   int `mapstructure:"on_other_error_hr"`
}

// PenaltyFor returns the penalty duration applied when a key fails with the
// given reason after verification (or immediately, for fatal reasons).
func (p HealthPolicy) PenaltyFor(reason providers.ErrorReason) time.Duration {
	switch reason {
	case providers.ReasonInvalidKey:
		return time.Duration(p.OnInvalidKeyDays) * 24 * time.Hour
	case providers.ReasonNoAccess:
		return time.Duration(p.OnNoAccessDays) * 24 * time.Hour
	case providers.ReasonNoQuota:
		return time.Duration(p.OnNoQuotaHr) * time.Hour
	case providers.ReasonNoModel:
		return time.Duration(p.OnInvalidKeyDays) * 24 * time.Hour
	case providers.ReasonRateLimited:
		return time.Duration(p.OnRateLimitHr) * time.Hour
	case providers.ReasonServerError, providers.ReasonTimeout, providers.ReasonNetworkError:
		return time.Duration(p.OnServerErrorMin) * time.Minute
	case providers.ReasonOverloaded, providers.ReasonServiceUnavailable:
		return time.Duration(p.OnOverloadMin) * time.Minute
	}
	return time.Duration(p.OnOtherErrorHr) * time.Hour
}

// ProviderConfig holds configuration for one provider instance.
type ProviderConfig struct {
	// Kind selects the API family: openai_like | gemini.
	Kind string `mapstructure:"kind"`
	// BaseURL is the provider API root, e.g. "https://api.openai.com/v1".
	BaseURL string `mapstructure:"base_url"`
	// Models lists the model names this instance serves. The first entry is
	// the representative model probed for shared-key providers.
	Models []string `mapstructure:"models"`
	// KeysPath is the directory the key synchronizer reads credentials from.
	KeysPath string `mapstructure:"keys_path"`
	// SharedKeyStatus collapses all models into one virtual pool: a key that
	// works for one model works for all of them.
	SharedKeyStatus bool `mapstructure:"shared_key_status"`
	// ProxyURL optionally routes upstream traffic through an HTTP proxy.
	ProxyURL string `mapstructure:"proxy_url"`

	GatewayPolicy GatewayPolicy `mapstructure:"gateway_policy"`

	// WorkerHealthPolicy overrides the worker-wide penalty table when set.
	WorkerHealthPolicy *HealthPolicy `mapstructure:"worker_health_policy"`

	// CircuitBreaker is accepted and validated but deliberately not enforced.
	CircuitBreaker *CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// GatewayPolicy holds per-provider dispatch behaviour.
type GatewayPolicy struct {
	// StreamingMode overrides the gateway default when non-empty.
	StreamingMode string `mapstructure:"streaming_mode"`
	// DebugMode overrides the gateway default when non-empty.
	DebugMode    string       `mapstructure:"debug_mode"`
	ErrorParsing ErrorParsing `mapstructure:"error_parsing"`
}

// ErrorParsing configures the rule-based error classifier for one provider.
type ErrorParsing struct {
	Enabled bool           `mapstructure:"enabled"`
	Rules   []errclass.Rule `mapstructure:"rules"`
}

// CircuitBreakerConfig exists for forward compatibility. Validated, unused.
type CircuitBreakerConfig struct {
	Mode      string `mapstructure:"mode"`
	Threshold int    `mapstructure:"threshold"`
}

// ProviderKind returns the typed provider kind.
func (p *ProviderConfig) ProviderKind() providers.Kind {
	return providers.Kind(p.Kind)
}

// HealthPolicyOrDefault returns the per-provider penalty table, falling back
// to the worker-wide one.
func (p *ProviderConfig) HealthPolicyOrDefault(def HealthPolicy) HealthPolicy {
	if p.WorkerHealthPolicy != nil {
		return *p.WorkerHealthPolicy
	}
	return def
}

// StreamingModeOrDefault resolves the effective streaming mode.
func (p *ProviderConfig) StreamingModeOrDefault(def string) string {
	if p.GatewayPolicy.StreamingMode != "" {
		return p.GatewayPolicy.StreamingMode
	}
	return def
}

// DebugModeOrDefault resolves the effective debug mode.
func (p *ProviderConfig) DebugModeOrDefault(def string) string {
	if p.GatewayPolicy.DebugMode != "" {
		return p.GatewayPolicy.DebugMode
	}
	return def
}

// Load reads, expands, parses, and validates the configuration file.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// ${VAR} placeholders resolve from the environment. $$ escapes a literal $.
	expanded := os.Expand(string(raw), func(name string) string {
		if name == "$" {
			return "$"
		}
		return os.Getenv(name)
	})

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader([]byte(expanded))); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Gateway.Listen == "" {
		c.Gateway.Listen = ":8080"
	}
	if c.Gateway.StreamingMode == "" {
		c.Gateway.StreamingMode = StreamingAuto
	}
	if c.Gateway.DebugMode == "" {
		c.Gateway.DebugMode = DebugDisabled
	}
	if c.Gateway.MaxAttempts < 1 {
		c.Gateway.MaxAttempts = 3
	}
	if c.Gateway.ConnectTimeoutSec <= 0 {
		c.Gateway.ConnectTimeoutSec = 5
	}
	if c.Gateway.TotalTimeoutSec <= 0 {
		c.Gateway.TotalTimeoutSec = 60
	}
	if c.Gateway.MaxConnsPerHost <= 0 {
		c.Gateway.MaxConnsPerHost = 100
	}

	if c.Worker.IntervalSec <= 0 {
		c.Worker.IntervalSec = 60
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 8
	}
	if c.Worker.VerificationAttempts <= 0 {
		c.Worker.VerificationAttempts = 3
	}
	if c.Worker.VerificationDelaySec <= 0 {
		c.Worker.VerificationDelaySec = 65
	}
	if c.Worker.SyncIntervalMin <= 0 {
		c.Worker.SyncIntervalMin = 5
	}
	if c.Worker.MetricsListen == "" {
		c.Worker.MetricsListen = ":9091"
	}
	c.Worker.HealthPolicy.applyDefaults()

	for _, p := range c.Providers {
		if p == nil {
			continue
		}
		if p.WorkerHealthPolicy != nil {
			p.WorkerHealthPolicy.applyDefaults()
		}
	}
}

func (p *HealthPolicy) applyDefaults() {
	if p.OnInvalidKeyDays <= 0 {
		p.OnInvalidKeyDays = 10
	}
	if p.OnNoAccessDays <= 0 {
		p.OnNoAccessDays = 10
	}
	if p.OnNoQuotaHr <= 0 {
		p.OnNoQuotaHr = 4
	}
	if p.OnRateLimitHr <= 0 {
		p.OnRateLimitHr = 1
	}
	if p.OnServerErrorMin <= 0 {
		p.OnServerErrorMin = 30
	}
	if p.OnOverloadMin <= 0 {
		p.OnOverloadMin = 60
	}
	if p.OnOtherErrorHr <= 0 {
		p.OnOtherErrorHr = 1
	}
}

// validate collects every constraint violation into one report.
func (c *Config) validate() error {
	var errs []error

	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Gateway.StreamingMode {
	case StreamingAuto, StreamingDisabled:
	default:
		add("gateway.streaming_mode: invalid value %q (auto|disabled)", c.Gateway.StreamingMode)
	}
	switch c.Gateway.DebugMode {
	case DebugDisabled, DebugHeadersOnly, DebugFullBody:
	default:
		add("gateway.debug_mode: invalid value %q (disabled|headers_only|full_body)", c.Gateway.DebugMode)
	}
	if c.Gateway.RPMLimit > 0 && c.Gateway.RedisURL == "" {
		add("gateway.rpm_limit: requires gateway.redis_url")
	}

	if len(c.Providers) == 0 {
		add("providers: at least one provider must be configured")
	}

	for name, p := range c.Providers {
		if p == nil {
			add("providers.%s: empty provider block", name)
			continue
		}
		switch providers.Kind(p.Kind) {
		case providers.KindOpenAILike, providers.KindGemini:
		default:
			add("providers.%s.kind: invalid value %q (openai_like|gemini)", name, p.Kind)
		}
		if p.BaseURL == "" {
			add("providers.%s.base_url: required", name)
		} else if !strings.HasPrefix(p.BaseURL, "http://") && !strings.HasPrefix(p.BaseURL, "https://") {
			add("providers.%s.base_url: must start with http:// or https://", name)
		}
		if len(p.Models) == 0 {
			add("providers.%s.models: at least one model is required", name)
		}
		if p.KeysPath == "" {
			add("providers.%s.keys_path: required", name)
		}
		if m := p.GatewayPolicy.StreamingMode; m != "" && m != StreamingAuto && m != StreamingDisabled {
			add("providers.%s.gateway_policy.streaming_mode: invalid value %q", name, m)
		}
		if m := p.GatewayPolicy.DebugMode; m != "" && m != DebugDisabled && m != DebugHeadersOnly && m != DebugFullBody {
			add("providers.%s.gateway_policy.debug_mode: invalid value %q", name, m)
		}

		// Rules are compiled here only to surface bad patterns in the same
		// report; the compiled form used at runtime is built in app wiring.
		if _, err := errclass.Compile(p.GatewayPolicy.ErrorParsing.Enabled, p.GatewayPolicy.ErrorParsing.Rules); err != nil {
			add("providers.%s.gateway_policy.error_parsing: %v", name, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %d problem(s):\n%w", len(errs), errors.Join(errs...))
}

// ConnectTimeout returns the upstream connect timeout as a Duration.
func (g GatewayConfig) ConnectTimeout() time.Duration {
	return time.Duration(g.ConnectTimeoutSec) * time.Second
}

// TotalTimeout returns the upstream total timeout as a Duration.
func (g GatewayConfig) TotalTimeout() time.Duration {
	return time.Duration(g.TotalTimeoutSec) * time.Second
}

// Interval returns the probe cycle interval as a Duration.
func (w WorkerConfig) Interval() time.Duration {
	return time.Duration(w.IntervalSec) * time.Second
}

// VerificationDelay returns the verification sleep as a Duration.
func (w WorkerConfig) VerificationDelay() time.Duration {
	return time.Duration(w.VerificationDelaySec) * time.Second
}

// ResolveModel collapses the model name to the virtual marker for shared-key
// providers; other providers keep the literal model.
func (p *ProviderConfig) ResolveModel(model string) string {
	if p.SharedKeyStatus {
		return providers.AllModels
	}
	return model
}

// ProbeModels returns the (resolvedModel, probeModel) pairs the worker checks
// for this provider. Shared-key providers probe one representative model and
// store results under the virtual marker.
func (p *ProviderConfig) ProbeModels() [][2]string {
	if p.SharedKeyStatus {
		if len(p.Models) == 0 {
			return nil
		}
		return [][2]string{{providers.AllModels, p.Models[0]}}
	}
	out := make([][2]string, 0, len(p.Models))
	for _, m := range p.Models {
		out = append(out, [2]string{m, m})
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
