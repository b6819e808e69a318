// Package providers defines the common types and the adapter contract shared
// by all upstream LLM provider implementations.
//
// Each provider kind lives in its own sub-package (openailike, gemini) and
// implements the Adapter interface. An Adapter knows the HTTP shape of one
// provider family: how to build a cheap probe request, how to rewrite an
// inbound client request onto the provider's API with a substituted
// credential, and how to pull an error payload out of a response body.
package providers

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/valyala/fasthttp"
)

// AllModels is the virtual model marker used for providers whose key validity
// is account-wide (shared_key_status). All rows and pools for such a provider
// use this marker in place of a concrete model name.
const AllModels = "__ALL_MODELS__"

// ErrorReason is the closed taxonomy every upstream, transport, and parsing
// failure folds into. It is the sole currency of error meaning inside the
// gateway.
type ErrorReason string

const (
	ReasonInvalidKey         ErrorReason = "invalid_key"
	ReasonNoAccess           ErrorReason = "no_access"
	ReasonNoQuota            ErrorReason = "no_quota"
	ReasonNoModel            ErrorReason = "no_model"
	ReasonRateLimited        ErrorReason = "rate_limited"
	ReasonServerError        ErrorReason = "server_error"
	ReasonOverloaded         ErrorReason = "overloaded"
	ReasonServiceUnavailable ErrorReason = "service_unavailable"
	ReasonTimeout            ErrorReason = "timeout"
	ReasonNetworkError       ErrorReason = "network_error"
	ReasonBadRequest         ErrorReason = "bad_request"
	ReasonUnknown            ErrorReason = "unknown"
)

// Fatal reports whether the reason condemns the key itself (revoked, no
// permission, out of credits, no such model). Fatal failures skip the
// verification loop and penalize immediately.
func (r ErrorReason) Fatal() bool {
	switch r {
	case ReasonInvalidKey, ReasonNoAccess, ReasonNoQuota, ReasonNoModel:
		return true
	}
	return false
}

// Retryable reports whether the failure is transient and the same key is
// worth re-testing on a subsequent attempt.
func (r ErrorReason) Retryable() bool {
	switch r {
	case ReasonRateLimited, ReasonServerError, ReasonTimeout,
		ReasonNetworkError, ReasonOverloaded, ReasonServiceUnavailable:
		return true
	}
	return false
}

// Status is the persisted health state of a key row.
type Status string

const (
	// StatusUnchecked marks freshly synchronized keys that no probe has seen yet.
	StatusUnchecked Status = "unchecked"
	// StatusValid keys are eligible for dispatch. penalty_until is always NULL.
	StatusValid Status = "valid"
	// StatusPenalized keys sit out a time-bounded penalty after a transient failure.
	StatusPenalized Status = "penalized"
	// StatusInvalid keys failed fatally; the penalty may run for days.
	StatusInvalid Status = "invalid"
)

// CheckResult is the outcome of one probe attempt or one proxied request.
type CheckResult struct {
	OK         bool
	StatusCode int
	Reason     ErrorReason
	Latency    time.Duration
	// Body holds the buffered upstream error payload (capped by the caller).
	// Nil on success and on transport-level failures.
	Body []byte
}

// Success builds a positive CheckResult.
func Success(statusCode int, latency time.Duration) CheckResult {
	return CheckResult{OK: true, StatusCode: statusCode, Latency: latency}
}

// Failure builds a negative CheckResult. statusCode is 0 for transport
// failures that never produced an HTTP response.
func Failure(reason ErrorReason, statusCode int, latency time.Duration) CheckResult {
	return CheckResult{Reason: reason, StatusCode: statusCode, Latency: latency}
}

// Kind identifies a provider API family.
type Kind string

const (
	KindOpenAILike Kind = "openai_like"
	KindGemini     Kind = "gemini"
)

// Adapter is the per-provider HTTP shape. Implementations must be safe for
// concurrent use; they hold only immutable configuration.
type Adapter interface {
	// Name returns the provider instance name (config key).
	Name() string

	// Kind returns the API family of this adapter.
	Kind() Kind

	// BuildProbeRequest fills req with a minimal, cheap request that
	// exercises both authentication and access to model.
	BuildProbeRequest(req *fasthttp.Request, key, model string)

	// RewriteRequest turns the inbound client request into the upstream
	// request: rewrites the URI onto the provider base URL, substitutes the
	// credential, and strips hop-by-hop headers. The inbound body is copied
	// verbatim.
	RewriteRequest(up *fasthttp.Request, in *fasthttp.Request, key string)

	// Model extracts the requested model from the inbound request.
	// For OpenAI-like providers it lives in the JSON body; for Gemini it is
	// part of the URL path. Returns an error for malformed requests.
	Model(path string, body []byte) (string, error)
}

// KeyHash returns the stable identity of a credential: the hex SHA-256 of the
// raw key material. Logs and storage never carry the key in the clear on the
// identity side.
func KeyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// hopByHopHeaders are stripped when forwarding in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes hop-by-hop headers from h.
func StripHopByHop(h *fasthttp.RequestHeader) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// StripHopByHopResponse removes hop-by-hop headers from a response header.
func StripHopByHopResponse(h *fasthttp.ResponseHeader) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
