// Package apierr writes the gateway's own error responses. Upstream provider
// errors are relayed verbatim by the dispatcher and never pass through here;
// this package covers only failures the gateway itself produces.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Error codes returned in the envelope.
const (
	CodeNoHealthyKeys   = "no_healthy_keys"
	CodeUnauthorized    = "unauthorized"
	CodeUnknownProvider = "unknown_provider"
	CodeInvalidRequest  = "invalid_request"
	CodeRateLimited     = "rate_limit_exceeded"
	CodeInternalError   = "internal_error"
)

type envelope struct {
	Error string `json:"error"`
}

// Write writes a JSON error envelope with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: code})
	ctx.SetBody(body)
}

// WriteNoHealthyKeys writes the 503 returned when the key pool is exhausted.
// Retry-After hints clients to back off until the next probe cycle.
func WriteNoHealthyKeys(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "30")
	Write(ctx, fasthttp.StatusServiceUnavailable, CodeNoHealthyKeys)
}

// WriteUnauthorized writes a 401 for a missing or wrong gateway auth token.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, CodeUnauthorized)
}

// WriteUnknownProvider writes a 404 for a provider name not in the config.
func WriteUnknownProvider(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusNotFound, CodeUnknownProvider)
}

// WriteInvalidRequest writes a 400 for requests the gateway cannot route
// (e.g. no model field in the body).
func WriteInvalidRequest(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusBadRequest, CodeInvalidRequest)
}

// WriteRateLimit writes a 429 when the gateway-side RPM cap trips.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, CodeRateLimited)
}

// WriteInternal writes a 500 for unexpected gateway-side failures.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, CodeInternalError)
}
