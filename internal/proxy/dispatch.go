package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keygate/internal/config"
	"github.com/nulpointcorp/keygate/internal/errclass"
	"github.com/nulpointcorp/keygate/internal/keypool"
	"github.com/nulpointcorp/keygate/internal/logger"
	"github.com/nulpointcorp/keygate/internal/providers"
	"github.com/nulpointcorp/keygate/internal/providers/gemini"
	"github.com/nulpointcorp/keygate/internal/upstream"
	"github.com/nulpointcorp/keygate/pkg/apierr"
)

const (
	// streamIdleTimeout cuts off a passthrough stream when the upstream sends
	// no bytes for this long. Streamed responses have no total deadline.
	streamIdleTimeout = 60 * time.Second

	streamCopyBuffer = 32 * 1024
)

// dispatch serves one inbound request end-to-end: model extraction, rate
// limiting, and the key-selection loop.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, providerName string) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	rt, ok := g.runtime[providerName]
	if !ok || rt.adapter == nil {
		apierr.WriteUnknownProvider(ctx)
		return
	}

	model, err := rt.adapter.Model(string(ctx.Path()), ctx.PostBody())
	if err != nil {
		g.log.Warn("unroutable request",
			slog.String("request_id", reqID),
			slog.String("provider", providerName),
			slog.String("error", err.Error()),
		)
		apierr.WriteInvalidRequest(ctx)
		return
	}

	if g.rpm != nil {
		allowed, rlErr := g.rpm.Allow(ctx, providerName)
		if rlErr == nil && !allowed {
			g.log.Warn("rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("provider", providerName),
			)
			apierr.WriteRateLimit(ctx)
			return
		}
	}

	if g.met != nil {
		g.met.IncInFlight()
	}
	streamed := false
	defer func() {
		if g.met == nil {
			return
		}
		g.met.DecInFlight()
		if !streamed {
			g.met.RecordRequest(providerName, ctx.Response.StatusCode(), time.Since(start).Seconds())
		}
	}()

	g.log.Info("request",
		slog.String("request_id", reqID),
		slog.String("provider", providerName),
		slog.String("model", model),
		slog.Bool("stream", g.wantsStream(rt, ctx)),
	)

	tried := make(map[string]struct{})
	var last *bufferedResponse

	for attempt := 1; attempt <= g.gw.MaxAttempts; attempt++ {
		key, acqErr := g.cache.Acquire(ctx, providerName, model, tried)
		if acqErr != nil {
			if !errors.Is(acqErr, keypool.ErrNoKeys) {
				g.log.Error("key acquire failed",
					slog.String("request_id", reqID),
					slog.String("provider", providerName),
					slog.String("error", acqErr.Error()),
				)
				apierr.WriteInternal(ctx)
				return
			}
			g.log.Warn("no healthy keys",
				slog.String("request_id", reqID),
				slog.String("provider", providerName),
				slog.String("model", model),
				slog.Int("attempt", attempt),
			)
			apierr.WriteNoHealthyKeys(ctx)
			return
		}

		outcome := g.tryKey(ctx, rt, providerName, model, key, reqID, attempt)
		switch outcome.kind {
		case outcomeCommitted:
			streamed = outcome.streaming
			return

		case outcomeClientGone:
			// Client disconnect is not the key's fault.
			return

		case outcomeSurface:
			outcome.resp.writeTo(ctx, attempt-1)
			return

		case outcomeRetry:
			// Transport failures carry no response; keep the last buffered one.
			if outcome.resp != nil {
				last = outcome.resp
			}
			tried[key.Hash] = struct{}{}
			if g.met != nil {
				g.met.RecordRetry(providerName, string(outcome.reason))
			}
			if !sleepRetryAfter(ctx, outcome.retryAfter) {
				return
			}
		}
	}

	// Retries exhausted: relay the last upstream response unchanged.
	if last != nil {
		last.writeTo(ctx, g.gw.MaxAttempts)
		return
	}
	apierr.WriteNoHealthyKeys(ctx)
}

type outcomeKind int

const (
	outcomeCommitted outcomeKind = iota
	outcomeRetry
	outcomeSurface
	outcomeClientGone
)

type tryOutcome struct {
	kind       outcomeKind
	reason     providers.ErrorReason
	resp       *bufferedResponse
	retryAfter []byte
	streaming  bool
}

// bufferedResponse captures a failed upstream response for later relay.
type bufferedResponse struct {
	status      int
	contentType []byte
	body        []byte
}

func (b *bufferedResponse) writeTo(ctx *fasthttp.RequestCtx, retries int) {
	ctx.Response.Header.Set("X-Gateway-Retries", strconv.Itoa(retries))
	ctx.SetStatusCode(b.status)
	if len(b.contentType) > 0 {
		ctx.Response.Header.SetContentTypeBytes(b.contentType)
	}
	ctx.SetBody(b.body)
}

// tryKey performs one upstream exchange with one key and classifies the
// result into a dispatch outcome.
func (g *Gateway) tryKey(
	ctx *fasthttp.RequestCtx,
	rt *providerRuntime,
	providerName, model string,
	key keypool.Key,
	reqID string,
	attempt int,
) tryOutcome {
	up := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(up)
		fasthttp.ReleaseResponse(resp)
	}

	rt.adapter.RewriteRequest(up, &ctx.Request, key.Value)

	upStart := time.Now()
	err := rt.client.Do(ctx, up, resp)
	latency := time.Since(upStart)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			release()
			return tryOutcome{kind: outcomeClientGone}
		}
		reason := upstream.ClassifyTransport(err)
		g.traceExchange(rt, up, nil, reqID, providerName, model, key.Hash, attempt, 0, reason, latency)
		release()
		g.markBad(ctx, providerName, model, key, reason, reqID)
		return tryOutcome{kind: outcomeRetry, reason: reason}
	}

	status := resp.StatusCode()

	if status >= 200 && status < 300 {
		if g.wantsStream(rt, ctx) {
			// First byte to the client commits the request; the stream writer
			// owns up/resp from here.
			providers.StripHopByHopResponse(&resp.Header)
			resp.Header.CopyTo(&ctx.Response.Header)
			restoreRequestID(ctx, reqID)
			ctx.Response.Header.Del("Content-Length")
			ctx.SetStatusCode(status)
			ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
				defer release()
				copyWithIdleTimeout(w, resp.BodyStream(), streamIdleTimeout)
			})
			return tryOutcome{kind: outcomeCommitted, streaming: true}
		}

		body := readLimited(resp, 0)
		g.traceExchange(rt, up, body, reqID, providerName, model, key.Hash, attempt, status, "", latency)
		providers.StripHopByHopResponse(&resp.Header)
		resp.Header.CopyTo(&ctx.Response.Header)
		restoreRequestID(ctx, reqID)
		ctx.SetStatusCode(status)
		ctx.SetBody(body)
		release()
		return tryOutcome{kind: outcomeCommitted}
	}

	// Pre-commit failure: buffer (capped) and classify.
	body := readLimited(resp, errclass.MaxErrorBody)
	reason, _ := rt.classifier.Classify(status, body)

	buf := &bufferedResponse{
		status:      status,
		contentType: append([]byte(nil), resp.Header.ContentType()...),
		body:        body,
	}
	retryAfter := append([]byte(nil), resp.Header.Peek("Retry-After")...)
	g.traceExchange(rt, up, body, reqID, providerName, model, key.Hash, attempt, status, reason, latency)
	release()

	g.log.Warn("upstream failure",
		slog.String("request_id", reqID),
		slog.String("provider", providerName),
		slog.String("model", model),
		slog.String("key_hash", shortHash(key.Hash)),
		slog.Int("attempt", attempt),
		slog.Int("status", status),
		slog.String("reason", string(reason)),
		slog.Duration("latency", latency),
	)

	switch {
	case reason == providers.ReasonBadRequest:
		// Client-side problem; the key is fine. Relay verbatim and stop.
		return tryOutcome{kind: outcomeSurface, reason: reason, resp: buf}

	case reason == providers.ReasonUnknown:
		// Unclassifiable: soft-bad the key but surface the response without
		// burning further attempts.
		g.markBad(ctx, providerName, model, key, reason, reqID)
		return tryOutcome{kind: outcomeSurface, reason: reason, resp: buf}

	case reason.Fatal():
		g.markBad(ctx, providerName, model, key, reason, reqID)
		return tryOutcome{kind: outcomeRetry, reason: reason, resp: buf}

	default: // retryable
		g.markBad(ctx, providerName, model, key, reason, reqID)
		return tryOutcome{kind: outcomeRetry, reason: reason, resp: buf, retryAfter: retryAfter}
	}
}

// wantsStream decides passthrough streaming for this request: the provider
// must allow it (streaming_mode auto, debug disabled) and the client must
// have asked for a stream.
func (g *Gateway) wantsStream(rt *providerRuntime, ctx *fasthttp.RequestCtx) bool {
	if rt.streamingMode != config.StreamingAuto || rt.debugMode != config.DebugDisabled {
		return false
	}
	if rt.adapter.Kind() == providers.KindGemini {
		return gemini.Streaming(string(ctx.Path()))
	}
	return gjson.GetBytes(ctx.PostBody(), "stream").Bool()
}

// markBad evicts and penalizes the key; failures are logged, not fatal to the
// request.
func (g *Gateway) markBad(ctx context.Context, provider, model string, key keypool.Key, reason providers.ErrorReason, reqID string) {
	if err := g.cache.MarkBad(ctx, provider, model, key, reason); err != nil {
		g.log.Error("mark bad failed",
			slog.String("request_id", reqID),
			slog.String("provider", provider),
			slog.String("key_hash", shortHash(key.Hash)),
			slog.String("error", err.Error()),
		)
	}
}

// traceExchange emits a debug trace when the provider's debug mode asks for
// one. body may be nil for transport failures and headers-only capture.
func (g *Gateway) traceExchange(
	rt *providerRuntime,
	up *fasthttp.Request,
	body []byte,
	reqID, provider, model, keyHash string,
	attempt, status int,
	reason providers.ErrorReason,
	latency time.Duration,
) {
	if g.trace == nil || rt.debugMode == config.DebugDisabled {
		return
	}

	entry := logger.Trace{
		RequestID: reqID,
		Provider:  provider,
		Model:     model,
		KeyHash:   shortHash(keyHash),
		Attempt:   attempt,
		Status:    status,
		Reason:    string(reason),
		LatencyMs: latency.Milliseconds(),
		Headers:   up.Header.String(),
		CreatedAt: time.Now(),
	}
	if rt.debugMode == config.DebugFullBody {
		entry.Body = body
	}
	g.trace.Log(entry)
}

// readLimited drains the (streamed) response body, capped at limit bytes when
// limit > 0.
func readLimited(resp *fasthttp.Response, limit int) []byte {
	bs := resp.BodyStream()
	if bs == nil {
		b := resp.Body()
		if limit > 0 && len(b) > limit {
			b = b[:limit]
		}
		return append([]byte(nil), b...)
	}
	var r io.Reader = bs
	if limit > 0 {
		r = io.LimitReader(bs, int64(limit))
	}
	body, _ := io.ReadAll(r)
	return body
}

// copyWithIdleTimeout pumps r into w, flushing after every chunk, until EOF,
// error, or idle bytes longer than the timeout. The reader goroutine exits
// once the underlying connection closes.
func copyWithIdleTimeout(w *bufio.Writer, r io.Reader, idle time.Duration) {
	type chunk struct {
		data []byte
		err  error
	}
	ch := make(chan chunk, 1)

	go func() {
		buf := make([]byte, streamCopyBuffer)
		for {
			n, err := r.Read(buf)
			c := chunk{err: err}
			if n > 0 {
				c.data = append([]byte(nil), buf[:n]...)
			}
			ch <- c
			if err != nil {
				return
			}
		}
	}()

	t := time.NewTimer(idle)
	defer t.Stop()

	for {
		select {
		case c := <-ch:
			if len(c.data) > 0 {
				if _, err := w.Write(c.data); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
			if c.err != nil {
				return
			}
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(idle)

		case <-t.C:
			return
		}
	}
}

// restoreRequestID re-sets the middleware's request id after an upstream
// header copy reset the whole response header.
func restoreRequestID(ctx *fasthttp.RequestCtx, reqID string) {
	if reqID != "" {
		ctx.Response.Header.Set("X-Request-ID", reqID)
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
