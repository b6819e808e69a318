package proxy

import (
	"io"
	"log/slog"
	"testing"

	"github.com/valyala/fasthttp"
)

func newCtx(method, uri string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)

	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	return ctx
}

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	var captured string
	h := requestID(func(ctx *fasthttp.RequestCtx) {
		captured, _ = ctx.UserValue("request_id").(string)
	})

	ctx := newCtx(fasthttp.MethodGet, "/healthz")
	h(ctx)

	if captured == "" {
		t.Fatal("request_id not set in user values")
	}
	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != captured {
		t.Errorf("response header %q does not match user value %q", got, captured)
	}
}

func TestRequestID_PreservesClientValue(t *testing.T) {
	h := requestID(func(ctx *fasthttp.RequestCtx) {})

	ctx := newCtx(fasthttp.MethodGet, "/healthz")
	ctx.Request.Header.Set("X-Request-ID", "client-supplied")
	h(ctx)

	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != "client-supplied" {
		t.Errorf("got %q, want client-supplied", got)
	}
}

func TestTiming_SetsResponseTimeHeader(t *testing.T) {
	h := timing(func(ctx *fasthttp.RequestCtx) {})

	ctx := newCtx(fasthttp.MethodGet, "/healthz")
	h(ctx)

	if got := string(ctx.Response.Header.Peek("X-Response-Time")); got == "" {
		t.Error("X-Response-Time header not set")
	}
}

func TestAuth(t *testing.T) {
	called := false
	next := func(ctx *fasthttp.RequestCtx) { called = true }

	tests := []struct {
		name     string
		token    string
		path     string
		header   string
		wantPass bool
	}{
		{"empty token disables auth", "", "/v1/openai/chat/completions", "", true},
		{"valid bearer", "secret", "/v1/openai/chat/completions", "Bearer secret", true},
		{"wrong bearer", "secret", "/v1/openai/chat/completions", "Bearer nope", false},
		{"missing header", "secret", "/v1/openai/chat/completions", "", false},
		{"case-insensitive scheme", "secret", "/v1/openai/chat/completions", "bearer secret", true},
		{"metrics stays open", "secret", "/metrics", "", true},
		{"healthz stays open", "secret", "/healthz", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called = false
			h := auth(tt.token)(next)

			ctx := newCtx(fasthttp.MethodGet, tt.path)
			if tt.header != "" {
				ctx.Request.Header.Set("Authorization", tt.header)
			}
			h(ctx)

			if called != tt.wantPass {
				t.Errorf("handler called = %v, want %v", called, tt.wantPass)
			}
			if !tt.wantPass && ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
				t.Errorf("status = %d, want 401", ctx.Response.StatusCode())
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := bearerToken(tt.header); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	g := &Gateway{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	h := recovery(g)(func(ctx *fasthttp.RequestCtx) {
		panic("boom")
	})

	ctx := newCtx(fasthttp.MethodPost, "/v1/openai/chat/completions")
	h(ctx) // must not propagate the panic

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusInternalServerError {
		t.Errorf("status = %d, want 500", got)
	}
}

func TestApplyMiddleware_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}

	h := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mw("outer"), mw("inner"))

	h(newCtx(fasthttp.MethodGet, "/"))

	want := []string{"outer", "inner", "handler"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}
