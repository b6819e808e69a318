package proxy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management handlers registered alongside
// the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the full fasthttp handler: routes plus middleware chain.
// Exposed separately from Start so tests can drive it in-memory.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/{provider}/chat/completions", g.handleOpenAI)
	r.POST("/v1beta/models/{model_action}", g.handleGemini)
	r.GET("/healthz", g.handleHealthz)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery(g),
		requestID,
		timing,
		auth(g.gw.AuthToken),
	)
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:            g.Handler(mgmt),
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       0, // streamed responses outlive any fixed write deadline
		StreamRequestBody:  false,
		MaxRequestBodySize: 32 * 1024 * 1024,
	}
	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleOpenAI(ctx *fasthttp.RequestCtx) {
	provider, _ := ctx.UserValue("provider").(string)
	g.dispatch(ctx, provider)
}

// handleGemini serves the bare Gemini surface. The provider is implicit: the
// first configured provider of kind gemini.
func (g *Gateway) handleGemini(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, g.geminiProvider)
}

func (g *Gateway) handleHealthz(ctx *fasthttp.RequestCtx) {
	if g.dbPing != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := g.dbPing(pingCtx); err != nil {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			writeJSON(ctx, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
