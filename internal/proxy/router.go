package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/nulpointcorp/llm-gateway/internal/plugin"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string) error {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/completions", g.handleCompletions)
	r.POST("/v1/embeddings", g.handleEmbeddings)
	r.POST("/v1/images/generations", g.dispatchImages)
	r.POST("/v1/audio/transcriptions", g.dispatchAudioTranscriptions)
	r.POST("/v1/audio/speech", g.dispatchAudioSpeech)
	r.GET("/v1/models", g.dispatchModels)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if g.metrics != nil {
		r.GET("/metrics", g.handleMetrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	g.dispatchEmbeddings(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": "0.1.0"})
		return
	}
	snap := g.health.Snapshot()
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

// handleMetrics serves the JSON counters contract for GET /metrics. It runs
// through the same plugin chain as every other route (so AuthEnabled gates
// it with a 401 like any other endpoint) before returning the registry's
// lock-consistent snapshot.
func (g *Gateway) handleMetrics(ctx *fasthttp.RequestCtx) {
	if g.plugins != nil {
		pluginReq := &plugin.Request{
			Ctx:     requestContextFrom(ctx),
			Path:    "metrics",
			Headers: map[string]string{"authorization": parseAuthToken(string(ctx.Request.Header.Peek("Authorization")))},
		}
		if err := g.plugins.BeforeRequest(ctx, pluginReq); err != nil {
			writePluginRejection(ctx, err)
			return
		}
	}
	writeJSON(ctx, g.metrics.Snapshot())
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
