// Package plugin implements the gateway's request/response hook chain: an
// ordered set of Plugins invoked before a request is dispatched, after a
// response is produced, and on error, mirroring the provider package's
// interface-per-concern style.
package plugin

import (
	"context"
	"log/slog"

	"github.com/nulpointcorp/llm-gateway/internal/reqctx"
)

// Request is the normalized view of an inbound call that plugins inspect or
// reject. Fields are populated by the caller according to the route; zero
// values mean "not applicable to this request type".
type Request struct {
	Ctx            *reqctx.Context
	Path           string
	Model          string
	Headers        map[string]string
	ContentLength  int64
	Texts          []string // message/prompt/input text extracted for content checks
	EstimatedInputTokens int
}

// Response is the normalized view of an outbound call for AfterResponse hooks.
type Response struct {
	Ctx          *reqctx.Context
	Provider     string
	Model        string
	StatusCode   int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Plugin is one hook-chain participant. Enabled() lets a disabled plugin stay
// registered (and therefore configurable) without being invoked.
type Plugin interface {
	Name() string
	Enabled() bool
	BeforeRequest(ctx context.Context, req *Request) error
	AfterResponse(ctx context.Context, resp *Response) error
	OnError(ctx context.Context, req *Request, err error)
}

// Chain runs an ordered list of plugins. Plugins execute in registration
// order for BeforeRequest/AfterResponse and in reverse order for OnError,
// mirroring middleware unwind semantics.
type Chain struct {
	plugins []Plugin
	log     *slog.Logger
}

// NewChain builds a Chain from a list of plugins in invocation order.
func NewChain(log *slog.Logger, plugins ...Plugin) *Chain {
	if log == nil {
		log = slog.Default()
	}
	return &Chain{plugins: plugins, log: log}
}

// BeforeRequest runs each enabled plugin's BeforeRequest hook in order,
// stopping at the first error (e.g. content filtered, auth rejected).
func (c *Chain) BeforeRequest(ctx context.Context, req *Request) error {
	if c == nil {
		return nil
	}
	for i, p := range c.plugins {
		if !p.Enabled() {
			continue
		}
		if err := p.BeforeRequest(ctx, req); err != nil {
			c.log.WarnContext(ctx, "plugin_rejected_request",
				slog.String("plugin", p.Name()),
				slog.String("error", err.Error()),
			)
			c.runOnError(ctx, req, err, i)
			return err
		}
	}
	return nil
}

// AfterResponse runs each enabled plugin's AfterResponse hook. Errors are
// logged but never override an already-successful response — a plugin may
// observe and record, not retroactively fail, a completed call.
func (c *Chain) AfterResponse(ctx context.Context, resp *Response) {
	if c == nil {
		return
	}
	for _, p := range c.plugins {
		if !p.Enabled() {
			continue
		}
		if err := p.AfterResponse(ctx, resp); err != nil {
			c.log.WarnContext(ctx, "plugin_after_response_error",
				slog.String("plugin", p.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// runOnError notifies, in reverse registration order, every enabled plugin
// whose BeforeRequest already ran for this request — i.e. the one at
// failedAt that rejected the call, and everything registered before it. A
// plugin registered after failedAt never saw the request and is skipped: it
// has nothing to unwind.
func (c *Chain) runOnError(ctx context.Context, req *Request, cause error, failedAt int) {
	for i := failedAt; i >= 0; i-- {
		p := c.plugins[i]
		if !p.Enabled() {
			continue
		}
		p.OnError(ctx, req, cause)
	}
}
