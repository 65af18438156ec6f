package plugin

import (
	"context"

	"github.com/nulpointcorp/llm-gateway/internal/costing"
)

// CostTracking records a priced Entry for every completed response via the
// injected costing.Tracker, mirroring the reference gateway's
// CostTrackingPlugin.after_response hook.
type CostTracking struct {
	enabled bool
	tracker *costing.Tracker
}

// NewCostTracking builds a CostTracking plugin. A nil tracker makes the
// plugin a no-op regardless of enabled.
func NewCostTracking(enabled bool, tracker *costing.Tracker) *CostTracking {
	return &CostTracking{enabled: enabled, tracker: tracker}
}

func (c *CostTracking) Name() string  { return "cost_tracking" }
func (c *CostTracking) Enabled() bool { return c.enabled && c.tracker != nil }

func (c *CostTracking) BeforeRequest(context.Context, *Request) error { return nil }

func (c *CostTracking) AfterResponse(_ context.Context, resp *Response) error {
	requestID := ""
	if resp.Ctx != nil {
		requestID = resp.Ctx.RequestID.String()
	}
	cost := resp.CostUSD
	if cost == 0 {
		cost = costing.Estimate(resp.Provider, resp.InputTokens, resp.OutputTokens)
	}
	c.tracker.Track(costing.Entry{
		RequestID:    requestID,
		Provider:     resp.Provider,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      cost,
	})
	return nil
}

func (c *CostTracking) OnError(context.Context, *Request, error) {}
