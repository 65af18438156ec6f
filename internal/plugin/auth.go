package plugin

import (
	"context"

	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// Authentication rejects requests missing a recognized API key when the
// gateway is configured with a non-empty allowlist. An empty AllowedKeys
// disables enforcement entirely (the open-proxy default used by the
// teacher's client-key passthrough mode).
type Authentication struct {
	enabled     bool
	allowedKeys map[string]struct{}
}

// NewAuthentication builds an Authentication plugin. When allowedKeys is
// empty, BeforeRequest always succeeds (no allowlist configured).
func NewAuthentication(enabled bool, allowedKeys []string) *Authentication {
	set := make(map[string]struct{}, len(allowedKeys))
	for _, k := range allowedKeys {
		set[k] = struct{}{}
	}
	return &Authentication{enabled: enabled, allowedKeys: set}
}

func (a *Authentication) Name() string  { return "authentication" }
func (a *Authentication) Enabled() bool { return a.enabled }

func (a *Authentication) BeforeRequest(_ context.Context, req *Request) error {
	if len(a.allowedKeys) == 0 {
		return nil
	}
	key := req.Headers["authorization"]
	if _, ok := a.allowedKeys[key]; !ok {
		return &apierr.PluginError{Status: 401, Type: apierr.TypeAuth, Message: "invalid or missing API key"}
	}
	return nil
}

func (a *Authentication) AfterResponse(context.Context, *Response) error { return nil }
func (a *Authentication) OnError(context.Context, *Request, error)       {}
