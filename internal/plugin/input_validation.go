package plugin

import (
	"context"

	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// InputValidation rejects oversized request bodies before they reach a
// provider, mirroring the reference gateway's permissive Content-Length
// check — it intentionally does not parse the body to avoid consuming it
// twice.
type InputValidation struct {
	enabled        bool
	maxRequestSize int64
}

// NewInputValidation builds an InputValidation plugin. maxRequestSize <= 0
// defaults to 50MiB.
func NewInputValidation(enabled bool, maxRequestSize int64) *InputValidation {
	if maxRequestSize <= 0 {
		maxRequestSize = 50 * 1024 * 1024
	}
	return &InputValidation{enabled: enabled, maxRequestSize: maxRequestSize}
}

func (v *InputValidation) Name() string  { return "input_validation" }
func (v *InputValidation) Enabled() bool { return v.enabled }

func (v *InputValidation) BeforeRequest(_ context.Context, req *Request) error {
	if req.ContentLength > v.maxRequestSize {
		return &apierr.PluginError{Status: 400, Type: apierr.TypeInvalidRequest, Message: "request too large"}
	}
	return nil
}

func (v *InputValidation) AfterResponse(context.Context, *Response) error { return nil }
func (v *InputValidation) OnError(context.Context, *Request, error)       {}
