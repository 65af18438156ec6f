// Package apierr provides structured API error types and HTTP status mapping
// for the gateway's external error contract.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants — map 1:1 to the spec's error-kind taxonomy (§7).
const (
	TypeAuth               = "auth_error"
	TypeInvalidRequest     = "invalid_request_error"
	TypeContentFiltered    = "content_filtered"
	TypeRateLimitError     = "rate_limit_error"
	TypeTimeout            = "timeout_error"
	TypeProviderError      = "provider_error"
	TypeTransport          = "transport_error"
	TypeServiceUnavailable = "service_unavailable"
	TypeServerError        = "server_error"
)

// APIError is the structured error returned to clients. Code is the HTTP
// status repeated in the body, per spec §6's literal error envelope
// `{error:{code:<int>,type,message}}`.
type (
	APIError struct {
		Code    int    `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given
// HTTP status; status is repeated verbatim as APIError.Code.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Code:    status,
		Type:    errType,
		Message: message,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps an upstream provider error to the gateway's
// external contract (§7: Upstream{code,message} → 502/429, Timeout → 504).
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error (§7 Timeout kind).
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeTimeout)
}

// WriteRateLimit writes a 429 rate limit error (§7 RateLimit kind).
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError)
}

// WriteContentFiltered writes a 403 content-filtered error (§7 ContentFiltered kind).
func WriteContentFiltered(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusForbidden, msg, TypeContentFiltered)
}

// WriteAuth writes a 401 authentication error (§7 Auth kind).
func WriteAuth(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuth)
}

// WriteServiceUnavailable writes a 503 error for cascade/breaker exhaustion
// (§7 ServiceUnavailable kind, §8 invariant 3).
func WriteServiceUnavailable(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, msg, TypeServiceUnavailable)
}

// PluginError is returned by a plugin hook to reject a request with a
// specific status and error kind. The proxy's writePluginRejection finds it
// with errors.As and writes Status, Message and Type through Write, so the
// client gets the standard error envelope with the plugin's own status.
type PluginError struct {
	Status  int
	Type    string
	Message string
}

func (e *PluginError) Error() string  { return e.Message }
func (e *PluginError) HTTPStatus() int { return e.Status }
