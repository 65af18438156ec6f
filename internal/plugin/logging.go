package plugin

import (
	"context"
	"log/slog"
)

// Logging emits structured request/response/error events through the
// gateway's slog.Logger. Each sub-event can be toggled independently.
type Logging struct {
	enabled       bool
	logRequests   bool
	logResponses  bool
	logErrors     bool
	log           *slog.Logger
}

// NewLogging builds a Logging plugin. A nil logger falls back to slog.Default().
func NewLogging(log *slog.Logger, enabled, logRequests, logResponses, logErrors bool) *Logging {
	if log == nil {
		log = slog.Default()
	}
	return &Logging{enabled: enabled, logRequests: logRequests, logResponses: logResponses, logErrors: logErrors, log: log}
}

func (l *Logging) Name() string  { return "logging" }
func (l *Logging) Enabled() bool { return l.enabled }

func (l *Logging) BeforeRequest(ctx context.Context, req *Request) error {
	if l.logRequests {
		l.log.InfoContext(ctx, "plugin_request",
			slog.String("path", req.Path),
			slog.String("model", req.Model),
		)
	}
	return nil
}

func (l *Logging) AfterResponse(ctx context.Context, resp *Response) error {
	if l.logResponses {
		l.log.InfoContext(ctx, "plugin_response",
			slog.String("provider", resp.Provider),
			slog.String("model", resp.Model),
			slog.Int("status", resp.StatusCode),
			slog.Int("input_tokens", resp.InputTokens),
			slog.Int("output_tokens", resp.OutputTokens),
		)
	}
	return nil
}

func (l *Logging) OnError(ctx context.Context, req *Request, err error) {
	if l.logErrors {
		l.log.ErrorContext(ctx, "plugin_request_failed",
			slog.String("path", req.Path),
			slog.String("error", err.Error()),
		)
	}
}
