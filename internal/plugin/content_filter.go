package plugin

import (
	"context"
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// ContentFilter rejects requests whose text fields exceed a configured
// length or contain a blocked word, mirroring the reference gateway's
// content_filtering plugin.
type ContentFilter struct {
	enabled         bool
	maxInputLength  int
	blockedWords    []string
}

// NewContentFilter builds a ContentFilter. maxInputLength <= 0 falls back to
// 10000; blockedWords is matched case-insensitively as a substring.
func NewContentFilter(enabled bool, maxInputLength int, blockedWords []string) *ContentFilter {
	if maxInputLength <= 0 {
		maxInputLength = 10000
	}
	return &ContentFilter{enabled: enabled, maxInputLength: maxInputLength, blockedWords: blockedWords}
}

func (f *ContentFilter) Name() string   { return "content_filter" }
func (f *ContentFilter) Enabled() bool  { return f.enabled }

func (f *ContentFilter) BeforeRequest(_ context.Context, req *Request) error {
	for _, text := range req.Texts {
		if len(text) > f.maxInputLength {
			return &apierr.PluginError{
				Status:  400,
				Type:    apierr.TypeInvalidRequest,
				Message: fmt.Sprintf("input too long: %d characters (max %d)", len(text), f.maxInputLength),
			}
		}
		lower := strings.ToLower(text)
		for _, w := range f.blockedWords {
			if w == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(w)) {
				return &apierr.PluginError{
					Status:  403,
					Type:    apierr.TypeContentFiltered,
					Message: fmt.Sprintf("content contains blocked word: %s", w),
				}
			}
		}
	}
	return nil
}

func (f *ContentFilter) AfterResponse(context.Context, *Response) error { return nil }
func (f *ContentFilter) OnError(context.Context, *Request, error)       {}
