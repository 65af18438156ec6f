// Package reqctx defines the per-request context threaded through the
// plugin chain and the router. It is created once at pipeline entry and
// carried, read-only except for WithMetadata, until the response completes.
package reqctx

import (
	"time"

	"github.com/google/uuid"
)

// Context binds one inbound HTTP request to a stable identity and a bag of
// metadata set through WithMetadata. The router and the built-in plugins do
// not add entries to it; the serving provider is not recorded here.
type Context struct {
	RequestID uuid.UUID
	UserID    string
	APIKeyID  string
	StartTime time.Time
	metadata  map[string]string
}

// New creates a Context with a fresh request ID and the current time.
func New() *Context {
	return &Context{
		RequestID: uuid.New(),
		StartTime: time.Now(),
		metadata:  make(map[string]string),
	}
}

// WithMetadata returns a copy of c with key=value merged into its metadata.
// The receiver is never mutated — callers that need to keep accumulating
// metadata must reassign the returned value.
func (c *Context) WithMetadata(key, value string) *Context {
	if c == nil {
		c = New()
	}
	cp := *c
	cp.metadata = make(map[string]string, len(c.metadata)+1)
	for k, v := range c.metadata {
		cp.metadata[k] = v
	}
	cp.metadata[key] = value
	return &cp
}

// Metadata returns the value stored under key, and whether it was present.
func (c *Context) Metadata(key string) (string, bool) {
	if c == nil || c.metadata == nil {
		return "", false
	}
	v, ok := c.metadata[key]
	return v, ok
}

// Elapsed returns the time since the context was created.
func (c *Context) Elapsed() time.Duration {
	if c == nil {
		return 0
	}
	return time.Since(c.StartTime)
}
