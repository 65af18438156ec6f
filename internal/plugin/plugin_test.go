package plugin

import (
	"context"
	"errors"
	"testing"
)

type recorder struct {
	name     string
	enabled  bool
	before   func(*Request) error
	errSeen  error
	afterSeen *Response
}

func (r *recorder) Name() string  { return r.name }
func (r *recorder) Enabled() bool { return r.enabled }
func (r *recorder) BeforeRequest(_ context.Context, req *Request) error {
	if r.before != nil {
		return r.before(req)
	}
	return nil
}
func (r *recorder) AfterResponse(_ context.Context, resp *Response) error {
	r.afterSeen = resp
	return nil
}
func (r *recorder) OnError(_ context.Context, _ *Request, err error) {
	r.errSeen = err
}

func TestChain_BeforeRequestStopsAtFirstError(t *testing.T) {
	boom := errors.New("rejected")
	first := &recorder{name: "first", enabled: true}
	second := &recorder{name: "second", enabled: true, before: func(*Request) error { return boom }}
	third := &recorder{name: "third", enabled: true}

	c := NewChain(nil, first, second, third)
	err := c.BeforeRequest(context.Background(), &Request{})
	if err != boom {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if first.errSeen != boom || second.errSeen != boom {
		t.Error("plugins already invoked (first, second) should observe OnError")
	}
	if third.errSeen != nil {
		t.Error("third's BeforeRequest never ran for this request, so it should not observe OnError")
	}
}

func TestChain_DisabledPluginSkipped(t *testing.T) {
	called := false
	disabled := &recorder{name: "disabled", enabled: false, before: func(*Request) error {
		called = true
		return nil
	}}
	c := NewChain(nil, disabled)
	if err := c.BeforeRequest(context.Background(), &Request{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("disabled plugin's BeforeRequest should not run")
	}
}

func TestChain_AfterResponseRunsAll(t *testing.T) {
	a := &recorder{name: "a", enabled: true}
	b := &recorder{name: "b", enabled: true}
	c := NewChain(nil, a, b)
	resp := &Response{Provider: "openai"}
	c.AfterResponse(context.Background(), resp)
	if a.afterSeen != resp || b.afterSeen != resp {
		t.Error("expected both plugins to observe the response")
	}
}

func TestContentFilter_RejectsBlockedWord(t *testing.T) {
	f := NewContentFilter(true, 0, []string{"forbidden"})
	err := f.BeforeRequest(context.Background(), &Request{Texts: []string{"this has a forbidden term"}})
	if err == nil {
		t.Fatal("expected rejection")
	}
}

func TestContentFilter_RejectsOversizedInput(t *testing.T) {
	f := NewContentFilter(true, 10, nil)
	err := f.BeforeRequest(context.Background(), &Request{Texts: []string{"this text is way too long"}})
	if err == nil {
		t.Fatal("expected rejection for oversized input")
	}
}

func TestContentFilter_AllowsCleanInput(t *testing.T) {
	f := NewContentFilter(true, 0, []string{"forbidden"})
	if err := f.BeforeRequest(context.Background(), &Request{Texts: []string{"hello world"}}); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestAuthentication_NoAllowlistAllowsAll(t *testing.T) {
	a := NewAuthentication(true, nil)
	if err := a.BeforeRequest(context.Background(), &Request{}); err != nil {
		t.Fatalf("expected no enforcement with empty allowlist, got %v", err)
	}
}

func TestAuthentication_RejectsUnknownKey(t *testing.T) {
	a := NewAuthentication(true, []string{"sk-valid"})
	err := a.BeforeRequest(context.Background(), &Request{Headers: map[string]string{"authorization": "sk-wrong"}})
	if err == nil {
		t.Fatal("expected rejection for unrecognized key")
	}
}

// The scheme prefix ("Bearer "/"ApiKey ") is stripped by the caller
// (internal/proxy.parseAuthToken) before Headers["authorization"] ever
// reaches this plugin, so it only ever sees the bare key here.
func TestAuthentication_AcceptsBareKeyMatchingAllowlist(t *testing.T) {
	a := NewAuthentication(true, []string{"sk-ultrafast-gateway-key"})
	err := a.BeforeRequest(context.Background(), &Request{Headers: map[string]string{"authorization": "sk-ultrafast-gateway-key"}})
	if err != nil {
		t.Fatalf("expected allowlisted key to be accepted, got %v", err)
	}
}

func TestInputValidation_RejectsOversizedBody(t *testing.T) {
	v := NewInputValidation(true, 100)
	err := v.BeforeRequest(context.Background(), &Request{ContentLength: 1000})
	if err == nil {
		t.Fatal("expected rejection")
	}
}
