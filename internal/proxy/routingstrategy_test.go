package proxy

import (
	"testing"
)

func TestRoutingStrategy_Single(t *testing.T) {
	s := NewSingleStrategy("openai")
	got := s.Candidates(RouteInput{})
	if len(got) != 1 || got[0] != "openai" {
		t.Fatalf("expected [openai], got %v", got)
	}
}

func TestRoutingStrategy_Fallback(t *testing.T) {
	s := NewFallbackStrategy([]string{"openai", "anthropic", "gemini"})
	got := s.Candidates(RouteInput{})
	want := []string{"openai", "anthropic", "gemini"}
	if !equalStrings(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestRoutingStrategy_LoadBalancePicksFromPool(t *testing.T) {
	s := RoutingStrategy{
		Kind:      StrategyLoadBalance,
		Providers: []string{"openai", "anthropic", "gemini"},
		Weights:   []float64{1, 1, 1},
	}
	for i := 0; i < 20; i++ {
		got := s.Candidates(RouteInput{})
		if len(got) != 3 {
			t.Fatalf("expected 3 candidates, got %v", got)
		}
		if !containsAll(got, s.Providers) {
			t.Fatalf("candidate list %v must contain every configured provider", got)
		}
	}
}

func TestRoutingStrategy_LoadBalanceZeroWeightNeverPrimary(t *testing.T) {
	s := RoutingStrategy{
		Kind:      StrategyLoadBalance,
		Providers: []string{"openai", "anthropic"},
		Weights:   []float64{1, 0},
	}
	for i := 0; i < 50; i++ {
		got := s.Candidates(RouteInput{})
		if got[0] != "openai" {
			t.Fatalf("zero-weight provider should never be primary, got order %v", got)
		}
	}
}

func TestRoutingStrategy_ConditionalModelPrefix(t *testing.T) {
	s := RoutingStrategy{
		Kind:      StrategyConditional,
		Providers: []string{"openai", "anthropic"},
		Rules: []ConditionalRule{
			{Condition: ConditionModelPrefix, Value: "claude-", Provider: "anthropic"},
		},
	}
	got := s.Candidates(RouteInput{Model: "claude-opus"})
	if got[0] != "anthropic" {
		t.Fatalf("expected anthropic primary for claude- model, got %v", got)
	}

	got = s.Candidates(RouteInput{Model: "gpt-4"})
	if got[0] != "openai" {
		t.Fatalf("expected declaration order when no rule matches, got %v", got)
	}
}

func TestRoutingStrategy_ConditionalHeader(t *testing.T) {
	s := RoutingStrategy{
		Kind:      StrategyConditional,
		Providers: []string{"openai", "anthropic"},
		Rules: []ConditionalRule{
			{Condition: ConditionHeader, Key: "x-route", Value: "canary", Provider: "anthropic"},
		},
	}
	got := s.Candidates(RouteInput{Headers: map[string]string{"x-route": "canary"}})
	if got[0] != "anthropic" {
		t.Fatalf("expected anthropic primary on matching header, got %v", got)
	}
}

func TestRoutingStrategy_ABTestingSplitZeroAlwaysB(t *testing.T) {
	s := RoutingStrategy{Kind: StrategyABTesting, Providers: []string{"a", "b"}, Split: 0}
	for i := 0; i < 20; i++ {
		got := s.Candidates(RouteInput{})
		if got[0] != "b" {
			t.Fatalf("split=0 should always pick b first, got %v", got)
		}
	}
}

func TestRoutingStrategy_ABTestingSplitOneAlwaysA(t *testing.T) {
	s := RoutingStrategy{Kind: StrategyABTesting, Providers: []string{"a", "b"}, Split: 1}
	for i := 0; i < 20; i++ {
		got := s.Candidates(RouteInput{})
		if got[0] != "a" {
			t.Fatalf("split=1 should always pick a first, got %v", got)
		}
	}
}

func TestRoutingStrategy_CandidatesNeverDuplicate(t *testing.T) {
	s := NewFallbackStrategy([]string{"openai", "openai", "anthropic"})
	got := s.Candidates(RouteInput{})
	if len(got) != 2 {
		t.Fatalf("expected dedup to [openai anthropic], got %v", got)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsAll(haystack, needles []string) bool {
	set := make(map[string]struct{}, len(haystack))
	for _, h := range haystack {
		set[h] = struct{}{}
	}
	for _, n := range needles {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}
