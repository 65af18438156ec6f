package proxy

import (
	"crypto/rand"
	"encoding/binary"
	"strings"
)

// StrategyKind identifies one RoutingStrategy variant.
type StrategyKind string

const (
	StrategySingle      StrategyKind = "single"
	StrategyFallback    StrategyKind = "fallback"
	StrategyLoadBalance StrategyKind = "load_balance"
	StrategyConditional StrategyKind = "conditional"
	StrategyABTesting   StrategyKind = "ab_testing"
)

// ConditionKind identifies one Conditional rule's match predicate.
type ConditionKind string

const (
	ConditionModelName   ConditionKind = "model_name"   // exact match
	ConditionModelPrefix ConditionKind = "model_prefix"  // prefix match
	ConditionHeader      ConditionKind = "header"        // key/value header match
	ConditionUserID      ConditionKind = "user_id"        // glob-free substring match
)

// ConditionalRule is one entry of a Conditional routing strategy: the first
// rule whose Condition matches RouteInput yields Provider as the primary
// candidate.
type ConditionalRule struct {
	Condition ConditionKind
	Key       string // header name, when Condition == ConditionHeader
	Value     string // match value (model name/prefix, header value, user id substring)
	Provider  string
	Weight    float64 // informational; does not affect candidate order
}

// RoutingStrategy is a tagged variant selecting how the router orders
// provider candidates for one request. Exactly one of the typed fields is
// meaningful, selected by Kind.
type RoutingStrategy struct {
	Kind      StrategyKind
	Providers []string          // declaration-order provider list (all kinds use this as the fallback pool)
	Weights   []float64         // LoadBalance: aligned 1:1 with Providers
	Rules     []ConditionalRule // Conditional
	Split     float64           // ABTesting: probability of selecting Providers[0] ("A")
}

// RouteInput carries the per-request facts a Conditional rule may match on.
type RouteInput struct {
	Model   string
	Headers map[string]string
	UserID  string
}

// NewFallbackStrategy builds the spec's simplest strategy: candidates are
// tried in declaration order. This is also what an empty/zero-value
// RoutingStrategy degrades to.
func NewFallbackStrategy(providers []string) RoutingStrategy {
	return RoutingStrategy{Kind: StrategyFallback, Providers: providers}
}

// NewSingleStrategy restricts the cascade to exactly one provider.
func NewSingleStrategy(provider string) RoutingStrategy {
	return RoutingStrategy{Kind: StrategySingle, Providers: []string{provider}}
}

// Candidates produces the ordered candidate list for one request. The
// result always contains each of s.Providers exactly once; only the order
// (and, for Single, the length) changes per strategy.
func (s RoutingStrategy) Candidates(in RouteInput) []string {
	switch s.Kind {
	case StrategySingle:
		if len(s.Providers) == 0 {
			return nil
		}
		return []string{s.Providers[0]}

	case StrategyLoadBalance:
		return s.loadBalanceCandidates()

	case StrategyConditional:
		return s.conditionalCandidates(in)

	case StrategyABTesting:
		return s.abTestingCandidates()

	case StrategyFallback:
		fallthrough
	default:
		return dedupOrdered(s.Providers)
	}
}

// loadBalanceCandidates draws one primary by weighted random selection
// (weights must align with s.Providers; non-positive or mismatched weights
// fall back to uniform selection), then appends the remaining providers in
// declaration order as fallbacks.
func (s RoutingStrategy) loadBalanceCandidates() []string {
	providers := dedupOrdered(s.Providers)
	if len(providers) == 0 {
		return nil
	}

	weights := s.Weights
	if len(weights) != len(s.Providers) || sumPositive(weights) <= 0 {
		weights = make([]float64, len(s.Providers))
		for i := range weights {
			weights[i] = 1
		}
	}

	primaryIdx := weightedPick(weights)
	primary := s.Providers[primaryIdx]

	return primaryFirst(providers, primary)
}

// conditionalCandidates evaluates rules in order; the first match yields
// the primary provider. Fallbacks are the declaration-order complement.
// With no match, behaves like Fallback over s.Providers.
func (s RoutingStrategy) conditionalCandidates(in RouteInput) []string {
	providers := dedupOrdered(s.Providers)

	for _, rule := range s.Rules {
		if ruleMatches(rule, in) {
			return primaryFirst(providers, rule.Provider)
		}
	}
	return providers
}

func ruleMatches(rule ConditionalRule, in RouteInput) bool {
	switch rule.Condition {
	case ConditionModelName:
		return in.Model == rule.Value
	case ConditionModelPrefix:
		return strings.HasPrefix(in.Model, rule.Value)
	case ConditionHeader:
		v, ok := in.Headers[rule.Key]
		return ok && v == rule.Value
	case ConditionUserID:
		return rule.Value != "" && strings.Contains(in.UserID, rule.Value)
	default:
		return false
	}
}

// abTestingCandidates picks Providers[0] ("A") with probability s.Split,
// else Providers[1] ("B"); the other becomes the sole fallback.
func (s RoutingStrategy) abTestingCandidates() []string {
	providers := dedupOrdered(s.Providers)
	if len(providers) < 2 {
		return providers
	}
	if randFloat64() < s.Split {
		return primaryFirst(providers, providers[0])
	}
	return primaryFirst(providers, providers[1])
}

// primaryFirst returns providers with primary moved to the front,
// preserving the relative order of everything else.
func primaryFirst(providers []string, primary string) []string {
	out := make([]string, 0, len(providers))
	out = append(out, primary)
	for _, p := range providers {
		if p != primary {
			out = append(out, p)
		}
	}
	return out
}

func dedupOrdered(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func sumPositive(ws []float64) float64 {
	var sum float64
	for _, w := range ws {
		if w > 0 {
			sum += w
		}
	}
	return sum
}

// weightedPick returns an index into weights chosen by weighted random
// draw. Non-positive weights are treated as zero probability; ties and an
// all-zero vector fall back to index 0, which keeps declaration order
// deterministic.
func weightedPick(weights []float64) int {
	total := sumPositive(weights)
	if total <= 0 {
		return 0
	}
	r := randFloat64() * total
	var acc float64
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		acc += w
		if r < acc {
			return i
		}
	}
	return len(weights) - 1
}

// randFloat64 returns a uniform value in [0,1) sourced from crypto/rand so
// weighted routing decisions are not predictable from a seeded PRNG.
func randFloat64() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / float64(1<<53)
}
