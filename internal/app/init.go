package app

import (
	"context"
	"fmt"
	"log/slog"

	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/costing"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/plugin"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured — an empty map is reported as an error here.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCacheWithLimit(ctx, a.cfg.Cache.MaxEntries)
		a.log.Info("cache backend: memory (in-process)", slog.Int("max_entries", a.cfg.Cache.MaxEntries))

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:             a.log,
		MaxRetries:         a.cfg.Failover.MaxRetries,
		ProviderTimeout:    a.cfg.Failover.ProviderTimeout,
		CacheTTL:           a.cfg.Cache.TTL,
		Metrics:            a.prom,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:   a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:       a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout:  a.cfg.CircuitBreaker.HalfOpenTimeout,
			HalfOpenMaxCalls: a.cfg.CircuitBreaker.HalfOpenMaxCalls,
		},
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, cacheImpl, cacheReady, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — per caller key, Redis-shared when available so the
	// budget holds across replicas, in-process otherwise.
	if a.cfg.RateLimit.RPMLimit > 0 {
		if a.rdb != nil {
			gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit, a.cfg.RateLimit.Burst))
			a.log.Info("rate limiting enabled", slog.String("backend", "redis"),
				slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit), slog.Int("burst", a.cfg.RateLimit.Burst))
		} else {
			gw.SetRateLimiters(ratelimit.NewMemoryRPMLimiter(a.cfg.RateLimit.RPMLimit, a.cfg.RateLimit.Burst))
			a.log.Info("rate limiting enabled", slog.String("backend", "memory"),
				slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit), slog.Int("burst", a.cfg.RateLimit.Burst))
		}
	}

	// Async request logger — not wired in the open-source build.
	// In the managed version this connects to ClickHouse for analytics.
	// Request metadata is still written via slog (see gateway.go logRequest).

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// Routing strategy — empty strategy keeps the declaration-order fallback.
	if a.cfg.Routing.Strategy != "" {
		gw.SetRoutingStrategy(proxy.RoutingStrategy{
			Kind:      proxy.StrategyKind(a.cfg.Routing.Strategy),
			Providers: a.cfg.Routing.Providers,
		})
		a.log.Info("routing strategy configured", slog.String("strategy", a.cfg.Routing.Strategy))
	}

	// Cost tracking — enabled independently of the plugin chain below so a
	// /v1/costs admin surface can query a.costTracker even with plugins off.
	if a.cfg.CostTracking.Enabled {
		tracker, err := costing.New(a.baseCtx, a.log, a.cfg.CostTracking.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("cost tracking: %w", err)
		}
		a.costTracker = tracker
		a.log.Info("cost tracking enabled", slog.Bool("clickhouse", a.cfg.CostTracking.ClickHouseDSN != ""))
	}

	// Plugin chain — before/after hooks around dispatch. Built even when no
	// individual plugin is enabled so future config toggles need no rewiring.
	plugins := []plugin.Plugin{
		plugin.NewAuthentication(a.cfg.Plugins.AuthEnabled, a.cfg.Plugins.AuthAllowedKeys),
		plugin.NewInputValidation(a.cfg.Plugins.InputValidationEnabled, a.cfg.Plugins.InputValidationMaxRequestSize),
		plugin.NewContentFilter(a.cfg.Plugins.ContentFilterEnabled, a.cfg.Plugins.ContentFilterMaxInputLength, a.cfg.Plugins.ContentFilterBlockedWords),
		plugin.NewLogging(a.log, a.cfg.Plugins.LoggingEnabled, a.cfg.Plugins.LoggingLogRequests, a.cfg.Plugins.LoggingLogResponses, a.cfg.Plugins.LoggingLogErrors),
		plugin.NewCostTracking(a.cfg.CostTracking.Enabled, a.costTracker),
	}
	gw.SetPlugins(plugin.NewChain(a.log, plugins...))

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
