package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/quotagate/internal/auth"
	"github.com/AlexKimmel/quotagate/internal/config"
	"github.com/AlexKimmel/quotagate/internal/gateway"
	"github.com/AlexKimmel/quotagate/internal/keyresolve"
	"github.com/AlexKimmel/quotagate/internal/obs"
	"github.com/AlexKimmel/quotagate/internal/proxy"
	"github.com/AlexKimmel/quotagate/internal/ratelimit"
	"github.com/AlexKimmel/quotagate/internal/routing"
	"github.com/AlexKimmel/quotagate/internal/stats"
)

const version = "v0.1.0"

const (
	statsQueueSize    = 4096
	statsWriteTimeout = 250 * time.Millisecond
)

// app is everything main needs to serve and shut down.
type app struct {
	handler  http.Handler
	limiters *ratelimit.Registry
	close    func()
}

func build(ctx context.Context, cfg *config.Root, logger zerolog.Logger, promReg *prometheus.Registry) (*app, error) {
	metrics := obs.NewMetrics(promReg)

	limiters, err := buildLimiters(cfg.RateLimit, logger, metrics)
	if err != nil {
		return nil, err
	}
	metrics.TrackBuckets(limiters)

	keys, err := buildKeyResolvers(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	router, err := routing.FromConfig(cfg.Routes)
	if err != nil {
		return nil, err
	}

	recorder, closeStats, err := buildStats(ctx, cfg.Stats, logger)
	if err != nil {
		return nil, err
	}

	pairs := map[string]string{} // secret -> keyID
	for _, k := range cfg.Auth.Keys {
		pairs[k.Secret] = k.ID
	}
	authStore := auth.NewStatic(cfg.Auth.Header, pairs, cfg.Auth.Required)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})
	mux.Handle("GET "+cfg.Observability.PrometheusPath, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.Handle("GET /ratelimit/config", gateway.LimiterConfig(limiters))
	mux.Handle("GET /ratelimit/stats", statsHandler(recorder))
	mux.Handle("GET /fallback/{service}", proxy.Fallback())
	mux.Handle("/", proxy.Handler(proxy.NewHTTPTransport()))

	skip := map[string]struct{}{
		"/health":                        {},
		"/version":                       {},
		cfg.Observability.PrometheusPath: {},
		"/ratelimit/config":              {},
		"/ratelimit/stats":               {},
		"/fallback/general":              {},
	}
	for _, rt := range router.Routes() {
		skip["/fallback/"+rt.ID] = struct{}{}
	}

	hook := gateway.Hooks(metrics.ObserveDecision)
	if recorder != nil {
		hook = gateway.Hooks(metrics.ObserveDecision, gateway.RecordStats(recorder, statsWriteTimeout))
	}

	handler := gateway.Chain(
		mux,
		obs.Logger(logger),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		gateway.RouteMatcher(router, skip),
		metrics.Middleware(skip),
		authStore.Middleware(skip),
		gateway.RateLimit(limiters, keys, skip, hook),
	)

	return &app{handler: handler, limiters: limiters, close: closeStats}, nil
}

func buildLimiters(rc config.RateLimit, logger zerolog.Logger, metrics *obs.Metrics) (*ratelimit.Registry, error) {
	limiters := make([]*ratelimit.Limiter, 0, len(rc.Limiters))
	for name, lc := range rc.Limiters {
		l, err := ratelimit.New(name, lc.Ratelimit(),
			ratelimit.WithLogger(logger),
			ratelimit.WithEvictHook(metrics.ObserveEviction),
		)
		if err != nil {
			return nil, err
		}
		limiters = append(limiters, l)
	}
	return ratelimit.NewRegistry(rc.Primary, limiters...)
}

func buildKeyResolvers(rc config.RateLimit) (*keyresolve.Set, error) {
	funcs := make(map[string]keyresolve.Func, len(rc.KeyResolvers))
	for name, spec := range rc.KeyResolvers {
		fn, err := keyresolve.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("key resolver %q: %w", name, err)
		}
		funcs[name] = fn
	}
	return keyresolve.NewSet(rc.PrimaryKeyResolver, funcs)
}

func buildStats(ctx context.Context, sc config.Stats, logger zerolog.Logger) (stats.Recorder, func(), error) {
	switch sc.Backend {
	case "memory":
		return stats.NewMemory(sc.TrackKeys), func() {}, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis stats ping %s: %w", sc.Redis.Addr, err)
		}
		logger.Info().Str("addr", sc.Redis.Addr).Msg("recording rate limit stats in redis")
		rec := stats.NewAsync(
			stats.NewRedis(rdb,
				stats.WithPrefix(sc.Redis.Prefix),
				stats.WithTTL(time.Duration(sc.Redis.TTLSeconds)*time.Second),
				stats.WithTrackKeys(sc.TrackKeys),
			),
			statsQueueSize, statsWriteTimeout, logger,
		)
		return rec, func() {
			rec.Close()
			if n := rec.Dropped(); n > 0 {
				logger.Warn().Int64("dropped", n).Msg("rate limit stats dropped under load")
			}
			_ = rdb.Close()
		}, nil
	default:
		return nil, func() {}, nil
	}
}

func statsHandler(rec stats.Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a, ok := rec.(*stats.Async); ok {
			rec = a.Unwrap()
		}
		var body any
		switch s := rec.(type) {
		case *stats.Memory:
			body = map[string]any{
				"total":      s.Total(),
				"by_limiter": s.ByLimiter(),
				"by_route":   s.ByRoute(),
			}
		case *stats.Redis:
			total, err := s.Totals(r.Context())
			if err != nil {
				writeJSONError(w, http.StatusServiceUnavailable, "stats_unavailable", "stats backend unavailable")
				return
			}
			body = map[string]any{"total": total}
		default:
			writeJSONError(w, http.StatusNotFound, "stats_disabled", "stats are disabled")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
}

func writeJSONError(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
