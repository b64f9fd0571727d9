package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/quotagate/internal/keyresolve"
	"github.com/AlexKimmel/quotagate/internal/ratelimit"
	"github.com/AlexKimmel/quotagate/internal/routing"
	"github.com/AlexKimmel/quotagate/internal/stats"
)

// DecisionInfo describes one admission decision made by RateLimit.
type DecisionInfo struct {
	RouteID  string
	Limiter  string
	Key      string
	Decision ratelimit.Decision
}

// DecisionHook observes decisions after the headers are set. Hooks run
// on the request goroutine and must not block for long.
type DecisionHook func(r *http.Request, info DecisionInfo)

// Hooks runs every non-nil hook in order.
func Hooks(hs ...DecisionHook) DecisionHook {
	return func(r *http.Request, info DecisionInfo) {
		for _, h := range hs {
			if h != nil {
				h(r, info)
			}
		}
	}
}

// RateLimit asks the route's limiter for a decision on the route's key,
// puts the quota headers on every response and stops the chain with 429
// when the request is denied.
func RateLimit(
	reg *ratelimit.Registry,
	keys *keyresolve.Set,
	skipPaths map[string]struct{},
	onDecision DecisionHook,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			routeID := "unknown"
			var limiterName, resolverName string
			rt, hasRoute := routing.RouteFrom(r)
			if hasRoute {
				if rt.ID != "" {
					routeID = rt.ID
				}
				limiterName, resolverName = rt.Limiter, rt.KeyResolver
			}

			lim, ok := reg.Get(limiterName)
			if !ok {
				hlog.FromRequest(r).Error().Str("route", routeID).Str("limiter", limiterName).Msg("route names an unknown limiter")
				writeJSON(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
				return
			}
			resolve, ok := keys.Get(resolverName)
			if !ok {
				hlog.FromRequest(r).Error().Str("route", routeID).Str("key_resolver", resolverName).Msg("route names an unknown key resolver")
				writeJSON(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
				return
			}

			// a client's quota on a limiter is shared by every route using it
			key := resolve(r)
			dec := lim.Decide(key)
			for name, v := range dec.Headers() {
				w.Header().Set(name, v)
			}

			if onDecision != nil {
				onDecision(r, DecisionInfo{RouteID: routeID, Limiter: lim.Name(), Key: key, Decision: dec})
			}

			if !dec.Allowed {
				hlog.FromRequest(r).Debug().
					Str("route", routeID).
					Str("limiter", lim.Name()).
					Str("key", key).
					Int64("reset", dec.ResetUnixSec).
					Msg("rate limited")
				w.Header().Set("Retry-After", strconv.FormatInt(dec.RetryAfter(lim.Now()), 10))
				writeJSON(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RecordStats returns a hook that hands each decision to rec. Failures
// are logged and otherwise ignored.
func RecordStats(rec stats.Recorder, timeout time.Duration) DecisionHook {
	return func(r *http.Request, info DecisionInfo) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		err := rec.Record(ctx, stats.Event{
			Limiter: info.Limiter,
			Route:   info.RouteID,
			Key:     info.Key,
			Allowed: info.Decision.Allowed,
			Method:  r.Method,
			Path:    r.URL.Path,
			At:      time.Now(),
		})
		switch {
		case errors.Is(err, stats.ErrQueueFull):
			hlog.FromRequest(r).Debug().Str("limiter", info.Limiter).Msg("rate limit stats dropped")
		case err != nil:
			hlog.FromRequest(r).Warn().Err(err).Str("limiter", info.Limiter).Msg("record rate limit stats")
		}
	}
}
