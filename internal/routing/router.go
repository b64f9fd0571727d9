package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AlexKimmel/quotagate/internal/config"
)

type Route struct {
	ID      string
	Methods map[string]struct{} // empty matches every method
	Prefix  string
	UpUrl   *url.URL
	Timeout time.Duration

	Limiter     string // named limiter, "" for the primary
	KeyResolver string // named key resolver, "" for the primary
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

// FromConfig builds a router from the configured routes in order.
func FromConfig(routes []config.Routes) (*Router, error) {
	r := New()
	for _, rc := range routes {
		up, err := url.Parse(rc.Upstream.URL)
		if err != nil || up.Scheme == "" || up.Host == "" {
			return nil, fmt.Errorf("route %q: invalid upstream url %q", rc.ID, rc.Upstream.URL)
		}
		methods := make(map[string]struct{}, len(rc.Match.Methods))
		for _, m := range rc.Match.Methods {
			methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
		}
		r.Add(&Route{
			ID:          rc.ID,
			Methods:     methods,
			Prefix:      rc.Match.PathPrefix,
			UpUrl:       up,
			Timeout:     time.Duration(rc.Upstream.TimeoutMS) * time.Millisecond,
			Limiter:     rc.Limiter,
			KeyResolver: rc.KeyResolver,
		})
	}
	return r, nil
}

func (r *Router) Add(rt *Route) {
	r.routes = append(r.routes, rt)
}

func (r *Router) Routes() []*Route {
	return r.routes
}

// Match returns the first route whose method set and path prefix fit.
func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if len(rt.Methods) > 0 {
			if _, ok := rt.Methods[m]; !ok {
				continue
			}
		}
		prefix := strings.TrimSuffix(strings.TrimSpace(rt.Prefix), "/")
		if prefix == "" {
			return rt, true
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

// --- context helpers ---
type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	rt, ok := r.Context().Value(keyRoute).(*Route)
	return rt, ok && rt != nil
}
