package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Registry holds the named limiters built at startup. One of them is the
// primary and serves requests that name no limiter.
type Registry struct {
	limiters map[string]*Limiter
	primary  string
}

func NewRegistry(primary string, limiters ...*Limiter) (*Registry, error) {
	r := &Registry{limiters: make(map[string]*Limiter, len(limiters)), primary: primary}
	for _, l := range limiters {
		if _, dup := r.limiters[l.Name()]; dup {
			return nil, fmt.Errorf("%w: duplicate limiter %q", ErrInvalidConfiguration, l.Name())
		}
		r.limiters[l.Name()] = l
	}
	if _, ok := r.limiters[primary]; !ok {
		return nil, fmt.Errorf("%w: primary limiter %q is not defined", ErrInvalidConfiguration, primary)
	}
	return r, nil
}

// Get returns the limiter called name, or the primary for "".
func (r *Registry) Get(name string) (*Limiter, bool) {
	if name == "" {
		name = r.primary
	}
	l, ok := r.limiters[name]
	return l, ok
}

func (r *Registry) Primary() *Limiter { return r.limiters[r.primary] }

// Names returns the limiter names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.limiters))
	for n := range r.limiters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StartJanitors starts an idle sweep on every limiter.
func (r *Registry) StartJanitors(ctx context.Context, every, maxIdle time.Duration) {
	for _, l := range r.limiters {
		l.StartJanitor(ctx, every, maxIdle)
	}
}
