// Package keyresolve turns a request into the string key its quota is
// tracked under. Resolvers are pure and total: when the preferred source
// is missing they fall back to a sentinel instead of failing.
package keyresolve

import (
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/AlexKimmel/quotagate/internal/auth"
	"github.com/AlexKimmel/quotagate/internal/ratelimit"
)

const (
	Anonymous = "anonymous"
	Unknown   = "unknown"

	HeaderForwardedFor = "X-Forwarded-For"
	HeaderUserID       = "X-User-ID"
)

// Func resolves the limiting key for a request.
type Func func(r *http.Request) string

// ClientIP prefers the first X-Forwarded-For entry and falls back to the
// host part of RemoteAddr.
func ClientIP() Func {
	return func(r *http.Request) string {
		if xff := r.Header.Get(HeaderForwardedFor); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		addr := strings.TrimSpace(r.RemoteAddr)
		if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
			return host
		}
		if addr != "" {
			return addr
		}
		return Unknown
	}
}

// Header uses the trimmed value of the named header, or Anonymous.
func Header(name string) Func {
	return func(r *http.Request) string {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			return v
		}
		return Anonymous
	}
}

// UserID keys on the caller supplied X-User-ID header.
func UserID() Func { return Header(HeaderUserID) }

// APIKey keys on the key id stored by the auth middleware.
func APIKey() Func {
	return func(r *http.Request) string {
		if id, ok := auth.KeyIDFrom(r.Context()); ok && id != "" {
			return id
		}
		return Anonymous
	}
}

// Parse builds a resolver from its config form:
//
//	ip              client address
//	user            X-User-ID header
//	api-key         authenticated key id
//	header:<Name>   any header
func Parse(spec string) (Func, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(spec), ":")
	switch kind {
	case "ip":
		return ClientIP(), nil
	case "user":
		return UserID(), nil
	case "api-key":
		return APIKey(), nil
	case "header":
		if arg = strings.TrimSpace(arg); arg == "" {
			return nil, fmt.Errorf("%w: key resolver %q needs a header name", ratelimit.ErrInvalidConfiguration, spec)
		}
		return Header(arg), nil
	default:
		return nil, fmt.Errorf("%w: unknown key resolver %q", ratelimit.ErrInvalidConfiguration, spec)
	}
}

// Set is a group of named resolvers with one primary.
type Set struct {
	funcs   map[string]Func
	primary string
}

func NewSet(primary string, funcs map[string]Func) (*Set, error) {
	if _, ok := funcs[primary]; !ok {
		return nil, fmt.Errorf("%w: primary key resolver %q is not defined", ratelimit.ErrInvalidConfiguration, primary)
	}
	cp := make(map[string]Func, len(funcs))
	for k, v := range funcs {
		cp[k] = v
	}
	return &Set{funcs: cp, primary: primary}, nil
}

// Get returns the resolver called name, or the primary for "".
func (s *Set) Get(name string) (Func, bool) {
	if name == "" {
		name = s.primary
	}
	fn, ok := s.funcs[name]
	return fn, ok
}

func (s *Set) Primary() Func { return s.funcs[s.primary] }

func (s *Set) Names() []string {
	names := make([]string, 0, len(s.funcs))
	for n := range s.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
