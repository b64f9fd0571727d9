package config

import (
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/quotagate/internal/keyresolve"
	"github.com/AlexKimmel/quotagate/internal/ratelimit"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type APIKey struct {
	ID       string            `yaml:"id"`
	Secret   string            `yaml:"secret"`
	Metadata map[string]string `yaml:"metadata"`
}

type Auth struct {
	Header   string   `yaml:"header"`
	Required bool     `yaml:"required"`
	Keys     []APIKey `yaml:"keys"`
}

// maxSeconds is the largest second count a time.Duration can hold.
const maxSeconds = math.MaxInt64 / int64(time.Second)

// Limiter is one named capacity/refill pair.
type Limiter struct {
	Capacity              int64 `yaml:"capacity"`
	RefillDurationSeconds int64 `yaml:"refill_duration_seconds"`
}

func (l Limiter) Ratelimit() ratelimit.Config {
	return ratelimit.Config{
		Capacity:       l.Capacity,
		RefillDuration: time.Duration(l.RefillDurationSeconds) * time.Second,
	}
}

type RateLimit struct {
	Primary              string             `yaml:"primary"`
	Limiters             map[string]Limiter `yaml:"limiters"`
	PrimaryKeyResolver   string             `yaml:"primary_key_resolver"`
	KeyResolvers         map[string]string  `yaml:"key_resolvers"` // name -> "ip", "user", "header:X-Foo"...
	IdleTTLSeconds       int64              `yaml:"idle_ttl_seconds"`       // 0 keeps buckets forever
	SweepIntervalSeconds int64              `yaml:"sweep_interval_seconds"` // defaults to idle_ttl/2
}

func (r RateLimit) IdleTTL() time.Duration {
	return time.Duration(r.IdleTTLSeconds) * time.Second
}

func (r RateLimit) SweepInterval() time.Duration {
	if r.SweepIntervalSeconds > 0 {
		return time.Duration(r.SweepIntervalSeconds) * time.Second
	}
	return r.IdleTTL() / 2
}

type Redis struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	Prefix     string `yaml:"prefix"`
	TTLSeconds int64  `yaml:"ttl_seconds"`
}

type Stats struct {
	Backend   string `yaml:"backend"` // "none", "memory", "redis"
	TrackKeys bool   `yaml:"track_keys"`
	Redis     Redis  `yaml:"redis"`
}

type Routes struct {
	ID    string `yaml:"id"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		URL       string `yaml:"url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"upstream"`

	Limiter     string `yaml:"limiter"`      // empty -> primary limiter
	KeyResolver string `yaml:"key_resolver"` // empty -> primary key resolver
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	RateLimit     RateLimit     `yaml:"rate_limit"`
	Stats         Stats         `yaml:"stats"`
	Routes        []Routes      `yaml:"routes"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes YAML, fills defaults and validates.
func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Root) applyDefaults() {
	for i := range c.Routes {
		if c.Routes[i].Upstream.TimeoutMS <= 0 {
			c.Routes[i].Upstream.TimeoutMS = 3000
		}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.PrometheusPath == "" {
		c.Observability.PrometheusPath = "/metrics"
	}
	if c.Auth.Header == "" {
		c.Auth.Header = "X-API-Key"
	}

	rl := &c.RateLimit
	if len(rl.Limiters) == 0 {
		rl.Limiters = map[string]Limiter{
			"default":     {Capacity: 20, RefillDurationSeconds: 1},
			"demo-client": {Capacity: 50, RefillDurationSeconds: 1},
		}
	}
	if rl.Primary == "" {
		rl.Primary = "default"
	}
	if len(rl.KeyResolvers) == 0 {
		rl.KeyResolvers = map[string]string{
			"ip":   "ip",
			"user": "user",
		}
	}
	if rl.PrimaryKeyResolver == "" {
		rl.PrimaryKeyResolver = "ip"
	}

	if c.Stats.Backend == "" {
		c.Stats.Backend = "none"
	}
	if c.Stats.Redis.Addr == "" {
		c.Stats.Redis.Addr = "localhost:6379"
	}
	if c.Stats.Redis.TTLSeconds == 0 {
		c.Stats.Redis.TTLSeconds = 86400
	}
}

// Validate rejects quotas that cannot work and references to limiters or
// resolvers that do not exist.
func (c *Root) Validate() error {
	rl := c.RateLimit
	if _, ok := rl.Limiters[rl.Primary]; !ok {
		return fmt.Errorf("%w: primary limiter %q is not defined", ratelimit.ErrInvalidConfiguration, rl.Primary)
	}

	var longest time.Duration
	for _, name := range sortedKeys(rl.Limiters) {
		if secs := rl.Limiters[name].RefillDurationSeconds; secs > maxSeconds {
			return fmt.Errorf("%w: limiter %q: refill_duration_seconds %d exceeds %d",
				ratelimit.ErrInvalidConfiguration, name, secs, maxSeconds)
		}
		lc := rl.Limiters[name].Ratelimit()
		if err := lc.Validate(); err != nil {
			return fmt.Errorf("limiter %q: %w", name, err)
		}
		longest = max(longest, lc.RefillDuration)
	}

	if rl.IdleTTLSeconds < 0 || rl.IdleTTLSeconds > maxSeconds {
		return fmt.Errorf("%w: idle_ttl_seconds must be between 0 and %d", ratelimit.ErrInvalidConfiguration, maxSeconds)
	}
	if rl.SweepIntervalSeconds < 0 || rl.SweepIntervalSeconds > maxSeconds {
		return fmt.Errorf("%w: sweep_interval_seconds must be between 0 and %d", ratelimit.ErrInvalidConfiguration, maxSeconds)
	}
	// a bucket idle for a full refill window is full, so dropping it
	// cannot hand out extra tokens
	if ttl := rl.IdleTTL(); ttl > 0 && ttl < longest {
		return fmt.Errorf("%w: idle_ttl_seconds (%s) is shorter than the longest refill duration (%s)",
			ratelimit.ErrInvalidConfiguration, ttl, longest)
	}

	if _, ok := rl.KeyResolvers[rl.PrimaryKeyResolver]; !ok {
		return fmt.Errorf("%w: primary key resolver %q is not defined", ratelimit.ErrInvalidConfiguration, rl.PrimaryKeyResolver)
	}
	for _, name := range sortedKeys(rl.KeyResolvers) {
		if _, err := keyresolve.Parse(rl.KeyResolvers[name]); err != nil {
			return fmt.Errorf("key resolver %q: %w", name, err)
		}
	}

	for _, rt := range c.Routes {
		if rt.ID == "" {
			return fmt.Errorf("%w: route without id", ratelimit.ErrInvalidConfiguration)
		}
		if rt.Limiter != "" {
			if _, ok := rl.Limiters[rt.Limiter]; !ok {
				return fmt.Errorf("%w: route %q uses unknown limiter %q", ratelimit.ErrInvalidConfiguration, rt.ID, rt.Limiter)
			}
		}
		if rt.KeyResolver != "" {
			if _, ok := rl.KeyResolvers[rt.KeyResolver]; !ok {
				return fmt.Errorf("%w: route %q uses unknown key resolver %q", ratelimit.ErrInvalidConfiguration, rt.ID, rt.KeyResolver)
			}
		}
	}

	switch c.Stats.Backend {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("%w: unknown stats backend %q", ratelimit.ErrInvalidConfiguration, c.Stats.Backend)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
