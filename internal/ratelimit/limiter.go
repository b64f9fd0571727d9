package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// ErrInvalidConfiguration is returned when a limiter is built from a
// non-positive capacity or refill duration.
var ErrInvalidConfiguration = errors.New("invalid rate limiter configuration")

const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderReset     = "X-RateLimit-Reset"
)

// Config is the capacity/refill pair of one named limiter.
type Config struct {
	Capacity       int64         // tokens granted per refill window
	RefillDuration time.Duration // time to refill Capacity tokens from empty
}

func (c Config) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfiguration, c.Capacity)
	}
	if c.RefillDuration <= 0 {
		return fmt.Errorf("%w: refill duration must be positive, got %s", ErrInvalidConfiguration, c.RefillDuration)
	}
	return nil
}

type Decision struct {
	Allowed      bool
	Limit        int64 // configured capacity
	Remaining    int64 // whole tokens left after this request
	ResetUnixSec int64 // epoch second at which the request could succeed
}

// Headers returns the quota headers that go on every response.
func (d Decision) Headers() map[string]string {
	return map[string]string{
		HeaderRemaining: strconv.FormatInt(d.Remaining, 10),
		HeaderLimit:     strconv.FormatInt(d.Limit, 10),
		HeaderReset:     strconv.FormatInt(d.ResetUnixSec, 10),
	}
}

// RetryAfter returns whole seconds from now until reset, at least 1.
func (d Decision) RetryAfter(now time.Time) int64 {
	if s := d.ResetUnixSec - now.Unix(); s > 1 {
		return s
	}
	return 1
}

// Limiter admits or rejects requests per key. It never blocks and holds
// no state beyond its own buckets.
type Limiter struct {
	name    string
	cfg     Config
	store   *BucketStore
	now     func() time.Time
	log     zerolog.Logger
	onEvict func(limiter string, n int)
}

// New builds a named limiter. It refuses invalid configuration.
func New(name string, cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("limiter %q: %w", name, err)
	}
	o := buildOptions(opts)
	return &Limiter{
		name:    name,
		cfg:     cfg,
		store:   newBucketStore(cfg, o),
		now:     o.now,
		log:     o.log.With().Str("limiter", name).Logger(),
		onEvict: o.onEvict,
	}, nil
}

func (l *Limiter) Name() string   { return l.name }
func (l *Limiter) Config() Config { return l.cfg }

// Now reads the limiter's clock.
func (l *Limiter) Now() time.Time { return l.now() }

// Buckets returns the number of keys currently tracked.
func (l *Limiter) Buckets() int { return l.store.Len() }

// Decide consumes one token for key if available. Denied calls still
// refill the bucket but never take a token.
func (l *Limiter) Decide(key string) Decision {
	res := l.store.Consume(key, 1)
	return Decision{
		Allowed:      res.Consumed,
		Limit:        l.cfg.Capacity,
		Remaining:    int64(math.Floor(res.Remaining)),
		ResetUnixSec: l.now().Unix() + ceilSeconds(res.NanosToWait),
	}
}

// Sweep evicts buckets idle for at least maxIdle.
func (l *Limiter) Sweep(maxIdle time.Duration) int {
	n := l.store.Sweep(maxIdle)
	if n > 0 {
		l.log.Debug().Int("evicted", n).Dur("max_idle", maxIdle).Msg("swept idle buckets")
		if l.onEvict != nil {
			l.onEvict(l.name, n)
		}
	}
	return n
}

// StartJanitor sweeps idle buckets every interval until ctx is done.
// It is a no-op when either duration is not positive.
func (l *Limiter) StartJanitor(ctx context.Context, every, maxIdle time.Duration) {
	if every <= 0 || maxIdle <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.Sweep(maxIdle)
			}
		}
	}()
}

func ceilSeconds(nanos int64) int64 {
	if nanos <= 0 {
		return 0
	}
	s := nanos / int64(time.Second)
	if nanos%int64(time.Second) != 0 {
		s++
	}
	return s
}
