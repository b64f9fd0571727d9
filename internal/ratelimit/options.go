package ratelimit

import (
	"time"

	"github.com/rs/zerolog"
)

type options struct {
	now     func() time.Time
	shards  int
	log     zerolog.Logger
	onEvict func(limiter string, n int)
}

// Option tunes a Limiter or BucketStore.
type Option func(*options)

// WithClock replaces time.Now. Tests use it to freeze or step time.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithShards sets the number of store shards, rounded up to a power of two.
func WithShards(n int) Option {
	return func(o *options) { o.shards = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithEvictHook is called after every sweep that removed buckets.
func WithEvictHook(fn func(limiter string, n int)) Option {
	return func(o *options) { o.onEvict = fn }
}

func buildOptions(opts []Option) options {
	o := options{
		now:    time.Now,
		shards: defaultShards,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
