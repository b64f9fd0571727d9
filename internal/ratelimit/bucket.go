package ratelimit

import (
	"math"
	"math/bits"
	"sync"
	"time"
)

// ConsumeResult is the outcome of a single TryConsume call.
type ConsumeResult struct {
	Consumed    bool
	Remaining   float64 // tokens left after the call, fractional part included
	NanosToWait int64   // 0 when consumed; math.MaxInt64 when n can never fit
}

// TokenBucket holds the quota of one key.
//
// Tokens are kept as a whole count plus a remainder expressed in
// 1/refillNanos of a token, so greedy refill is exact and never loses
// time to truncation.
type TokenBucket struct {
	capacity    int64
	refillNanos int64
	now         func() time.Time

	mu      sync.Mutex
	tokens  int64
	frac    int64 // in [0, refillNanos)
	last    time.Time
	evicted bool // removed from its store; callers must fetch a new bucket
}

// NewTokenBucket returns a full bucket. cfg must already be valid.
func NewTokenBucket(cfg Config, now func() time.Time) *TokenBucket {
	if now == nil {
		now = time.Now
	}
	return &TokenBucket{
		capacity:    cfg.Capacity,
		refillNanos: int64(cfg.RefillDuration),
		now:         now,
		tokens:      cfg.Capacity,
		last:        now(),
	}
}

// TryConsume refills the bucket for the time elapsed since the last call
// and takes n tokens if they are available. A bucket swept out of its
// store refuses every call with a zero result; BucketStore.Consume never
// hands one out.
func (b *TokenBucket) TryConsume(n int64) ConsumeResult {
	res, _ := b.consume(n)
	return res
}

// consume is TryConsume that reports false, without touching the bucket,
// once the bucket has been evicted from its store.
func (b *TokenBucket) consume(n int64) (ConsumeResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.evicted {
		return ConsumeResult{}, false
	}
	return b.take(n), true
}

// take must be called with b.mu held.
func (b *TokenBucket) take(n int64) ConsumeResult {
	b.refill(b.now())

	if n < 1 || n > b.capacity {
		return ConsumeResult{Remaining: b.remaining(), NanosToWait: math.MaxInt64}
	}
	if b.tokens >= n {
		b.tokens -= n
		return ConsumeResult{Consumed: true, Remaining: b.remaining()}
	}
	return ConsumeResult{Remaining: b.remaining(), NanosToWait: b.nanosUntil(n)}
}

// Capacity returns the maximum number of tokens the bucket holds.
func (b *TokenBucket) Capacity() int64 { return b.capacity }

// Snapshot reports the current token count and last refill instant
// without refilling or consuming.
func (b *TokenBucket) Snapshot() (tokens float64, lastRefill time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining(), b.last
}

// evictIfIdle marks the bucket evicted when it has not been refilled for
// at least maxIdle. The check and the mark happen under one lock so no
// consume can slip in between.
func (b *TokenBucket) evictIfIdle(now time.Time, maxIdle time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Sub(b.last) < maxIdle {
		return false
	}
	b.evicted = true
	return true
}

// refill must be called with b.mu held.
func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		// clock went backwards or no time passed: grant nothing and keep
		// last so the gap is not counted twice once the clock catches up
		return
	}
	b.last = now

	if b.tokens >= b.capacity {
		b.frac = 0
		return
	}
	if int64(elapsed) >= b.refillNanos {
		b.tokens, b.frac = b.capacity, 0
		return
	}

	// added = (elapsed*capacity + frac) / refillNanos, in 128 bits.
	// elapsed < refillNanos keeps the quotient below capacity+1.
	hi, lo := bits.Mul64(uint64(elapsed), uint64(b.capacity))
	var carry uint64
	lo, carry = bits.Add64(lo, uint64(b.frac), 0)
	hi += carry
	q, r := bits.Div64(hi, lo, uint64(b.refillNanos))

	b.tokens += int64(q)
	b.frac = int64(r)
	if b.tokens >= b.capacity {
		b.tokens, b.frac = b.capacity, 0
	}
}

// nanosUntil returns ceil(((n-tokens)*refillNanos - frac) / capacity).
// Requires tokens < n <= capacity and b.mu held.
func (b *TokenBucket) nanosUntil(n int64) int64 {
	hi, lo := bits.Mul64(uint64(n-b.tokens), uint64(b.refillNanos))
	var borrow, carry uint64
	lo, borrow = bits.Sub64(lo, uint64(b.frac), 0)
	hi -= borrow
	lo, carry = bits.Add64(lo, uint64(b.capacity-1), 0)
	hi += carry
	q, _ := bits.Div64(hi, lo, uint64(b.capacity))
	return int64(q)
}

func (b *TokenBucket) remaining() float64 {
	return float64(b.tokens) + float64(b.frac)/float64(b.refillNanos)
}
