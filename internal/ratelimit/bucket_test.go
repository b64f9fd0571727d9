package ratelimit

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func drain(t *testing.T, b *TokenBucket) {
	t.Helper()
	for i := int64(0); i < b.Capacity(); i++ {
		require.True(t, b.TryConsume(1).Consumed, "token %d", i)
	}
	require.False(t, b.TryConsume(1).Consumed)
}

func TestTokenBucket_StartsFull(t *testing.T) {
	clk := newFakeClock()
	b := NewTokenBucket(Config{Capacity: 5, RefillDuration: time.Second}, clk.Now)

	tokens, last := b.Snapshot()
	assert.Equal(t, 5.0, tokens)
	assert.Equal(t, clk.Now(), last)
}

func TestTokenBucket_GreedyRefill(t *testing.T) {
	clk := newFakeClock()
	b := NewTokenBucket(Config{Capacity: 5, RefillDuration: time.Second}, clk.Now)
	drain(t, b)

	clk.Advance(time.Second)

	res := b.TryConsume(1)
	assert.True(t, res.Consumed)
	assert.Equal(t, 4.0, res.Remaining)
	assert.Zero(t, res.NanosToWait)
}

func TestTokenBucket_PartialRefillAndWait(t *testing.T) {
	clk := newFakeClock()
	b := NewTokenBucket(Config{Capacity: 20, RefillDuration: time.Second}, clk.Now)
	drain(t, b)

	// one token every 50ms
	clk.Advance(50 * time.Millisecond)
	res := b.TryConsume(1)
	require.True(t, res.Consumed)
	assert.Equal(t, 0.0, res.Remaining)

	clk.Advance(25 * time.Millisecond)
	res = b.TryConsume(1)
	assert.False(t, res.Consumed)
	assert.InDelta(t, 0.5, res.Remaining, 1e-9)
	assert.Equal(t, int64(25*time.Millisecond), res.NanosToWait)
}

func TestTokenBucket_NoTruncationStarvation(t *testing.T) {
	clk := newFakeClock()
	b := NewTokenBucket(Config{Capacity: 3, RefillDuration: time.Second}, clk.Now)
	drain(t, b)

	// each step is worth 0.3 tokens; only exact accounting reaches 3
	for i := 0; i < 10; i++ {
		clk.Advance(100 * time.Millisecond)
		b.TryConsume(4) // out of range, refills only
	}

	res := b.TryConsume(3)
	assert.True(t, res.Consumed)
	assert.Equal(t, 0.0, res.Remaining)
}

func TestTokenBucket_WaitRoundsUp(t *testing.T) {
	clk := newFakeClock()
	b := NewTokenBucket(Config{Capacity: 3, RefillDuration: time.Second}, clk.Now)
	drain(t, b)

	// 1e9/3 is not whole; the wait must cover the full token
	res := b.TryConsume(1)
	require.False(t, res.Consumed)
	assert.Equal(t, int64(333_333_334), res.NanosToWait)

	clk.Advance(time.Duration(res.NanosToWait))
	assert.True(t, b.TryConsume(1).Consumed)
}

func TestTokenBucket_CapacityBound(t *testing.T) {
	clk := newFakeClock()
	const capacity = 7
	b := NewTokenBucket(Config{Capacity: capacity, RefillDuration: 700 * time.Millisecond}, clk.Now)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		clk.Advance(time.Duration(rng.Int63n(int64(300 * time.Millisecond))))
		res := b.TryConsume(1 + rng.Int63n(capacity))
		require.GreaterOrEqual(t, res.Remaining, 0.0)
		require.LessOrEqual(t, res.Remaining, float64(capacity))
	}
}

func TestTokenBucket_LongIdleCapsAtCapacity(t *testing.T) {
	clk := newFakeClock()
	b := NewTokenBucket(Config{Capacity: 4, RefillDuration: time.Second}, clk.Now)
	b.TryConsume(2)

	clk.Advance(24 * 365 * time.Hour)

	res := b.TryConsume(1)
	assert.True(t, res.Consumed)
	assert.Equal(t, 3.0, res.Remaining)
}

func TestTokenBucket_BackwardClock(t *testing.T) {
	clk := newFakeClock()
	start := clk.Now()
	b := NewTokenBucket(Config{Capacity: 2, RefillDuration: time.Second}, clk.Now)
	drain(t, b)

	clk.Set(start.Add(-time.Hour))
	res := b.TryConsume(1)
	assert.False(t, res.Consumed)
	assert.Equal(t, 0.0, res.Remaining)

	// only time past the original instant counts
	clk.Set(start.Add(500 * time.Millisecond))
	res = b.TryConsume(1)
	assert.True(t, res.Consumed)
	assert.Equal(t, 0.0, res.Remaining)
}

func TestTokenBucket_OutOfRangeRequest(t *testing.T) {
	clk := newFakeClock()
	b := NewTokenBucket(Config{Capacity: 3, RefillDuration: time.Second}, clk.Now)

	for _, n := range []int64{0, -1, 4} {
		res := b.TryConsume(n)
		assert.False(t, res.Consumed, "n=%d", n)
		assert.Equal(t, int64(math.MaxInt64), res.NanosToWait, "n=%d", n)
		assert.Equal(t, 3.0, res.Remaining, "n=%d", n)
	}
}

func TestTokenBucket_LargeCapacityNoOverflow(t *testing.T) {
	clk := newFakeClock()
	b := NewTokenBucket(Config{Capacity: 1 << 40, RefillDuration: 24 * time.Hour}, clk.Now)

	require.True(t, b.TryConsume(1<<40).Consumed)
	clk.Advance(12 * time.Hour)

	res := b.TryConsume(1)
	assert.True(t, res.Consumed)
	assert.InDelta(t, float64(1<<39-1), res.Remaining, 1)
}

func TestTokenBucket_NoDoubleSpend(t *testing.T) {
	clk := newFakeClock()
	b := NewTokenBucket(Config{Capacity: 1, RefillDuration: time.Hour}, clk.Now)

	const workers = 64
	var (
		wg       sync.WaitGroup
		consumed atomic.Int64
		start    = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if b.TryConsume(1).Consumed {
				consumed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), consumed.Load())
}
