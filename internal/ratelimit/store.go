package ratelimit

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 64

// BucketStore maps keys to buckets. Keys are spread over independently
// locked shards so unrelated keys do not contend on one mutex.
type BucketStore struct {
	cfg    Config
	now    func() time.Time
	shards []storeShard
	mask   uint64
}

type storeShard struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
}

// NewBucketStore builds an empty store whose buckets all use cfg.
func NewBucketStore(cfg Config, opts ...Option) (*BucketStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return newBucketStore(cfg, o), nil
}

func newBucketStore(cfg Config, o options) *BucketStore {
	n := nextPow2(o.shards)
	s := &BucketStore{
		cfg:    cfg,
		now:    o.now,
		shards: make([]storeShard, n),
		mask:   uint64(n - 1),
	}
	for i := range s.shards {
		s.shards[i].buckets = make(map[string]*TokenBucket)
	}
	return s
}

// GetOrCreate returns the bucket for key, creating it on first use.
// Concurrent first calls for the same key construct exactly one bucket.
func (s *BucketStore) GetOrCreate(key string) *TokenBucket {
	sh := s.shard(key)

	sh.mu.RLock()
	b, ok := sh.buckets[key]
	sh.mu.RUnlock()
	if ok {
		return b
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if b, ok := sh.buckets[key]; ok {
		return b
	}
	b = NewTokenBucket(s.cfg, s.now)
	sh.buckets[key] = b
	return b
}

// Consume takes n tokens from the bucket for key. A bucket swept between
// lookup and consume is never used; the call moves on to its replacement.
func (s *BucketStore) Consume(key string, n int64) ConsumeResult {
	for {
		if res, ok := s.GetOrCreate(key).consume(n); ok {
			return res
		}
	}
}

// Len returns the number of buckets currently held.
func (s *BucketStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.buckets)
		sh.mu.RUnlock()
	}
	return n
}

// Sweep drops buckets that have not been refilled for at least maxIdle
// and returns how many were removed. maxIdle <= 0 disables it.
func (s *BucketStore) Sweep(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	now := s.now()
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, b := range sh.buckets {
			if b.evictIfIdle(now, maxIdle) {
				delete(sh.buckets, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *BucketStore) shard(key string) *storeShard {
	return &s.shards[xxhash.Sum64String(key)&s.mask]
}

func nextPow2(n int) int {
	if n < 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
