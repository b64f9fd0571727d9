package stats

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func events() []Event {
	at := time.Date(2026, 10, 19, 12, 34, 56, 0, time.UTC)
	return []Event{
		{Limiter: "default", Route: "users", Key: "10.0.0.1", Allowed: true, At: at},
		{Limiter: "default", Route: "users", Key: "10.0.0.1", Allowed: false, At: at},
		{Limiter: "demo-client", Route: "demo", Key: "bob", Allowed: true, At: at},
	}
}

func TestMemory_Record(t *testing.T) {
	m := NewMemory(true)
	for _, ev := range events() {
		require.NoError(t, m.Record(context.Background(), ev))
	}

	assert.Equal(t, Counters{Allowed: 2, Denied: 1}, m.Total())
	assert.Equal(t, map[string]Counters{
		"default":     {Allowed: 1, Denied: 1},
		"demo-client": {Allowed: 1},
	}, m.ByLimiter())
	assert.Equal(t, Counters{Allowed: 1, Denied: 1}, m.ByRoute()["users"])
	assert.Equal(t, Counters{Allowed: 1}, m.ByKey()["demo-client:bob"])
}

func TestMemory_KeysNotTrackedByDefault(t *testing.T) {
	m := NewMemory(false)
	require.NoError(t, m.Record(context.Background(), events()[0]))
	assert.Empty(t, m.ByKey())
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedis_Record(t *testing.T) {
	mr, rdb := newRedis(t)
	s := NewRedis(rdb, WithPrefix("qg:"), WithTTL(time.Hour), WithTrackKeys(true))

	ctx := context.Background()
	for _, ev := range events() {
		require.NoError(t, s.Record(ctx, ev))
	}

	assert.Equal(t, "2", mr.HGet("qg:total", "allowed"))
	assert.Equal(t, "1", mr.HGet("qg:total", "denied"))
	assert.Equal(t, "1", mr.HGet("qg:limiter", "default:denied"))
	assert.Equal(t, "1", mr.HGet("qg:limiter", "demo-client:allowed"))
	assert.Equal(t, "1", mr.HGet("qg:route", "users:allowed"))
	assert.Equal(t, "2", mr.HGet("qg:minute:202610191234", "allowed"))
	assert.Equal(t, time.Hour, mr.TTL("qg:minute:202610191234"))
	assert.Equal(t, "1", mr.HGet("qg:key:demo-client:bob", "allowed"))

	totals, err := s.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counters{Allowed: 2, Denied: 1}, totals)
}

func TestRedis_NoKeyTrackingByDefault(t *testing.T) {
	mr, rdb := newRedis(t)
	s := NewRedis(rdb)

	require.NoError(t, s.Record(context.Background(), events()[0]))

	assert.False(t, mr.Exists("quotagate:stats:key:default:10.0.0.1"))
	assert.Equal(t, "1", mr.HGet("quotagate:stats:total", "allowed"))
}

func TestRedis_RecordFailsWhenServerDown(t *testing.T) {
	mr, rdb := newRedis(t)
	s := NewRedis(rdb)
	mr.Close()

	err := s.Record(context.Background(), events()[0])
	assert.Error(t, err)
}
