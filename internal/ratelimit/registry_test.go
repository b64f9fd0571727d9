package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLimiter(t *testing.T, name string, capacity int64) *Limiter {
	t.Helper()
	l, err := New(name, Config{Capacity: capacity, RefillDuration: time.Second})
	require.NoError(t, err)
	return l
}

func TestRegistry_Get(t *testing.T) {
	def := mustLimiter(t, "default", 20)
	demo := mustLimiter(t, "demo-client", 50)

	reg, err := NewRegistry("default", def, demo)
	require.NoError(t, err)

	got, ok := reg.Get("")
	require.True(t, ok)
	assert.Same(t, def, got)

	got, ok = reg.Get("demo-client")
	require.True(t, ok)
	assert.Same(t, demo, got)

	_, ok = reg.Get("missing")
	assert.False(t, ok)

	assert.Same(t, def, reg.Primary())
	assert.Equal(t, []string{"default", "demo-client"}, reg.Names())
}

func TestRegistry_IndependentStores(t *testing.T) {
	reg, err := NewRegistry("default", mustLimiter(t, "default", 1), mustLimiter(t, "demo-client", 1))
	require.NoError(t, err)

	def, _ := reg.Get("default")
	demo, _ := reg.Get("demo-client")

	require.True(t, def.Decide("10.0.0.1").Allowed)
	require.False(t, def.Decide("10.0.0.1").Allowed)
	assert.True(t, demo.Decide("10.0.0.1").Allowed)
}

func TestNewRegistry_Errors(t *testing.T) {
	_, err := NewRegistry("default", mustLimiter(t, "default", 1), mustLimiter(t, "default", 2))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewRegistry("strict", mustLimiter(t, "default", 1))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}
