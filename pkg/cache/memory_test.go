package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_SetGet(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	c.Set(ctx, "key", []byte("value"), time.Minute)
	got, ok := c.Get(ctx, "key")
	require.True(t, ok)
	assert.Equal(t, []byte("value"), got)

	c.Set(ctx, "key", []byte("updated"), time.Minute)
	got, ok = c.Get(ctx, "key")
	require.True(t, ok)
	assert.Equal(t, []byte("updated"), got)
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "short", []byte("v"), 10*time.Millisecond)
	_, ok := c.Get(ctx, "short")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get(ctx, "short")
	assert.False(t, ok, "entry should expire after its ttl")

	c.Set(ctx, "forever", []byte("v"), 0)
	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get(ctx, "forever")
	assert.True(t, ok, "zero ttl should never expire")
}

func TestMemoryCache_Delete(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "key", []byte("v"), time.Minute)
	c.Delete(ctx, "key")
	_, ok := c.Get(ctx, "key")
	assert.False(t, ok)
}

func TestMemoryCache_DeletePattern(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "realtime-prices:BTCUSDT", []byte("1"), time.Minute)
	c.Set(ctx, "realtime-prices:ETHUSDT", []byte("2"), time.Minute)
	c.Set(ctx, "sentiment:BTCUSDT", []byte("3"), time.Minute)

	deleted := c.DeletePattern(ctx, "realtime-prices:*")
	assert.Equal(t, 2, deleted)

	_, ok := c.Get(ctx, "realtime-prices:BTCUSDT")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "sentiment:BTCUSDT")
	assert.True(t, ok, "non-matching keys should survive")
}
