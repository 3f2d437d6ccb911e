package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryGetWithinTTL(t *testing.T) {
	clock := newFakeClock()
	c := NewMemoryWithClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "google_product_feed", []byte("<rss/>"), 12*time.Hour))

	clock.Advance(12*time.Hour - time.Second)
	got, ok, err := c.Get(ctx, "google_product_feed")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("<rss/>"), got)
}

func TestMemoryExpiredIsAbsent(t *testing.T) {
	clock := newFakeClock()
	c := NewMemoryWithClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	clock.Advance(time.Minute)

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.Equal(t, 0, c.Len())
}

func TestMemoryNeverSetIsAbsent(t *testing.T) {
	c := NewMemory()

	_, ok, err := c.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryInvalidate(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Hour))
	require.NoError(t, c.Invalidate(ctx, "a"))
	require.NoError(t, c.Invalidate(ctx, "never-set"))

	_, ok, _ := c.Get(ctx, "a")
	assert.False(t, ok)

	got, ok, _ := c.Get(ctx, "b")
	assert.True(t, ok)
	assert.Equal(t, []byte("2"), got)
}

func TestMemoryKeysHaveIndependentTTL(t *testing.T) {
	clock := newFakeClock()
	c := NewMemoryWithClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "google_product_feed", []byte("p"), time.Hour))
	clock.Advance(30 * time.Minute)
	require.NoError(t, c.Set(ctx, "google_reviews_feed", []byte("r"), time.Hour))
	clock.Advance(45 * time.Minute)

	_, ok, _ := c.Get(ctx, "google_product_feed")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "google_reviews_feed")
	assert.True(t, ok)
}

func TestMemoryStoresCopies(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	value := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", value, time.Hour))
	value[0] = 'x'

	got, _, _ := c.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), got)

	got[1] = 'y'
	again, _, _ := c.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), again)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, _, err := Open(context.Background(), "memcached", nil, "")
	assert.Error(t, err)

	_, _, err = Open(context.Background(), DriverSQLite, nil, "")
	assert.Error(t, err)

	c, closer, err := Open(context.Background(), DriverMemory, nil, "")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, c)
	assert.NoError(t, closer.Close())
}
