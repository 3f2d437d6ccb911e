package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartystudio/smarty-google-feed-generator/app/database"
)

func newSQLiteCache(t *testing.T) (*SQLite, *fakeClock) {
	t.Helper()

	db, err := database.NewConnection(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, _, err = database.RunMigrations(db)
	require.NoError(t, err)

	clock := newFakeClock()
	c := NewSQLite(db)
	c.now = clock.Now
	return c, clock
}

func TestSQLiteGetWithinTTL(t *testing.T) {
	c, clock := newSQLiteCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "google_reviews_feed", []byte("<feed/>"), 12*time.Hour))
	clock.Advance(time.Hour)

	got, ok, err := c.Get(ctx, "google_reviews_feed")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("<feed/>"), got)
}

func TestSQLiteExpiredIsAbsentAndPurged(t *testing.T) {
	c, clock := newSQLiteCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	clock.Advance(2 * time.Minute)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	var count int
	require.NoError(t, c.db.QueryRow(`SELECT COUNT(*) FROM transients`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestSQLiteOverwriteAndInvalidate(t *testing.T) {
	c, _ := newSQLiteCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("old"), time.Hour))
	require.NoError(t, c.Set(ctx, "k", []byte("new"), time.Hour))

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("new"), got)

	require.NoError(t, c.Invalidate(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLitePurgeExpired(t *testing.T) {
	c, clock := newSQLiteCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "long", []byte("2"), time.Hour))
	clock.Advance(10 * time.Minute)

	n, err := c.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, _ := c.Get(ctx, "long")
	assert.True(t, ok)
}
