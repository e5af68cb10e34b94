package attachcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, time.Hour, zap.NewNop()), mr
}

func TestFetch_OneBlobFetchWithinTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	fetches := 0
	load := func(context.Context) ([]byte, error) {
		fetches++
		return []byte("%PDF-1.4"), nil
	}

	for i := 0; i < 2; i++ {
		data, err := c.Fetch(ctx, "att-1", load)
		require.NoError(t, err)
		assert.Equal(t, []byte("%PDF-1.4"), data)
	}
	assert.Equal(t, 1, fetches)

	mr.FastForward(time.Hour + time.Second)
	_, err := c.Fetch(ctx, "att-1", load)
	require.NoError(t, err)
	assert.Equal(t, 2, fetches, "entry expired after TTL")
}

func TestFetch_LoaderErrorNotCached(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	boom := errors.New("NoSuchKey")

	_, err := c.Fetch(ctx, "att-2", func(context.Context) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("attachment:att-2"))
}

func TestFetch_RedisDownFallsBackToLoader(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	data, err := c.Fetch(context.Background(), "att-3", func(context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
}

func TestGetPopulateEvict(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Populate(ctx, "a", []byte("bytes")))
	assert.Equal(t, time.Hour, mr.TTL("attachment:a"))

	data, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("bytes"), data)

	require.NoError(t, c.Evict(ctx, "a"))
	_, ok, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}
