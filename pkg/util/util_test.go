package util

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignmailer/pkg/circuitbreaker"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
		errType   string
	}{
		{"nil", nil, false, ""},
		{"breaker open", circuitbreaker.ErrCircuitBreakerOpen, true, "circuit_open"},
		{"no rows", fmt.Errorf("find: %w", pgx.ErrNoRows), false, "record_not_found"},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false, "duplicate_key"},
		{"serialization", &pgconn.PgError{Code: "40001"}, true, "db_transient_error"},
		{"deadline", context.DeadlineExceeded, true, "timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"unknown", errors.New("boom"), false, "unknown_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			retryable, errType := IsRetryableError(tc.err)
			assert.Equal(t, tc.retryable, retryable)
			assert.Equal(t, tc.errType, errType)
		})
	}
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(1, 3, true))
	assert.True(t, ShouldRetry(3, 3, true))
	assert.False(t, ShouldRetry(4, 3, true))
	assert.False(t, ShouldRetry(1, 3, false))
}

func TestDeduper_MarkDone(t *testing.T) {
	mr, rdb := newTestRedis(t)
	d := NewDeduper(rdb, time.Minute, nil)
	ctx := context.Background()

	assert.False(t, d.Seen(ctx, "parse", "c1"))
	assert.False(t, d.Seen(ctx, "parse", "c1"), "checking alone never marks")

	require.NoError(t, d.MarkDone(ctx, "parse", "c1"))
	assert.True(t, d.Seen(ctx, "parse", "c1"))
	assert.False(t, d.Seen(ctx, "parse", "c2"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, d.Seen(ctx, "parse", "c1"))
}

func TestDeduper_RedisDownAllowsProcessing(t *testing.T) {
	mr, rdb := newTestRedis(t)
	d := NewDeduper(rdb, time.Minute, nil)
	mr.Close()

	assert.False(t, d.Seen(context.Background(), "parse", "c1"))
}

func TestRetryCounter(t *testing.T) {
	mr, rdb := newTestRedis(t)
	rc := NewRetryCounter(rdb, time.Hour)
	ctx := context.Background()
	key := FormatRetryKey("parse", "c1")

	n, err := rc.IncrementAndGet(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = rc.IncrementAndGet(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.True(t, mr.TTL(key) > 0)

	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "2", got)

	require.NoError(t, rc.Reset(ctx, key))
	assert.False(t, mr.Exists(key))
}
