package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPacer_Range(t *testing.T) {
	p := Pacer{Min: 2 * time.Minute, Max: 5 * time.Minute}
	for i := 0; i < 200; i++ {
		d := p.Next()
		assert.GreaterOrEqual(t, d, 2*time.Minute)
		assert.LessOrEqual(t, d, 5*time.Minute)
	}
	assert.Equal(t, time.Minute, Pacer{Min: time.Minute, Max: time.Minute}.Next())
}

func TestPool_PacesAfterEachAttempt(t *testing.T) {
	h := newHarness(t, 50)
	h.enqueue(t, "c-1:0")
	h.enqueue(t, "c-1:1")

	pool := NewPool(h.worker, h.queue, Config{PoolSize: 1, PollTimeout: 50 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pauses []time.Duration
	pool.sleep = func(ctx context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		if len(pauses) == 2 {
			cancel()
		}
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}

	require.Len(t, pauses, 2)
	for _, d := range pauses {
		assert.GreaterOrEqual(t, d, 2*time.Minute)
		assert.LessOrEqual(t, d, 5*time.Minute)
	}
	assert.Equal(t, 2, h.recorder.sent)
}
