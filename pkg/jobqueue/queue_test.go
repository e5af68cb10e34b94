package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	q := New(rdb, "send", Options{Lease: time.Minute, PollInterval: 5 * time.Millisecond, MaxAttempts: 3}, nil)
	q.now = clk.Now
	return q, clk
}

func payload(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
}

func TestEnqueueBulk_IgnoresDuplicateIDs(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	jobs := []Job{
		{ID: "c1:0", Payload: payload(0), RunAt: clk.Now()},
		{ID: "c1:1", Payload: payload(1), RunAt: clk.Now().Add(2 * time.Minute)},
	}
	added, err := q.EnqueueBulk(ctx, jobs)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = q.EnqueueBulk(ctx, jobs)
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Delayed: 2, Due: 1, Active: 0, Dead: 0}, stats)
}

func TestEnqueueBulk_DoesNotRequeueActiveJob(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	jobs := []Job{{ID: "c1:0", Payload: payload(0), RunAt: clk.Now()}}
	_, err := q.EnqueueBulk(ctx, jobs)
	require.NoError(t, err)

	job, err := q.Pull(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "c1:0", job.ID)

	added, err := q.EnqueueBulk(ctx, jobs)
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	_, err = q.Pull(ctx, 0)
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestPull_RespectsDueTimeAndOrder(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	start := clk.Now()
	var jobs []Job
	for i := 0; i < 3; i++ {
		jobs = append(jobs, Job{ID: fmt.Sprintf("c1:%d", i), Payload: payload(i), RunAt: start.Add(time.Duration(i) * 2 * time.Minute)})
	}
	_, err := q.EnqueueBulk(ctx, jobs)
	require.NoError(t, err)

	job, err := q.Pull(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "c1:0", job.ID)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.JSONEq(t, `{"n":0}`, string(job.Payload))

	_, err = q.Pull(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoJob, "second job is not due yet")

	clk.Advance(4 * time.Minute)
	job, err = q.Pull(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "c1:1", job.ID)
	job, err = q.Pull(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "c1:2", job.ID)
}

func TestPull_HonorsContextCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Pull(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAckRescheduleRetryBury(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueBulk(ctx, []Job{
		{ID: "a", Payload: payload(1)},
		{ID: "b", Payload: payload(2)},
		{ID: "c", Payload: payload(3)},
		{ID: "d", Payload: payload(4)},
	})
	require.NoError(t, err)

	pulled := map[string]*Job{}
	for i := 0; i < 4; i++ {
		job, err := q.Pull(ctx, 0)
		require.NoError(t, err)
		pulled[job.ID] = job
	}

	require.NoError(t, q.Ack(ctx, pulled["a"]))
	require.NoError(t, q.Reschedule(ctx, pulled["b"], clk.Now().Add(time.Hour)))
	require.NoError(t, q.Retry(ctx, pulled["c"], errors.New("421 try later"), clk.Now().Add(30*time.Second)))
	require.NoError(t, q.Bury(ctx, pulled["d"], "550 rejected"))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Delayed: 2, Due: 0, Active: 0, Dead: 1}, stats)

	gone, err := q.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, gone)

	clk.Advance(31 * time.Second)
	job, err := q.Pull(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "c", job.ID)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "421 try later", job.LastError)

	dead, err := q.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "550 rejected", dead.LastError)

	clk.Advance(time.Hour)
	job, err = q.Pull(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "b", job.ID)
	assert.Equal(t, 0, job.Attempts, "reschedule does not consume an attempt")
}

func TestRecoverExpired(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueBulk(ctx, []Job{{ID: "a", Payload: payload(1)}})
	require.NoError(t, err)
	_, err = q.Pull(ctx, 0)
	require.NoError(t, err)

	n, err := q.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "lease still valid")

	clk.Advance(2 * time.Minute)
	n, err = q.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := q.Pull(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "a", job.ID)
}

func TestPull_ConcurrentWorkersGetDistinctJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	var jobs []Job
	for i := 0; i < 50; i++ {
		jobs = append(jobs, Job{ID: fmt.Sprintf("c:%d", i), Payload: payload(i)})
	}
	_, err := q.EnqueueBulk(ctx, jobs)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Pull(ctx, 0)
				if errors.Is(err, ErrNoJob) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
				assert.NoError(t, q.Ack(ctx, job))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestBackoff(t *testing.T) {
	b := Backoff{Base: 30 * time.Second, Max: 10 * time.Minute}
	assert.Equal(t, 30*time.Second, b.Duration(1))
	assert.Equal(t, 60*time.Second, b.Duration(2))
	assert.Equal(t, 120*time.Second, b.Duration(3))
	assert.Equal(t, 10*time.Minute, b.Duration(20))

	jittered := Backoff{Base: 100 * time.Second, Max: time.Hour, Jitter: 0.2}
	for i := 0; i < 100; i++ {
		d := jittered.Duration(1)
		assert.GreaterOrEqual(t, d, 80*time.Second)
		assert.LessOrEqual(t, d, 120*time.Second)
	}
}
