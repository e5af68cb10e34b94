// Package jobqueue 是基于 Redis 的持久化延迟任务队列。
//
// 每个队列使用四个 key：
//
//	jobqueue:<name>:jobs     hash  id -> 任务 JSON
//	jobqueue:<name>:delayed  zset  id -> 到期时间 (ms)
//	jobqueue:<name>:active   zset  id -> 租约截止时间 (ms)
//	jobqueue:<name>:dead     zset  id -> 进入死信的时间 (ms)
//
// 任务被 Pull 后进入 active，租约过期未 Ack 的任务由 RecoverExpired 放回 delayed，
// 因此投递语义是 at-least-once，消费方需要按任务 id 幂等。
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNoJob Pull 在超时时间内没有拿到到期任务
var ErrNoJob = errors.New("no job available")

const enqueueChunk = 1000

// Job 队列中的一个任务
type Job struct {
	ID          string          `json:"id"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`

	// RunAt 仅在入队时使用：任务最早可被取出的时间
	RunAt time.Time `json:"-"`
}

// Stats 队列各状态的任务数
type Stats struct {
	Delayed int64 `json:"delayed"`
	Due     int64 `json:"due"`
	Active  int64 `json:"active"`
	Dead    int64 `json:"dead"`
}

// Options 队列参数
type Options struct {
	Lease        time.Duration // 任务被取出后的租约
	PollInterval time.Duration // 无任务时的轮询间隔
	MaxAttempts  int           // 任务未指定时的默认最大尝试次数
}

// Queue Redis 持久化队列
type Queue struct {
	rdb    redis.UniversalClient
	name   string
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	jobsKey    string
	delayedKey string
	activeKey  string
	deadKey    string
}

// New 创建队列
func New(rdb redis.UniversalClient, name string, opts Options, logger *zap.Logger) *Queue {
	if opts.Lease <= 0 {
		opts.Lease = 10 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := "jobqueue:" + name
	return &Queue{
		rdb:        rdb,
		name:       name,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		jobsKey:    prefix + ":jobs",
		delayedKey: prefix + ":delayed",
		activeKey:  prefix + ":active",
		deadKey:    prefix + ":dead",
	}
}

// Name 队列名
func (q *Queue) Name() string {
	return q.name
}

// 已存在的 id 不会被覆盖，也不会被重新放回 delayed
var enqueueScript = redis.NewScript(`
local added = 0
for i = 1, #ARGV, 3 do
  if redis.call('HSETNX', KEYS[1], ARGV[i], ARGV[i+1]) == 1 then
    redis.call('ZADD', KEYS[2], ARGV[i+2], ARGV[i])
    added = added + 1
  end
end
return added
`)

// EnqueueBulk 批量入队，返回新加入的任务数；重复 id 被忽略
func (q *Queue) EnqueueBulk(ctx context.Context, jobs []Job) (int, error) {
	now := q.now()
	total := 0
	for start := 0; start < len(jobs); start += enqueueChunk {
		end := min(start+enqueueChunk, len(jobs))

		args := make([]interface{}, 0, (end-start)*3)
		for i := start; i < end; i++ {
			job := jobs[i]
			if job.ID == "" {
				return total, fmt.Errorf("job at index %d has no id", i)
			}
			if job.MaxAttempts <= 0 {
				job.MaxAttempts = q.opts.MaxAttempts
			}
			job.EnqueuedAt = now
			job.Attempts = 0
			body, err := json.Marshal(job)
			if err != nil {
				return total, fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
			}
			runAt := job.RunAt
			if runAt.IsZero() || runAt.Before(now) {
				runAt = now
			}
			args = append(args, job.ID, body, runAt.UnixMilli())
		}

		added, err := enqueueScript.Run(ctx, q.rdb, []string{q.jobsKey, q.delayedKey}, args...).Int()
		if err != nil {
			return total, fmt.Errorf("failed to enqueue jobs: %w", err)
		}
		total += added
	}
	return total, nil
}

// 取出一个到期任务并登记租约
var pullScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local body = redis.call('HGET', KEYS[3], id)
if not body then
  return {id, ''}
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
return {id, body}
`)

// Pull 取出一个到期任务；timeout 内没有任务时返回 ErrNoJob
func (q *Queue) Pull(ctx context.Context, timeout time.Duration) (*Job, error) {
	deadline := q.now().Add(timeout)
	for {
		job, err := q.tryPull(ctx)
		if err != nil || job != nil {
			return job, err
		}

		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return nil, ErrNoJob
		}
		wait := min(q.opts.PollInterval, remaining)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *Queue) tryPull(ctx context.Context) (*Job, error) {
	for {
		now := q.now()
		res, err := pullScript.Run(ctx, q.rdb,
			[]string{q.delayedKey, q.activeKey, q.jobsKey},
			now.UnixMilli(), now.Add(q.opts.Lease).UnixMilli(),
		).StringSlice()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to pull job: %w", err)
		}
		if len(res) != 2 || res[1] == "" {
			// 数据已被删除的孤儿 id，继续取下一个
			q.logger.Warn("Dropped orphan job id", zap.String("queue", q.name), zap.Strings("result", res))
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.logger.Error("Burying undecodable job",
				zap.String("queue", q.name),
				zap.String("job_id", res[0]),
				zap.Error(err),
			)
			_ = q.Bury(ctx, &Job{ID: res[0]}, "undecodable: "+err.Error())
			continue
		}
		return &job, nil
	}
}

// Ack 任务完成，删除任务数据
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.activeKey, job.ID)
		pipe.HDel(ctx, q.jobsKey, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", job.ID, err)
	}
	return nil
}

// Reschedule 推迟任务到 at，不消耗尝试次数（例如配额不足）
func (q *Queue) Reschedule(ctx context.Context, job *Job, at time.Time) error {
	return q.moveToDelayed(ctx, job, at)
}

// Retry 记录一次失败并在 at 重新投递
func (q *Queue) Retry(ctx context.Context, job *Job, cause error, at time.Time) error {
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
	return q.moveToDelayed(ctx, job, at)
}

func (q *Queue) moveToDelayed(ctx context.Context, job *Job, at time.Time) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobsKey, job.ID, body)
		pipe.ZRem(ctx, q.activeKey, job.ID)
		pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(at.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reschedule job %s: %w", job.ID, err)
	}
	return nil
}

// Bury 任务永久失败，移入死信集合，数据保留用于排查
func (q *Queue) Bury(ctx context.Context, job *Job, reason string) error {
	job.LastError = reason
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobsKey, job.ID, body)
		pipe.ZRem(ctx, q.activeKey, job.ID)
		pipe.ZAdd(ctx, q.deadKey, redis.Z{Score: float64(q.now().UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to bury job %s: %w", job.ID, err)
	}
	return nil
}

// 租约过期的任务放回 delayed，立即到期
var recoverScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #ids
`)

// RecoverExpired 回收租约过期的任务（消费者崩溃），返回回收数量
func (q *Queue) RecoverExpired(ctx context.Context) (int, error) {
	n, err := recoverScript.Run(ctx, q.rdb,
		[]string{q.activeKey, q.delayedKey},
		q.now().UnixMilli(), 500,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to recover expired jobs: %w", err)
	}
	if n > 0 {
		q.logger.Warn("Recovered jobs with expired lease",
			zap.String("queue", q.name),
			zap.Int("count", n),
		)
	}
	return n, nil
}

// RunRecovery 周期性回收过期租约，阻塞直到 ctx 取消
func (q *Queue) RunRecovery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.RecoverExpired(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("Lease recovery failed", zap.String("queue", q.name), zap.Error(err))
			}
		}
	}
}

// Get 读取任务数据（含死信）
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	body, err := q.rdb.HGet(ctx, q.jobsKey, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Stats 返回队列统计
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	now := fmt.Sprintf("%d", q.now().UnixMilli())
	var delayed, due, active, dead *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		delayed = pipe.ZCard(ctx, q.delayedKey)
		due = pipe.ZCount(ctx, q.delayedKey, "-inf", now)
		active = pipe.ZCard(ctx, q.activeKey)
		dead = pipe.ZCard(ctx, q.deadKey)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return Stats{
		Delayed: delayed.Val(),
		Due:     due.Val(),
		Active:  active.Val(),
		Dead:    dead.Val(),
	}, nil
}
