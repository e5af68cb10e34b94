package dispatch

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"campaignmailer/pkg/jobqueue"
)

// Config worker 池参数
type Config struct {
	PoolSize        int           `yaml:"pool_size"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	Lease           time.Duration `yaml:"lease"`
	MaxAttempts     int           `yaml:"max_attempts"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	PacingMin       time.Duration `yaml:"pacing_min"`
	PacingMax       time.Duration `yaml:"pacing_max"`
	RecoverInterval time.Duration `yaml:"recover_interval"`
}

// Backoff 重试退避策略，±20% 抖动
func (c Config) Backoff() jobqueue.Backoff {
	return jobqueue.Backoff{Base: c.BackoffBase, Max: c.BackoffMax, Jitter: 0.2}
}

// Pacer 每次发送尝试后的随机等待时间，范围 [Min, Max]
type Pacer struct {
	Min time.Duration
	Max time.Duration
}

func (p Pacer) Next() time.Duration {
	if p.Max <= p.Min {
		return p.Min
	}
	return p.Min + rand.N(p.Max-p.Min+1)
}

// Pool 固定数量的 goroutine，每个一次只处理一个任务
type Pool struct {
	worker      *Worker
	queue       JobQueue
	size        int
	pollTimeout time.Duration
	pacer       Pacer
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *zap.Logger
}

func NewPool(worker *Worker, queue JobQueue, cfg Config, logger *zap.Logger) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.PacingMin <= 0 && cfg.PacingMax <= 0 {
		cfg.PacingMin, cfg.PacingMax = 2*time.Minute, 5*time.Minute
	}
	return &Pool{
		worker:      worker,
		queue:       queue,
		size:        cfg.PoolSize,
		pollTimeout: cfg.PollTimeout,
		pacer:       Pacer{Min: cfg.PacingMin, Max: cfg.PacingMax},
		sleep:       sleepContext,
		logger:      logger,
	}
}

// Run 启动 worker，阻塞直到 ctx 取消且所有 worker 退出
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	p.logger.Info("Dispatch workers started", zap.Int("pool_size", p.size))
	wg.Wait()
	p.logger.Info("Dispatch workers stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.logger.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Pull(ctx, p.pollTimeout)
		if errors.Is(err, jobqueue.ErrNoJob) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Failed to pull send job", zap.Error(err))
			if p.sleep(ctx, p.pollTimeout) != nil {
				return
			}
			continue
		}

		// 任务处理不跟随 ctx 取消，避免发送中途被打断
		outcome, err := p.worker.Process(context.WithoutCancel(ctx), job)
		if err != nil {
			log.Error("Send job processing error",
				zap.String("job_id", job.ID),
				zap.String("outcome", string(outcome)),
				zap.Error(err),
			)
		}

		if outcome.Attempted() {
			if p.sleep(ctx, p.pacer.Next()) != nil {
				return
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
