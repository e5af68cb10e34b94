package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper 基于 SETNX 的消息去重，key 在 ttl 后过期
type Deduper struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// Seen 判断 handler+id 是否已经处理完成。redis 出错时返回 false，交给下游幂等写入兜底
func (d *Deduper) Seen(ctx context.Context, handler string, id string) bool {
	key := FormatDedupKey(handler, id)

	n, err := d.rdb.Exists(ctx, key).Result()
	if err != nil {
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("handler", handler),
			zap.String("id", id),
			zap.Error(err),
		)
		return false
	}

	if n > 0 {
		d.logger.Info("Skipped duplicated event",
			zap.String("handler", handler),
			zap.String("id", id),
			zap.String("dedup_key", key),
		)
		return true
	}
	return false
}

// MarkDone 在处理成功（或终态失败）之后写入标记。
// 处理中途崩溃不会留下标记，重投的消息会被重新处理。
func (d *Deduper) MarkDone(ctx context.Context, handler string, id string) error {
	return d.rdb.Set(ctx, FormatDedupKey(handler, id), 1, d.ttl).Err()
}

// FormatDedupKey formats a dedup key for a handler and id
func FormatDedupKey(handler string, id string) string {
	return fmt.Sprintf("dedup:%s:%s", handler, id)
}
