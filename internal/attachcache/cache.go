package attachcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"campaignmailer/pkg/metrics"
)

// Loader 缓存未命中时从对象存储读取附件
type Loader func(ctx context.Context) ([]byte, error)

// Cache 附件内容的 cache-aside 缓存，key 为 attachment:<id>
type Cache struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

func New(rdb redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{rdb: rdb, ttl: ttl, logger: logger}
}

func key(id string) string {
	return "attachment:" + id
}

// Get 返回缓存的附件内容，未命中时 ok=false
func (c *Cache) Get(ctx context.Context, id string) ([]byte, bool, error) {
	data, err := c.rdb.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read attachment cache: %w", err)
	}
	return data, true, nil
}

// Populate 写入缓存，带固定过期时间
func (c *Cache) Populate(ctx context.Context, id string, data []byte) error {
	if err := c.rdb.Set(ctx, key(id), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to populate attachment cache: %w", err)
	}
	return nil
}

// Evict 删除缓存（附件被删除时）
func (c *Cache) Evict(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, key(id)).Err()
}

// Fetch cache-aside：命中直接返回，否则调用 loader 并回填；缓存故障时降级为直接读取
func (c *Cache) Fetch(ctx context.Context, id string, load Loader) ([]byte, error) {
	data, ok, err := c.Get(ctx, id)
	switch {
	case err != nil:
		metrics.IncrementAttachmentCache("error")
		c.logger.Warn("Attachment cache read failed, falling back to blob store",
			zap.String("attachment_id", id),
			zap.Error(err),
		)
	case ok:
		metrics.IncrementAttachmentCache("hit")
		return data, nil
	default:
		metrics.IncrementAttachmentCache("miss")
	}

	data, err = load(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.Populate(ctx, id, data); err != nil {
		c.logger.Warn("Failed to populate attachment cache",
			zap.String("attachment_id", id),
			zap.Error(err),
		)
	}
	return data, nil
}
