package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RetryCounter 跨进程的重试计数；计数在第一次失败后 ttl 过期，
// 避免一个长期失败的 key 永远占着配额
type RetryCounter struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRetryCounter(rdb redis.UniversalClient, ttl time.Duration) *RetryCounter {
	return &RetryCounter{rdb: rdb, ttl: ttl}
}

// 只在第一次计数时设置过期时间
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// IncrementAndGet 记录一次失败并返回累计次数
func (r *RetryCounter) IncrementAndGet(ctx context.Context, key string) (int64, error) {
	n, err := incrScript.Run(ctx, r.rdb, []string{key}, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry count %s: %w", key, err)
	}
	return n, nil
}

// Reset 处理成功或放弃后清除计数
func (r *RetryCounter) Reset(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

// FormatRetryKey retry:<handler>:<id>
func FormatRetryKey(handler string, id string) string {
	return fmt.Sprintf("retry:%s:%s", handler, id)
}
