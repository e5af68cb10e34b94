// Package quota 按用户限制每日发送量，窗口在固定的墙钟时间重置。
package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"campaignmailer/internal/model"
)

// Config 配额配置
type Config struct {
	DailyLimit  int64  `yaml:"daily_limit"`
	ResetHour   int    `yaml:"reset_hour"`
	ResetMinute int    `yaml:"reset_minute"`
	Timezone    string `yaml:"timezone"`
}

// Decision CheckAllowed 的结果
type Decision struct {
	Allowed          bool
	NextAllowedDelay time.Duration
	Count            int64
	// Window 预占名额所在窗口的起点，RecordSend / Release 必须传回同一个窗口
	Window time.Time
}

// Limiter Redis 实现的配额限制器，可跨进程共享
type Limiter struct {
	rdb redis.UniversalClient
	cfg Config
	loc *time.Location
	now func() time.Time
}

// INCR 后超过上限则回滚，保证并发下不会超发
var reserveScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return {0, n - 1}
end
return {1, n}
`)

var releaseScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

// NewLimiter 创建限制器
func NewLimiter(rdb redis.UniversalClient, cfg Config) (*Limiter, error) {
	if cfg.DailyLimit <= 0 {
		return nil, errors.New("quota daily_limit must be positive")
	}
	if cfg.ResetHour < 0 || cfg.ResetHour > 23 || cfg.ResetMinute < 0 || cfg.ResetMinute > 59 {
		return nil, fmt.Errorf("invalid quota reset time %02d:%02d", cfg.ResetHour, cfg.ResetMinute)
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid quota timezone %q: %w", tz, err)
	}
	return &Limiter{rdb: rdb, cfg: cfg, loc: loc, now: time.Now}, nil
}

// Window 返回包含 now 的窗口起点和下一个重置时间
func (l *Limiter) Window(now time.Time) (start, next time.Time) {
	local := now.In(l.loc)
	start = time.Date(local.Year(), local.Month(), local.Day(), l.cfg.ResetHour, l.cfg.ResetMinute, 0, 0, l.loc)
	if local.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start, start.AddDate(0, 0, 1)
}

func (l *Limiter) keys(userID string, now time.Time) (reserved, sent string, ttl time.Duration, next time.Time) {
	start, next := l.Window(now)
	reserved, sent = windowKeys(userID, start)
	return reserved, sent, next.Sub(now) + time.Hour, next
}

func windowKeys(userID string, start time.Time) (reserved, sent string) {
	base := fmt.Sprintf("quota:%s:%s", userID, start.Format("200601021504"))
	return base, base + ":sent"
}

// CheckAllowed 原子地预占一个发送名额；被拒绝时返回到下一个重置时间的等待时长
func (l *Limiter) CheckAllowed(ctx context.Context, userID string) (Decision, error) {
	now := l.now()
	key, _, ttl, next := l.keys(userID, now)
	start, _ := l.Window(now)

	res, err := reserveScript.Run(ctx, l.rdb, []string{key}, l.cfg.DailyLimit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to check quota: %w", err)
	}
	if res[0] == 1 {
		return Decision{Allowed: true, Count: res[1], Window: start}, nil
	}
	return Decision{Allowed: false, NextAllowedDelay: next.Sub(now), Count: res[1], Window: start}, nil
}

// RecordSend 确认 window 中预占的名额已被实际使用。
// 发送跨过重置时间时仍计入预占时的窗口。
func (l *Limiter) RecordSend(ctx context.Context, userID string, window time.Time) error {
	_, sentKey := windowKeys(userID, window)
	ttl := window.AddDate(0, 0, 1).Sub(l.now()) + time.Hour
	if ttl < time.Minute {
		ttl = time.Minute
	}
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, sentKey)
		pipe.PExpire(ctx, sentKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record send: %w", err)
	}
	return nil
}

// Release 把名额归还给预占时的窗口（发送失败），不会低于 0。
// 旧窗口的 key 过期后什么也不做，不会影响新窗口。
func (l *Limiter) Release(ctx context.Context, userID string, window time.Time) error {
	key, _ := windowKeys(userID, window)
	if err := releaseScript.Run(ctx, l.rdb, []string{key}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

// Usage 当前窗口的使用情况
func (l *Limiter) Usage(ctx context.Context, userID string) (model.Usage, error) {
	key, sentKey, _, next := l.keys(userID, l.now())

	vals, err := l.rdb.MGet(ctx, key, sentKey).Result()
	if err != nil {
		return model.Usage{}, fmt.Errorf("failed to read quota usage: %w", err)
	}
	reserved := parseCount(vals[0])
	sent := parseCount(vals[1])

	remaining := l.cfg.DailyLimit - reserved
	if remaining < 0 {
		remaining = 0
	}
	return model.Usage{
		Used:      sent,
		Reserved:  reserved,
		Limit:     l.cfg.DailyLimit,
		Remaining: remaining,
		ResetsAt:  next,
	}, nil
}

func parseCount(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
