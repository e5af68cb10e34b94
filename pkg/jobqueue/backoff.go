package jobqueue

import (
	"math/rand/v2"
	"time"
)

// Backoff 指数退避，带 ±Jitter 比例的随机抖动
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Duration 第 attempt 次失败后的等待时间（attempt 从 1 开始）
func (b Backoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		delta := (rand.Float64()*2 - 1) * b.Jitter * float64(d)
		d += time.Duration(delta)
	}
	if d < 0 {
		d = 0
	}
	return d
}
