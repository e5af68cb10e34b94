package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State 表示熔断器状态
type State int

const (
	StateClosed   State = iota // 关闭：正常状态，允许请求通过
	StateOpen                  // 打开：熔断状态，直接拒绝请求
	StateHalfOpen              // 半开：尝试恢复，允许少量请求通过
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// 连续失败多少次后打开熔断器
	FailureThreshold int `yaml:"failure_threshold"`
	// 半开状态下成功多少次后关闭熔断器
	SuccessThreshold int `yaml:"success_threshold"`
	// 打开状态持续多久后进入半开状态
	Timeout time.Duration `yaml:"timeout"`
	// 半开状态下的最大并发请求数
	HalfOpenMaxRequests int `yaml:"half_open_max_requests"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// CircuitBreaker 熔断器
type CircuitBreaker struct {
	config Config
	now    func() time.Time

	// 状态变化回调（在锁内调用，不要阻塞）
	onStateChange func(from, to State)

	state         State
	failureCount  int
	successCount  int
	halfOpenCount int
	lastStateTime time.Time

	mu sync.Mutex
}

// NewCircuitBreaker 创建新的熔断器
func NewCircuitBreaker(config Config) *CircuitBreaker {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}
	return &CircuitBreaker{
		config:        config,
		now:           time.Now,
		state:         StateClosed,
		lastStateTime: time.Now(),
	}
}

// OnStateChange 注册状态变化回调
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute 执行函数，带熔断保护
// isFailure 为 nil 时所有错误都计为失败
func (cb *CircuitBreaker) Execute(fn func() error) error {
	return cb.ExecuteWith(fn, nil)
}

// ExecuteWith 执行函数；isFailure 决定哪些错误计入熔断（例如收件人被拒绝不应打开熔断器）
func (cb *CircuitBreaker) ExecuteWith(fn func() error, isFailure func(error) bool) error {
	cb.mu.Lock()
	cb.checkStateTransition()

	switch cb.state {
	case StateOpen:
		cb.mu.Unlock()
		return ErrCircuitBreakerOpen
	case StateHalfOpen:
		if cb.halfOpenCount >= cb.config.HalfOpenMaxRequests {
			cb.mu.Unlock()
			return ErrCircuitBreakerOpen
		}
		cb.halfOpenCount++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && (isFailure == nil || isFailure(err)) {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}

	return err
}

// checkStateTransition 检查并执行状态转换（调用方持有锁）
func (cb *CircuitBreaker) checkStateTransition() {
	now := cb.now()

	switch cb.state {
	case StateOpen:
		if now.Sub(cb.lastStateTime) >= cb.config.Timeout {
			cb.setState(StateHalfOpen, now)
			cb.halfOpenCount = 0
			cb.successCount = 0
		}
	case StateHalfOpen:
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.setState(StateClosed, now)
			cb.failureCount = 0
		}
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) setState(to State, now time.Time) {
	from := cb.state
	cb.state = to
	cb.lastStateTime = now
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failureCount++

	switch cb.state {
	case StateHalfOpen:
		// 半开状态下失败，立即打开
		cb.halfOpenCount = 0
		cb.setState(StateOpen, cb.now())
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.setState(StateOpen, cb.now())
		}
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.failureCount = 0

	if cb.state == StateHalfOpen {
		cb.successCount++
		cb.halfOpenCount--
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.setState(StateClosed, cb.now())
		}
	}
}

// GetState 获取当前状态（线程安全）
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.checkStateTransition()
	return cb.state
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed, cb.now())
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenCount = 0
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)
