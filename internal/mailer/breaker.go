package mailer

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"campaignmailer/internal/apperr"
	"campaignmailer/pkg/circuitbreaker"
)

// BreakerTransport 熔断装饰器：只有临时性错误计入熔断，熔断打开时返回可重试错误
type BreakerTransport struct {
	next Transport
	cb   *circuitbreaker.CircuitBreaker
}

func NewBreakerTransport(next Transport, cfg circuitbreaker.Config, logger *zap.Logger) *BreakerTransport {
	cb := circuitbreaker.NewCircuitBreaker(cfg)
	cb.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warn("Mail transport circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	})
	return &BreakerTransport{next: next, cb: cb}
}

func (t *BreakerTransport) Send(ctx context.Context, msg *Message) error {
	err := t.cb.ExecuteWith(func() error {
		return t.next.Send(ctx, msg)
	}, countsAsFailure)

	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		return &apperr.SendError{Reason: "circuit open", Retryable: true, Err: err}
	}
	return err
}

// State 当前熔断状态
func (t *BreakerTransport) State() circuitbreaker.State {
	return t.cb.GetState()
}

func countsAsFailure(err error) bool {
	var sendErr *apperr.SendError
	if errors.As(err, &sendErr) {
		return sendErr.Retryable
	}
	return true
}
