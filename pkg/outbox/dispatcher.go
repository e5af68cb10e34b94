package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"campaignmailer/pkg/trace"
)

// Publisher 是 Dispatcher 依赖的发布能力，*mq.Publisher 满足该接口
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// Dispatcher 负责从 outbox 中读取事件并发布到 MQ
type Dispatcher struct {
	repo       *Repository
	publisher  Publisher
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	batchSize  int
}

// NewDispatcher 创建新的 Dispatcher
func NewDispatcher(repo *Repository, publisher Publisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		repo:       repo,
		publisher:  publisher,
		logger:     logger,
		maxRetries: 5,
		interval:   time.Second,
		batchSize:  100,
	}
}

// WithMaxRetries 设置最大重试次数
func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	d.maxRetries = maxRetries
	return d
}

// WithInterval 设置扫描间隔
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	d.interval = interval
	return d
}

// WithBatchSize 设置批次大小
func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	d.batchSize = batchSize
	return d
}

// Start 启动 Dispatcher，阻塞直到 ctx 取消
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting Outbox Dispatcher",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox Dispatcher stopped")
			return
		case <-ticker.C:
			d.ProcessPendingEvents(ctx)
		}
	}
}

// ProcessPendingEvents 处理一批待发送的事件，返回发布成功的数量
func (d *Dispatcher) ProcessPendingEvents(ctx context.Context) int {
	events, err := d.repo.GetPendingEvents(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("Failed to get pending events", zap.Error(err))
		return 0
	}
	if len(events) == 0 {
		return 0
	}

	d.logger.Debug("Processing pending events", zap.Int("count", len(events)))

	published := 0
	for _, event := range events {
		if err := publishEvent(ctx, d.publisher, event); err != nil {
			d.logger.Error("Failed to publish event",
				zap.Int64("event_id", event.ID),
				zap.String("routing_key", event.RoutingKey),
				zap.Error(err),
			)
			if err := d.repo.MarkAsFailed(ctx, event.ID, d.maxRetries); err != nil {
				d.logger.Error("Failed to mark event as failed",
					zap.Int64("event_id", event.ID),
					zap.Error(err),
				)
			}
			continue
		}

		if err := d.repo.MarkAsSent(ctx, event.ID); err != nil {
			d.logger.Error("Failed to mark event as sent",
				zap.Int64("event_id", event.ID),
				zap.Error(err),
			)
			continue
		}
		published++
		d.logger.Debug("Event published successfully",
			zap.Int64("event_id", event.ID),
			zap.String("routing_key", event.RoutingKey),
			zap.String("aggregate_id", event.AggregateID),
		)
	}
	return published
}

// publishEvent 发布单个事件到 MQ，payload 中的 trace_id 会被带到消息头
func publishEvent(ctx context.Context, publisher Publisher, event *Event) error {
	if !json.Valid(event.Payload) {
		return fmt.Errorf("invalid payload for event %d", event.ID)
	}

	ctx = extractTraceIDFromPayload(ctx, event.Payload)
	if err := publisher.PublishWithContext(ctx, event.RoutingKey, event.Payload); err != nil {
		return fmt.Errorf("failed to publish to MQ: %w", err)
	}
	return nil
}

// extractTraceIDFromPayload 从 payload 中提取 trace_id（如果存在）
func extractTraceIDFromPayload(ctx context.Context, payload json.RawMessage) context.Context {
	var meta struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(payload, &meta); err != nil || meta.TraceID == "" {
		return ctx
	}
	return trace.WithContext(ctx, meta.TraceID)
}
