package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"campaignmailer/pkg/metrics"
	"campaignmailer/pkg/otel"
	"campaignmailer/pkg/trace"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

type Consumer struct {
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	tag        string
	handler    MessageHandler
	conn       *amqp091.Connection
	logger     *zap.Logger
	stopOnce   sync.Once
}

// NewConsumer creates a consumer for a specific routing key.
// prefetch 控制每个消费者同时持有的未确认消息数
func NewConsumer(url, queueName, routingKey string, prefetch int, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	fail := func(err error) (*Consumer, error) {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if err := DeclareExchange(ch); err != nil {
		return fail(fmt.Errorf("failed to declare exchange: %w", err))
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fail(fmt.Errorf("failed to set qos: %w", err))
		}
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fail(fmt.Errorf("failed to declare queue: %w", err))
	}

	err = ch.QueueBind(
		q.Name,
		routingKey,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		return fail(fmt.Errorf("failed to bind queue: %w", err))
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		tag:        queueName + "-consumer",
		logger:     logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// Stop 停止投递；正在处理的消息会完成 ack/nack 后 StartConsuming 返回
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		if c.channel != nil {
			if err := c.channel.Cancel(c.tag, false); err != nil {
				c.logger.Warn("Failed to cancel consumer", zap.Error(err))
			}
		}
	})
}

func (c *Consumer) Close() {
	c.Stop()
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming starts consuming messages. This method blocks and should be called in a goroutine.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		c.tag,
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	// 保证每条消息都会被 ack 或 nack
	for msg := range deliveries {
		c.handle(ctx, msg)
	}

	c.logger.Info("Consumer stopped",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)
	return nil
}

func (c *Consumer) handle(parent context.Context, msg amqp091.Delivery) {
	start := time.Now()
	defer func() {
		metrics.RecordMQConsumeLatency(c.routingKey, c.queue.Name, time.Since(start))
	}()

	// 从消息头恢复 trace context
	ctx := otel.GetTextMapPropagator().Extract(parent, otel.NewMQHeaderCarrier(msg.Headers))
	traceID, _ := msg.Headers["trace_id"].(string)
	ctx = trace.Ensure(ctx, traceID)

	ctx, span := otel.MQConsumeSpan(ctx, c.routingKey, c.queue.Name)
	defer span.End()

	c.logger.Debug("Received message",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
		zap.Int("message_size", len(msg.Body)),
		zap.String("trace_id", trace.FromContext(ctx)),
	)

	// Panic 恢复：确保即使 handler panic 也能正确处理消息
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered",
				zap.String("routing_key", c.routingKey),
				zap.String("queue", c.queue.Name),
				zap.Any("panic", r),
			)
			if err := msg.Nack(false, true); err != nil {
				c.logger.Error("Failed to nack message after panic",
					zap.String("routing_key", c.routingKey),
					zap.Error(err),
				)
			}
		}
	}()

	if err := c.handler(ctx, msg.Body); err != nil {
		c.logger.Error("Handler error",
			zap.String("routing_key", c.routingKey),
			zap.String("queue", c.queue.Name),
			zap.Error(err),
		)
		span.RecordError(err)
		// 业务失败 → 拒绝消息并重新入队，让 MQ 重试
		if err := msg.Nack(false, true); err != nil {
			c.logger.Error("Failed to nack message",
				zap.String("routing_key", c.routingKey),
				zap.Error(err),
			)
		}
		return
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack message",
			zap.String("routing_key", c.routingKey),
			zap.Error(err),
		)
		return
	}

	c.logger.Debug("Message processed successfully",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)
}
