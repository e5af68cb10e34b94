package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MQPublishSpan 在 MQ 发布时创建 span
func MQPublishSpan(ctx context.Context, routingKey string, exchange string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "mq.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", exchange),
			attribute.String("messaging.destination_kind", "exchange"),
			attribute.String("messaging.rabbitmq.routing_key", routingKey),
		),
	)
}

// MQConsumeSpan 在 MQ 消费时创建 span
// trace context 需要先通过 MQHeaderCarrier 从消息头中提取
func MQConsumeSpan(ctx context.Context, routingKey string, queue string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "mq.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", queue),
			attribute.String("messaging.destination_kind", "queue"),
			attribute.String("messaging.rabbitmq.routing_key", routingKey),
		),
	)
}

// MQHeaderCarrier 把 AMQP 消息头当作 propagation.TextMapCarrier（traceparent / baggage）
type MQHeaderCarrier map[string]interface{}

func NewMQHeaderCarrier(headers map[string]interface{}) MQHeaderCarrier {
	if headers == nil {
		headers = make(map[string]interface{})
	}
	return MQHeaderCarrier(headers)
}

// Get 只认字符串值；其他类型的头（例如 x-death 表）返回空
func (c MQHeaderCarrier) Get(key string) string {
	switch v := c[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

func (c MQHeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c MQHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
