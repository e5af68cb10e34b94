package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// JobSpan 为 Redis 队列中的发送任务创建 span
func JobSpan(ctx context.Context, queue, jobID string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "job.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "redis"),
			attribute.String("messaging.destination", queue),
			attribute.String("job.id", jobID),
			attribute.Int("job.attempt", attempt),
		),
	)
}
