// Package trace 在 context 中传递日志用的 trace_id。
// 有 OTel span 时沿用 span 的 trace id，日志和链路可以直接对上。
package trace

import (
	"context"
	"strings"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type ctxKey struct{}

// GenerateTraceID 32 位十六进制，与 W3C trace id 同格式
func GenerateTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func FromContext(ctx context.Context) string {
	if traceID, ok := ctx.Value(ctxKey{}).(string); ok {
		return traceID
	}
	return ""
}

func WithContext(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, traceID)
}

// Ensure 优先使用传入的 traceID，其次是当前 span，最后生成新的
func Ensure(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		if sc := oteltrace.SpanContextFromContext(ctx); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		} else {
			traceID = GenerateTraceID()
		}
	}
	return WithContext(ctx, traceID)
}
