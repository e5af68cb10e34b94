package logger

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"campaignmailer/pkg/trace"
)

// NewLogger 创建生产环境 logger，由 main 注入到各组件
func NewLogger() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return l
}

// WithTrace 从 context 中提取 trace_id 并添加到 logger
func WithTrace(ctx context.Context, logger *zap.Logger) *zap.Logger {
	traceID := trace.FromContext(ctx)
	if traceID != "" {
		return logger.With(zap.String("trace_id", traceID))
	}
	return logger
}

// RedactEmail 脱敏邮箱地址，用于日志
// "john.doe@example.com" → "jo***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// Recipient 返回脱敏后的收件人字段
func Recipient(email string) zap.Field {
	return zap.String("recipient", RedactEmail(email))
}
