package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// 数据库慢查询计数
	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_count",
			Help: "Total number of queries slower than the configured threshold",
		},
	)

	// 慢查询耗时（秒）
	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of slow queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 100ms to ~12s
		},
	)

	// 解析任务结果
	CampaignParseCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_parse_count",
			Help: "Total number of campaign parse jobs by outcome",
		},
		[]string{"outcome"}, // scheduled, failed, rejected, retried, skipped
	)

	// 入队的发送任务数
	SendJobsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "send_jobs_enqueued_total",
			Help: "Total number of per-recipient send jobs enqueued",
		},
	)

	// 邮件处理计数
	EmailProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_processed_count",
			Help: "Total number of send attempts by status",
		},
		[]string{"status"}, // sent, failed, retried, rescheduled, duplicate
	)

	// 发送任务处理耗时（秒）
	SendJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "send_job_duration_seconds",
			Help:    "Send job processing duration in seconds (excluding pacing)",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"status"},
	)

	// 配额拒绝次数
	QuotaDeniedCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_denied_count",
			Help: "Total number of sends deferred by the daily quota",
		},
	)

	// 附件缓存命中/未命中
	AttachmentCacheCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attachment_cache_count",
			Help: "Attachment cache lookups by result",
		},
		[]string{"result"}, // hit, miss, error
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(duration time.Duration) {
	SlowQueryCount.Inc()
	SlowQueryDuration.Observe(duration.Seconds())
}

// IncrementCampaignParse 记录解析任务结果
func IncrementCampaignParse(outcome string) {
	CampaignParseCount.WithLabelValues(outcome).Inc()
}

// AddSendJobsEnqueued 记录入队数量
func AddSendJobsEnqueued(n int) {
	SendJobsEnqueued.Add(float64(n))
}

// IncrementEmailProcessed 增加邮件处理计数
func IncrementEmailProcessed(status string) {
	EmailProcessedCount.WithLabelValues(status).Inc()
}

// RecordSendJobDuration 记录发送任务耗时
func RecordSendJobDuration(status string, duration time.Duration) {
	SendJobDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// IncrementQuotaDenied 记录配额拒绝
func IncrementQuotaDenied() {
	QuotaDeniedCount.Inc()
}

// IncrementAttachmentCache 记录附件缓存查询结果
func IncrementAttachmentCache(result string) {
	AttachmentCacheCount.WithLabelValues(result).Inc()
}
