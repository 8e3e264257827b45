package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Outbox 条目处理结果计数
	OutboxProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_processed_total",
			Help: "Outbox entries processed by the sync worker",
		},
		[]string{"flavor", "result"}, // result: succeeded, failed
	)

	// 一次 drain 的耗时（秒）
	OutboxDrainDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbox_drain_duration_seconds",
			Help:    "Duration of one outbox drain batch in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"flavor"},
	)

	// Job 状态转换计数
	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_transitions_total",
			Help: "Job state transitions",
		},
		[]string{"kind", "state"},
	)

	// retention 规划写入 outbox 的数量
	RetentionPlanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "retention_planned_total",
			Help: "Messages enqueued into the archive-push outbox by retention planning",
		},
	)

	// Provider 调用延迟（秒）
	ProviderCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_call_latency_seconds",
			Help:    "Mail provider call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"op", "status"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"table"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)
)

// RecordOutboxResult 记录单个 outbox 条目的处理结果
func RecordOutboxResult(flavor string, ok bool) {
	result := "succeeded"
	if !ok {
		result = "failed"
	}
	OutboxProcessed.WithLabelValues(flavor, result).Inc()
}

// RecordOutboxDrain 记录一次 drain 的耗时
func RecordOutboxDrain(flavor string, duration time.Duration) {
	OutboxDrainDuration.WithLabelValues(flavor).Observe(duration.Seconds())
}

// IncrementJobTransition 记录 job 状态转换
func IncrementJobTransition(kind, state string) {
	JobTransitions.WithLabelValues(kind, state).Inc()
}

// AddRetentionPlanned 增加规划数量
func AddRetentionPlanned(n int) {
	if n > 0 {
		RetentionPlanned.Add(float64(n))
	}
}

// RecordProviderCall 记录 provider 调用延迟
func RecordProviderCall(op string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ProviderCallLatency.WithLabelValues(op, status).Observe(duration.Seconds())
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// IncrementSlowQuery 增加慢查询计数
func IncrementSlowQuery(table string) {
	SlowQueryCount.WithLabelValues(table).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
