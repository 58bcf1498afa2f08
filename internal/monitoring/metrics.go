package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 所有记录方法都允许 nil 接收者，未启用监控时调用方无需判空
type Metrics struct {
	registry prometheus.Gatherer

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 号码池指标
	LeasesAcquired  prometheus.Counter
	LeasesReleased  prometheus.Counter
	LeasesExpired   prometheus.Counter
	LeasesAvailable prometheus.Gauge
	SweepDuration   prometheus.Histogram

	// 短信指标
	MessagesReceived *prometheus.CounterVec
	MessagesPurged   prometheus.Counter
	WebhookRejected  *prometheus.CounterVec

	// 推送指标
	FanoutDropped prometheus.Counter
	WSConnections prometheus.Gauge

	// 系统指标
	SystemUptime        prometheus.Gauge
	DatabaseConnections prometheus.Gauge
	MemoryUsage         prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 在默认注册表上创建监控指标
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry 在指定注册表上创建监控指标，测试中使用独立注册表避免重复注册
func NewMetricsWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: gatherer,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "disposms_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "disposms_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		HTTPRequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "disposms_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),
		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "disposms_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		LeasesAcquired: factory.NewCounter(prometheus.CounterOpts{
			Name: "disposms_leases_acquired_total",
			Help: "Total number of leases assigned to users",
		}),
		LeasesReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "disposms_leases_released_total",
			Help: "Total number of leases released by users or admins",
		}),
		LeasesExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "disposms_leases_expired_total",
			Help: "Total number of leases reclaimed by the expiry sweep",
		}),
		LeasesAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "disposms_leases_available",
			Help: "Number of numbers currently available in the pool",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "disposms_sweep_duration_seconds",
			Help:    "Duration of lease expiry sweeps",
			Buckets: prometheus.DefBuckets,
		}),

		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "disposms_messages_received_total",
				Help: "Total number of inbound messages stored",
			},
			[]string{"type"},
		),
		MessagesPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "disposms_messages_purged_total",
			Help: "Total number of messages removed by retention",
		}),
		WebhookRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "disposms_webhook_rejected_total",
				Help: "Total number of rejected carrier callbacks",
			},
			[]string{"provider", "reason"},
		),

		FanoutDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "disposms_fanout_dropped_total",
			Help: "Total number of realtime frames dropped because a client buffer was full",
		}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "disposms_ws_connections",
			Help: "Number of open websocket connections",
		}),

		SystemUptime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "disposms_system_uptime_seconds",
			Help: "System uptime in seconds",
		}),
		DatabaseConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "disposms_database_connections",
			Help: "Number of acquired database connections",
		}),
		MemoryUsage: factory.NewGauge(prometheus.GaugeOpts{
			Name: "disposms_memory_usage_bytes",
			Help: "Memory usage in bytes",
		}),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "disposms_errors_total",
				Help: "Total number of errors",
			},
			[]string{"error_type", "component"},
		),
		PanicsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "disposms_panics_total",
			Help: "Total number of panics",
		}),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, requestSize, responseSize int64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, endpoint).Observe(float64(requestSize))
	m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
}

// RecordLeaseAcquired 记录号码分配
func (m *Metrics) RecordLeaseAcquired() {
	if m == nil {
		return
	}
	m.LeasesAcquired.Inc()
}

// RecordLeaseReleased 记录号码释放
func (m *Metrics) RecordLeaseReleased() {
	if m == nil {
		return
	}
	m.LeasesReleased.Inc()
}

// RecordLeaseExpired 记录过期回收
func (m *Metrics) RecordLeaseExpired(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.LeasesExpired.Add(float64(count))
}

// UpdateLeasesAvailable 更新可用号码数
func (m *Metrics) UpdateLeasesAvailable(count int) {
	if m == nil {
		return
	}
	m.LeasesAvailable.Set(float64(count))
}

// RecordSweep 记录一次过期扫描耗时
func (m *Metrics) RecordSweep(duration time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(duration.Seconds())
}

// RecordMessageReceived 记录入站短信
func (m *Metrics) RecordMessageReceived(messageType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(messageType).Inc()
}

// RecordMessagesPurged 记录保留期清理数量
func (m *Metrics) RecordMessagesPurged(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.MessagesPurged.Add(float64(count))
}

// RecordWebhookRejected 记录被拒绝的回调
func (m *Metrics) RecordWebhookRejected(provider, reason string) {
	if m == nil {
		return
	}
	m.WebhookRejected.WithLabelValues(provider, reason).Inc()
}

// RecordFanoutDropped 记录因缓冲区已满丢弃的推送帧
func (m *Metrics) RecordFanoutDropped() {
	if m == nil {
		return
	}
	m.FanoutDropped.Inc()
}

// UpdateWSConnections 更新在线连接数
func (m *Metrics) UpdateWSConnections(count int) {
	if m == nil {
		return
	}
	m.WSConnections.Set(float64(count))
}

// UpdateSystemUptime 更新系统运行时间
func (m *Metrics) UpdateSystemUptime(uptime time.Duration) {
	if m == nil {
		return
	}
	m.SystemUptime.Set(uptime.Seconds())
}

// UpdateDatabaseConnections 更新数据库连接数
func (m *Metrics) UpdateDatabaseConnections(count int) {
	if m == nil {
		return
	}
	m.DatabaseConnections.Set(float64(count))
}

// UpdateMemoryUsage 更新内存使用量
func (m *Metrics) UpdateMemoryUsage(bytes int64) {
	if m == nil {
		return
	}
	m.MemoryUsage.Set(float64(bytes))
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
