// Package metrics Prometheus 指标导出
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 包含所有订阅服务指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// 任务指标
	TasksCreatedTotal *prometheus.CounterVec
	RecordsTotal      *prometheus.GaugeVec
	TaskQueuePending  prometheus.Gauge

	// 流水线活动指标
	ActivitiesTotal  *prometheus.CounterVec
	ActivityDuration *prometheus.HistogramVec

	// 平台外呼指标
	RemoteCallsTotal   *prometheus.CounterVec
	RemoteCallDuration *prometheus.HistogramVec
}

// NewMetrics 创建指标实例
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		TasksCreatedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscription_tasks_created_total",
				Help:      "Total subscription tasks created by trigger",
			},
			[]string{"trigger"},
		),
		RecordsTotal: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instance_records_total",
				Help:      "Latest instance records by status",
			},
			[]string{"status"},
		),
		TaskQueuePending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "task_queue_pending",
				Help:      "Tasks waiting in the kick queue",
			},
		),
		ActivitiesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_activities_total",
				Help:      "Total pipeline activities executed by code and status",
			},
			[]string{"code", "status"},
		),
		ActivityDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_activity_duration_seconds",
				Help:      "Pipeline activity execution duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"code"},
		),
		RemoteCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_calls_total",
				Help:      "Total platform API calls by service and status",
			},
			[]string{"service", "status"},
		),
		RemoteCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_call_duration_seconds",
				Help:      "Platform API call duration in seconds",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"service"},
		),
	}
}

// MetricsMiddleware 创建 HTTP 指标中间件
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		// 包装 ResponseWriter 以捕获状态码
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.statusCode)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
	})
}

// responseWriter 包装 http.ResponseWriter 以捕获状态码
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// MetricsHandler 返回 Prometheus HTTP Handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordTaskCreated 记录任务创建
func (m *Metrics) RecordTaskCreated(autoTrigger bool) {
	trigger := "manual"
	if autoTrigger {
		trigger = "auto"
	}
	m.TasksCreatedTotal.WithLabelValues(trigger).Inc()
}

// SetRecordsCount 设置实例记录状态分布（统计巡检写入）
func (m *Metrics) SetRecordsCount(status string, count int64) {
	m.RecordsTotal.WithLabelValues(status).Set(float64(count))
}

// SetQueuePending 设置待消费任务数
func (m *Metrics) SetQueuePending(count int64) {
	m.TaskQueuePending.Set(float64(count))
}

// RecordActivity 记录活动执行
func (m *Metrics) RecordActivity(code, status string, duration time.Duration) {
	m.ActivitiesTotal.WithLabelValues(code, status).Inc()
	m.ActivityDuration.WithLabelValues(code).Observe(duration.Seconds())
}

// RecordRemoteCall 记录平台 API 调用
func (m *Metrics) RecordRemoteCall(service string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "failed"
	}
	m.RemoteCallsTotal.WithLabelValues(service, status).Inc()
	m.RemoteCallDuration.WithLabelValues(service).Observe(duration.Seconds())
}
