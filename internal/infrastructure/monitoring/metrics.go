package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Instance lifecycle metrics
	InstancesByStatus *prometheus.GaugeVec
	DeploysTotal      *prometheus.CounterVec

	// Task queue metrics
	TasksTotal  *prometheus.CounterVec
	QueueDepth  *prometheus.GaugeVec
	TaskRetries prometheus.Counter

	// Hypervisor client metrics
	HypervisorCalls    *prometheus.CounterVec
	HypervisorDuration *prometheus.HistogramVec

	// Port allocator metrics
	PortsUsed      *prometheus.GaugeVec
	PortsAvailable *prometheus.GaugeVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stevedore_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stevedore_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stevedore_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method", "path"},
		),
		ResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stevedore_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method", "path"},
		),

		// Instance lifecycle metrics
		InstancesByStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stevedore_instances",
				Help: "Number of instances per lifecycle status",
			},
			[]string{"status"},
		),
		DeploysTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stevedore_deploys_total",
				Help: "Total number of finished deployments",
			},
			[]string{"outcome"},
		),

		// Task queue metrics
		TasksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stevedore_tasks_total",
				Help: "Total number of finished lifecycle tasks",
			},
			[]string{"operation", "status"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stevedore_queue_depth",
				Help: "Number of tasks per queue status",
			},
			[]string{"status"},
		),
		TaskRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stevedore_task_redeliveries_total",
				Help: "Total number of task redeliveries after lease expiry",
			},
		),

		// Hypervisor client metrics
		HypervisorCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stevedore_hypervisor_calls_total",
				Help: "Total number of hypervisor API calls",
			},
			[]string{"operation", "status"},
		),
		HypervisorDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stevedore_hypervisor_call_duration_seconds",
				Help:    "Hypervisor API call duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),

		// Port allocator metrics
		PortsUsed: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stevedore_ports_used",
				Help: "Number of allocated ports per range",
			},
			[]string{"range"},
		),
		PortsAvailable: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stevedore_ports_available",
				Help: "Number of free ports per range",
			},
			[]string{"range"},
		),

		// System metrics
		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stevedore_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
	}

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))
}

// RecordHypervisorCall records one hypervisor API call
func (m *Metrics) RecordHypervisorCall(operation, status string, duration time.Duration) {
	m.HypervisorCalls.WithLabelValues(operation, status).Inc()
	m.HypervisorDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTask records a finished lifecycle task
func (m *Metrics) RecordTask(operation, status string) {
	m.TasksTotal.WithLabelValues(operation, status).Inc()
}

// RecordDeploy records a finished deployment
func (m *Metrics) RecordDeploy(outcome string) {
	m.DeploysTotal.WithLabelValues(outcome).Inc()
}

// IncTaskRedeliveries increments the redelivery counter
func (m *Metrics) IncTaskRedeliveries() {
	m.TaskRetries.Inc()
}

// SetInstances sets the instance count for one status
func (m *Metrics) SetInstances(status string, count int) {
	m.InstancesByStatus.WithLabelValues(status).Set(float64(count))
}

// SetQueueDepth sets the task count for one queue status
func (m *Metrics) SetQueueDepth(status string, count int) {
	m.QueueDepth.WithLabelValues(status).Set(float64(count))
}

// SetPortRange sets usage gauges for one port range ("public"/"internal")
func (m *Metrics) SetPortRange(rangeName string, used, available int) {
	m.PortsUsed.WithLabelValues(rangeName).Set(float64(used))
	m.PortsAvailable.WithLabelValues(rangeName).Set(float64(available))
}
