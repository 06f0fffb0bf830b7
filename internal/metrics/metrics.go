package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics of the broadcaster
type Metrics struct {
	// Target counters
	TargetsSentTotal     *prometheus.CounterVec
	TargetsFailedTotal   *prometheus.CounterVec
	TargetsReleasedTotal prometheus.Counter
	SendDurationSeconds  prometheus.Histogram

	// Queue gauges
	QueuePending prometheus.Gauge
	QueueClaimed prometheus.Gauge
	QueueFailed  prometheus.Gauge

	// Devices and workers
	DevicesByStatus          *prometheus.GaugeVec
	DeviceTransitionsTotal   *prometheus.CounterVec
	WorkersRunning           prometheus.Gauge
	CampaignTransitionsTotal *prometheus.CounterVec

	// Live sync
	LiveSyncSubscribers  prometheus.Gauge
	LiveSyncDroppedTotal prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry

	// counters restored by the collector, by metric name
	counters map[string]*prometheus.CounterVec
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TargetsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcaster_targets_sent_total",
				Help: "Total number of targets sent",
			},
			[]string{"device"},
		),
		TargetsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcaster_targets_failed_total",
				Help: "Total number of targets whose send failed",
			},
			[]string{"device", "error_type"},
		),
		TargetsReleasedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "broadcaster_targets_released_total",
				Help: "Total number of claimed targets put back to pending",
			},
		),
		SendDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "broadcaster_send_duration_seconds",
				Help:    "Duration of transport sends in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		QueuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broadcaster_queue_pending",
				Help: "Number of pending targets",
			},
		),
		QueueClaimed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broadcaster_queue_claimed",
				Help: "Number of targets currently claimed by a worker",
			},
		),
		QueueFailed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broadcaster_queue_failed",
				Help: "Number of failed targets awaiting a resume",
			},
		),

		DevicesByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broadcaster_devices",
				Help: "Number of devices by connection status",
			},
			[]string{"status"},
		),
		DeviceTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcaster_device_transitions_total",
				Help: "Total number of device state transitions",
			},
			[]string{"to", "cause"},
		),
		WorkersRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broadcaster_workers_running",
				Help: "Number of running device workers",
			},
		),
		CampaignTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcaster_campaign_transitions_total",
				Help: "Total number of campaign status changes",
			},
			[]string{"status"},
		),

		LiveSyncSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broadcaster_livesync_subscribers",
				Help: "Number of live sync subscribers",
			},
		),
		LiveSyncDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "broadcaster_livesync_dropped_total",
				Help: "Total number of events dropped for slow subscribers",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcaster_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broadcaster_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcaster_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcaster_ratelimit_exceeded_total",
				Help: "Total number of sends held back by a device quota",
			},
			[]string{"level"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broadcaster_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broadcaster_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broadcaster_storage_used_bytes",
				Help: "Queue database file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.TargetsSentTotal,
		m.TargetsFailedTotal,
		m.TargetsReleasedTotal,
		m.SendDurationSeconds,
		m.QueuePending,
		m.QueueClaimed,
		m.QueueFailed,
		m.DevicesByStatus,
		m.DeviceTransitionsTotal,
		m.WorkersRunning,
		m.CampaignTransitionsTotal,
		m.LiveSyncSubscribers,
		m.LiveSyncDroppedTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	m.counters = map[string]*prometheus.CounterVec{
		"broadcaster_targets_sent_total":         m.TargetsSentTotal,
		"broadcaster_targets_failed_total":       m.TargetsFailedTotal,
		"broadcaster_device_transitions_total":   m.DeviceTransitionsTotal,
		"broadcaster_campaign_transitions_total": m.CampaignTransitionsTotal,
		"broadcaster_api_requests_total":         m.APIRequestsTotal,
		"broadcaster_api_errors_total":           m.APIErrorsTotal,
		"broadcaster_ratelimit_exceeded_total":   m.RateLimitExceededTotal,
	}

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncTargetsSent increments the sent target counter
func IncTargetsSent(device string) {
	m := Global()
	if m != nil {
		m.TargetsSentTotal.WithLabelValues(device).Inc()
	}
}

// IncTargetsFailed increments the failed target counter
func IncTargetsFailed(device, errorType string) {
	m := Global()
	if m != nil {
		m.TargetsFailedTotal.WithLabelValues(device, errorType).Inc()
	}
}

// AddTargetsReleased counts claimed targets put back to pending
func AddTargetsReleased(n int) {
	m := Global()
	if m != nil && n > 0 {
		m.TargetsReleasedTotal.Add(float64(n))
	}
}

// ObserveSend records the duration of one transport send
func ObserveSend(d time.Duration) {
	m := Global()
	if m != nil {
		m.SendDurationSeconds.Observe(d.Seconds())
	}
}

// IncDeviceTransition counts a device state transition
func IncDeviceTransition(to, cause string) {
	m := Global()
	if m != nil {
		m.DeviceTransitionsTotal.WithLabelValues(to, cause).Inc()
	}
}

// IncCampaignTransition counts a campaign status change
func IncCampaignTransition(status string) {
	m := Global()
	if m != nil {
		m.CampaignTransitionsTotal.WithLabelValues(status).Inc()
	}
}

// IncLiveSyncDropped counts an event dropped for a slow subscriber
func IncLiveSyncDropped() {
	m := Global()
	if m != nil {
		m.LiveSyncDroppedTotal.Inc()
	}
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(level string) {
	m := Global()
	if m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
