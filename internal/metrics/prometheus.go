// Package metrics provides Prometheus-based metrics collection for portwatch.
// Collectors cover the scan executor, the cycle scheduler, the diff engine
// and the update publisher, and are served from a private registry.
package metrics

import (
	"context"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all portwatch metrics
	namespace = "portwatch"

	// Subsystems
	subsystemScan      = "scan"
	subsystemCycle     = "cycle"
	subsystemWatch     = "watch"
	subsystemPublisher = "publisher"
	subsystemSystem    = "system"
	subsystemHTTP      = "http"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Scan metrics
	scansTotal   *prometheus.CounterVec
	scanDuration *prometheus.HistogramVec
	scanErrors   *prometheus.CounterVec
	activeScans  prometheus.Gauge

	// Cycle metrics
	cyclesTotal   prometheus.Counter
	cycleDuration prometheus.Histogram

	// Watch metrics
	updatesTotal *prometheus.CounterVec
	hostsUp      prometheus.Gauge
	hostsDown    prometheus.Gauge

	// Publisher metrics
	deliveries  *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	subscribers prometheus.Gauge

	// HTTP metrics
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	websocketClients prometheus.Gauge

	// System metrics
	goroutines prometheus.Gauge
	uptime     prometheus.Gauge

	startTime time.Time
	mu        sync.Mutex
	registry  *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initScanMetrics()
	pm.initCycleMetrics()
	pm.initWatchMetrics()
	pm.initPublisherMetrics()
	pm.initHTTPMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initScanMetrics() {
	pm.scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "total",
			Help:      "Total number of host scans by scan mode and status",
		},
		[]string{"scan_mode", "status"},
	)

	pm.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "duration_seconds",
			Help:      "Duration of single host scans in seconds",
			Buckets:   []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0},
		},
		[]string{"scan_mode"},
	)

	pm.scanErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "errors_total",
			Help:      "Total number of scan execution errors by error code",
		},
		[]string{"scan_mode", "error_type"},
	)

	pm.activeScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "active",
			Help:      "Number of scans currently in flight",
		},
	)
}

func (pm *PrometheusMetrics) initCycleMetrics() {
	pm.cyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCycle,
			Name:      "total",
			Help:      "Total number of completed scan cycles",
		},
	)

	pm.cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemCycle,
			Name:      "duration_seconds",
			Help:      "Time from cycle start to cycle barrier in seconds",
			Buckets:   []float64{1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0, 1800.0},
		},
	)
}

func (pm *PrometheusMetrics) initWatchMetrics() {
	pm.updatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemWatch,
			Name:      "updates_total",
			Help:      "Total number of host updates emitted by update type",
		},
		[]string{"type"},
	)

	pm.hostsUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemWatch,
			Name:      "hosts_up",
			Help:      "Number of hosts reachable in their latest scan",
		},
	)

	pm.hostsDown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemWatch,
			Name:      "hosts_down",
			Help:      "Number of hosts unreachable in their latest scan",
		},
	)
}

func (pm *PrometheusMetrics) initPublisherMetrics() {
	pm.deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPublisher,
			Name:      "deliveries_total",
			Help:      "Total number of update deliveries by subscriber and status",
		},
		[]string{"subscriber", "status"},
	)

	pm.dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPublisher,
			Name:      "dropped_total",
			Help:      "Total number of updates dropped from a full subscriber queue",
		},
		[]string{"subscriber"},
	)

	pm.subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemPublisher,
			Name:      "subscribers",
			Help:      "Number of registered update subscribers",
		},
	)
}

func (pm *PrometheusMetrics) initHTTPMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHTTP,
			Name:      "requests_total",
			Help:      "Total number of status API requests by route and status code",
		},
		[]string{"method", "route", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemHTTP,
			Name:      "request_duration_seconds",
			Help:      "Status API request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	pm.websocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemHTTP,
			Name:      "websocket_clients",
			Help:      "Number of connected update stream clients",
		},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds",
		},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.scansTotal,
		pm.scanDuration,
		pm.scanErrors,
		pm.activeScans,
		pm.cyclesTotal,
		pm.cycleDuration,
		pm.updatesTotal,
		pm.hostsUp,
		pm.hostsDown,
		pm.deliveries,
		pm.dropped,
		pm.subscribers,
		pm.httpRequests,
		pm.httpDuration,
		pm.websocketClients,
		pm.goroutines,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Scan Metrics Methods

// IncrementScansTotal increments the total scan counter
func (pm *PrometheusMetrics) IncrementScansTotal(scanMode, status string) {
	pm.scansTotal.WithLabelValues(scanMode, status).Inc()
}

// RecordScanDuration records a scan duration
func (pm *PrometheusMetrics) RecordScanDuration(scanMode string, duration time.Duration) {
	pm.scanDuration.WithLabelValues(scanMode).Observe(duration.Seconds())
}

// IncrementScanErrors increments scan error counter
func (pm *PrometheusMetrics) IncrementScanErrors(scanMode, errorType string) {
	pm.scanErrors.WithLabelValues(scanMode, errorType).Inc()
}

// SetActiveScans sets the number of active scans
func (pm *PrometheusMetrics) SetActiveScans(count int) {
	pm.activeScans.Set(float64(count))
}

// Cycle Metrics Methods

// RecordCycle records a completed scan cycle
func (pm *PrometheusMetrics) RecordCycle(duration time.Duration) {
	pm.cyclesTotal.Inc()
	pm.cycleDuration.Observe(duration.Seconds())
}

// Watch Metrics Methods

// IncrementUpdates increments the emitted update counter
func (pm *PrometheusMetrics) IncrementUpdates(updateType string) {
	pm.updatesTotal.WithLabelValues(updateType).Inc()
}

// SetHostCounts sets the reachable and unreachable host gauges
func (pm *PrometheusMetrics) SetHostCounts(up, down int) {
	pm.hostsUp.Set(float64(up))
	pm.hostsDown.Set(float64(down))
}

// Publisher Metrics Methods

// IncrementDeliveries increments the delivery counter for a subscriber
func (pm *PrometheusMetrics) IncrementDeliveries(subscriber, status string) {
	pm.deliveries.WithLabelValues(subscriber, status).Inc()
}

// IncrementDropped increments the dropped update counter for a subscriber
func (pm *PrometheusMetrics) IncrementDropped(subscriber string) {
	pm.dropped.WithLabelValues(subscriber).Inc()
}

// SetSubscribers sets the number of registered subscribers
func (pm *PrometheusMetrics) SetSubscribers(count int) {
	pm.subscribers.Set(float64(count))
}

// HTTP Metrics Methods

// RecordHTTPRequest records one served API request
func (pm *PrometheusMetrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	pm.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	pm.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetWebSocketClients sets the number of connected update stream clients
func (pm *PrometheusMetrics) SetWebSocketClients(count int) {
	pm.websocketClients.Set(float64(count))
}

// System Metrics Methods

// UpdateSystemMetrics updates all system metrics with current values
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// StartPeriodicUpdates updates system metrics every interval until ctx is done
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}

// Global instance for easy access
var globalMetrics *PrometheusMetrics
var metricsOnce sync.Once

// GetGlobalMetrics returns the global Prometheus metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}
