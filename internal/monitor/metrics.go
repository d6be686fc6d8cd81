package monitor

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SystemMetrics tracks governance pipeline performance. Every recording
// is mirrored to Prometheus collectors on a dedicated registry.
type SystemMetrics struct {
	// Latency histograms
	ValidateLatency   *LatencyHistogram
	ExecuteLatency    *LatencyHistogram
	AlertCycleLatency *LatencyHistogram
	APILatency        *LatencyHistogram

	// Counters
	apiRequests     uint64
	apiErrors       uint64
	decisions       uint64
	rejections      uint64
	executions      uint64
	failedExecs     uint64
	alertsTriggered uint64
	integrityErrors uint64

	registry *prometheus.Registry
	prom     promCollectors
}

type promCollectors struct {
	latency         *prometheus.HistogramVec
	decisions       *prometheus.CounterVec
	executions      *prometheus.CounterVec
	alertsTriggered prometheus.Counter
	integrityErrors prometheus.Counter
	apiRequests     *prometheus.CounterVec
}

// LatencyHistogram tracks latency samples with sliding window.
// Supports lazy stats computation for better performance (V2 P1-B).
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool         // Whether samples have changed since last Stats()
	cachedStats LatencyStats // Cached computed stats
}

// NewSystemMetrics creates a new metrics instance with its own registry.
func NewSystemMetrics() *SystemMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &SystemMetrics{
		ValidateLatency:   NewLatencyHistogram(1000),
		ExecuteLatency:    NewLatencyHistogram(1000),
		AlertCycleLatency: NewLatencyHistogram(1000),
		APILatency:        NewLatencyHistogram(1000),
		registry:          reg,
		prom: promCollectors{
			latency: factory.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "governance",
				Name:      "operation_duration_seconds",
				Help:      "Latency of governance operations",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			decisions: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "governance",
				Subsystem: "risk",
				Name:      "decisions_total",
				Help:      "Risk decisions by outcome",
			}, []string{"outcome"}),
			executions: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "governance",
				Subsystem: "execution",
				Name:      "results_total",
				Help:      "Execution results by status",
			}, []string{"status"}),
			alertsTriggered: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "governance",
				Subsystem: "alerts",
				Name:      "triggered_total",
				Help:      "Alert rules that fired",
			}),
			integrityErrors: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "governance",
				Name:      "integrity_violations_total",
				Help:      "Execution requests refused for integrity violations",
			}),
			apiRequests: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "governance",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "HTTP requests by status class",
			}, []string{"class"}),
		},
	}
}

// Registry exposes the Prometheus registry for the /metrics handler.
func (m *SystemMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		// Shift window: remove oldest
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true // Mark as dirty for lazy recomputation
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
// Uses lazy computation - only recomputes when samples have changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Return cached stats if samples haven't changed
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	// Compute new stats
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// ObserveValidate records one risk evaluation.
func (m *SystemMetrics) ObserveValidate(d time.Duration, approved bool) {
	m.ValidateLatency.RecordDuration(d)
	m.prom.latency.WithLabelValues("validate").Observe(d.Seconds())
	atomic.AddUint64(&m.decisions, 1)
	outcome := "approved"
	if !approved {
		atomic.AddUint64(&m.rejections, 1)
		outcome = "rejected"
	}
	m.prom.decisions.WithLabelValues(outcome).Inc()
}

// ObserveExecute records one execution attempt.
func (m *SystemMetrics) ObserveExecute(d time.Duration, filled bool) {
	m.ExecuteLatency.RecordDuration(d)
	m.prom.latency.WithLabelValues("execute").Observe(d.Seconds())
	atomic.AddUint64(&m.executions, 1)
	status := "filled"
	if !filled {
		atomic.AddUint64(&m.failedExecs, 1)
		status = "failed"
	}
	m.prom.executions.WithLabelValues(status).Inc()
}

// ObserveAlertCycle records one alert monitoring cycle.
func (m *SystemMetrics) ObserveAlertCycle(d time.Duration, triggered int) {
	m.AlertCycleLatency.RecordDuration(d)
	m.prom.latency.WithLabelValues("alert_cycle").Observe(d.Seconds())
	atomic.AddUint64(&m.alertsTriggered, uint64(triggered))
	m.prom.alertsTriggered.Add(float64(triggered))
}

// IncrementIntegrityErrors counts a refused execution.
func (m *SystemMetrics) IncrementIntegrityErrors() {
	atomic.AddUint64(&m.integrityErrors, 1)
	m.prom.integrityErrors.Inc()
}

// ObserveAPI records one HTTP request.
func (m *SystemMetrics) ObserveAPI(d time.Duration, status int) {
	m.APILatency.RecordDuration(d)
	atomic.AddUint64(&m.apiRequests, 1)
	if status >= 400 {
		atomic.AddUint64(&m.apiErrors, 1)
	}
	m.prom.apiRequests.WithLabelValues(fmt.Sprintf("%dxx", status/100)).Inc()
}

// MetricsSnapshot is a point-in-time view for the JSON endpoint.
type MetricsSnapshot struct {
	ValidateLatency   LatencyStats `json:"validate_latency"`
	ExecuteLatency    LatencyStats `json:"execute_latency"`
	AlertCycleLatency LatencyStats `json:"alert_cycle_latency"`
	APILatency        LatencyStats `json:"api_latency"`
	APIRequests       uint64       `json:"api_requests"`
	APIErrors         uint64       `json:"api_errors"`
	Decisions         uint64       `json:"decisions"`
	Rejections        uint64       `json:"rejections"`
	Executions        uint64       `json:"executions"`
	FailedExecutions  uint64       `json:"failed_executions"`
	AlertsTriggered   uint64       `json:"alerts_triggered"`
	IntegrityErrors   uint64       `json:"integrity_errors"`
	GoroutineCount    int          `json:"goroutine_count"`
	HeapAlloc         uint64       `json:"heap_alloc_bytes"`
	HeapSys           uint64       `json:"heap_sys_bytes"`
	Timestamp         time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		ValidateLatency:   m.ValidateLatency.Stats(),
		ExecuteLatency:    m.ExecuteLatency.Stats(),
		AlertCycleLatency: m.AlertCycleLatency.Stats(),
		APILatency:        m.APILatency.Stats(),
		APIRequests:       atomic.LoadUint64(&m.apiRequests),
		APIErrors:         atomic.LoadUint64(&m.apiErrors),
		Decisions:         atomic.LoadUint64(&m.decisions),
		Rejections:        atomic.LoadUint64(&m.rejections),
		Executions:        atomic.LoadUint64(&m.executions),
		FailedExecutions:  atomic.LoadUint64(&m.failedExecs),
		AlertsTriggered:   atomic.LoadUint64(&m.alertsTriggered),
		IntegrityErrors:   atomic.LoadUint64(&m.integrityErrors),
		GoroutineCount:    runtime.NumGoroutine(),
		HeapAlloc:         memStats.HeapAlloc,
		HeapSys:           memStats.HeapSys,
		Timestamp:         time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
