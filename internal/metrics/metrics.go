package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Counter names
const (
	CounterMessagesReceived   = "messages_received_total"
	CounterMessagesInvalid    = "messages_invalid_total"
	CounterMessagesDeleted    = "messages_deleted_total"
	CounterEventsSent         = "events_sent_total"
	CounterSubmissionsSkipped = "submissions_not_claimed_total"
	CounterClaimsReaped       = "claims_reaped_total"
	CounterPanicsRecovered    = "panics_recovered_total"
)

// Gauge names
const (
	GaugeBatchSize = "batch_size"
)

// Timer names
const (
	TimerQueueFetch     = "queue_fetch"
	TimerSinkPut        = "sink_put"
	TimerSubmission     = "submission_processing"
	TimerDatabasePrefix = "db_"
)

// Error rate names
const (
	RateQueueFetch  = "queue_fetch"
	RateQueueDelete = "queue_delete"
	RateSinkPut     = "sink_put"
	RateSubmission  = "submission"
	RateDatabase    = "database"
)

// Health components
const (
	HealthWorker = "worker"
)

// Database query types
const (
	DBQueryTypeSelect = "select"
	DBQueryTypeInsert = "insert"
	DBQueryTypeUpdate = "update"
	DBQueryTypeRaw    = "raw"
)

// TimerMetric captures timing information
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

// ErrorRateMetric captures error rates
type ErrorRateMetric struct {
	Total     int64   `json:"total"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
}

type timer struct {
	count       int64
	totalTimeMs int64
	minTimeMs   int64
	maxTimeMs   int64
}

type errorRate struct {
	total  int64
	errors int64
}

// Metrics is an in-process collector safe for concurrent use
type Metrics struct {
	mu           sync.RWMutex
	counters     map[string]*int64
	gauges       map[string]*int64
	timers       map[string]*timer
	errorRates   map[string]*errorRate
	healthChecks map[string]*int64
	startTime    time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:     make(map[string]*int64),
		gauges:       make(map[string]*int64),
		timers:       make(map[string]*timer),
		errorRates:   make(map[string]*errorRate),
		healthChecks: make(map[string]*int64),
		startTime:    time.Now(),
	}
}

// lookup returns the entry for name, creating it under the write lock on first use
func lookup[T any](m *Metrics, entries map[string]*T, name string, create func() *T) *T {
	m.mu.RLock()
	entry, exists := entries[name]
	m.mu.RUnlock()
	if exists {
		return entry
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, exists = entries[name]; !exists {
		entry = create()
		entries[name] = entry
	}
	return entry
}

func newInt64() *int64 { return new(int64) }

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the specified value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	atomic.AddInt64(lookup(m, m.counters, name, newInt64), value)
}

// SetGauge sets a gauge to a specific value
func (m *Metrics) SetGauge(name string, value int64) {
	atomic.StoreInt64(lookup(m, m.gauges, name, newInt64), value)
}

// RecordDuration records a timing measurement
func (m *Metrics) RecordDuration(name string, d time.Duration) {
	t := lookup(m, m.timers, name, func() *timer {
		return &timer{minTimeMs: math.MaxInt64}
	})
	ms := d.Milliseconds()

	atomic.AddInt64(&t.count, 1)
	atomic.AddInt64(&t.totalTimeMs, ms)

	for {
		current := atomic.LoadInt64(&t.minTimeMs)
		if ms >= current || atomic.CompareAndSwapInt64(&t.minTimeMs, current, ms) {
			break
		}
	}
	for {
		current := atomic.LoadInt64(&t.maxTimeMs)
		if ms <= current || atomic.CompareAndSwapInt64(&t.maxTimeMs, current, ms) {
			break
		}
	}
}

// RecordResult records the outcome of an operation for error rate tracking
func (m *Metrics) RecordResult(name string, err error) {
	rate := lookup(m, m.errorRates, name, func() *errorRate { return &errorRate{} })
	atomic.AddInt64(&rate.total, 1)
	if err != nil {
		atomic.AddInt64(&rate.errors, 1)
	}
}

// ObserveSince records the duration since start under timer and the outcome under rate
func (m *Metrics) ObserveSince(timerName, rateName string, start time.Time, err error) {
	m.RecordDuration(timerName, time.Since(start))
	m.RecordResult(rateName, err)
}

// RecordDatabaseQuery records a ledger query duration and outcome
func (m *Metrics) RecordDatabaseQuery(queryType string, success bool, d time.Duration) {
	m.RecordDuration(TimerDatabasePrefix+queryType, d)
	rate := lookup(m, m.errorRates, RateDatabase, func() *errorRate { return &errorRate{} })
	atomic.AddInt64(&rate.total, 1)
	if !success {
		atomic.AddInt64(&rate.errors, 1)
	}
}

// SetHealth sets the health status of a component
func (m *Metrics) SetHealth(component string, isHealthy bool) {
	var value int64
	if isHealthy {
		value = 1
	}
	atomic.StoreInt64(lookup(m, m.healthChecks, component, newInt64), value)
}

// GetCounters returns all counters
func (m *Metrics) GetCounters() map[string]int64 {
	return snapshot(m, m.counters, func(v *int64) int64 { return atomic.LoadInt64(v) })
}

// GetGauges returns all gauges
func (m *Metrics) GetGauges() map[string]int64 {
	return snapshot(m, m.gauges, func(v *int64) int64 { return atomic.LoadInt64(v) })
}

// GetTimers returns all timers
func (m *Metrics) GetTimers() map[string]TimerMetric {
	return snapshot(m, m.timers, func(t *timer) TimerMetric {
		count := atomic.LoadInt64(&t.count)
		total := atomic.LoadInt64(&t.totalTimeMs)
		var average float64
		if count > 0 {
			average = float64(total) / float64(count)
		}
		return TimerMetric{
			Count:         count,
			TotalTimeMs:   total,
			AverageTimeMs: average,
			MinTimeMs:     atomic.LoadInt64(&t.minTimeMs),
			MaxTimeMs:     atomic.LoadInt64(&t.maxTimeMs),
		}
	})
}

// GetErrorRates returns all error rates as percentages
func (m *Metrics) GetErrorRates() map[string]ErrorRateMetric {
	return snapshot(m, m.errorRates, func(r *errorRate) ErrorRateMetric {
		total := atomic.LoadInt64(&r.total)
		errs := atomic.LoadInt64(&r.errors)
		var rate float64
		if total > 0 {
			rate = float64(errs) / float64(total) * 100.0
		}
		return ErrorRateMetric{Total: total, Errors: errs, ErrorRate: rate}
	})
}

// GetHealthChecks returns all health checks
func (m *Metrics) GetHealthChecks() map[string]bool {
	return snapshot(m, m.healthChecks, func(v *int64) bool { return atomic.LoadInt64(v) > 0 })
}

func snapshot[T, V any](m *Metrics, entries map[string]*T, read func(*T) V) map[string]V {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]V, len(entries))
	for name, entry := range entries {
		out[name] = read(entry)
	}
	return out
}

// GetUptimeSeconds returns the service uptime in seconds
func (m *Metrics) GetUptimeSeconds() int64 {
	return int64(time.Since(m.startTime).Seconds())
}

// GetAllMetrics returns all metrics in a structured format
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": m.GetUptimeSeconds(),
		"counters":       m.GetCounters(),
		"gauges":         m.GetGauges(),
		"timers":         m.GetTimers(),
		"error_rates":    m.GetErrorRates(),
		"health_checks":  m.GetHealthChecks(),
	}
}
