package resilience

import (
	"sort"
	"sync"
	"time"
)

// maxRecentRequests bounds the recent-events ring; oldest entries are
// evicted first once full.
const maxRecentRequests = 1000

// EndpointStats is a snapshot of the accumulated statistics for one
// (endpoint, method) pair. Counters accumulate monotonically until Reset.
type EndpointStats struct {
	Endpoint      string
	Method        string
	TotalRequests int64
	TotalErrors   int64
	TotalLatency  time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

// AverageLatency returns the mean latency, zero with no requests.
func (s EndpointStats) AverageLatency() time.Duration {
	if s.TotalRequests == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.TotalRequests)
}

// ErrorRate returns errors/requests, zero with no requests.
func (s EndpointStats) ErrorRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalErrors) / float64(s.TotalRequests)
}

// SuccessRate returns 1 - ErrorRate.
func (s EndpointStats) SuccessRate() float64 {
	return 1.0 - s.ErrorRate()
}

// OverallStats aggregates across every endpoint.
type OverallStats struct {
	TotalRequests   int64
	TotalErrors     int64
	TotalLatency    time.Duration
	AverageLatency  time.Duration
	ErrorRate       float64
	SuccessRate     float64
	ActiveEndpoints int
}

// RequestMetric is an immutable snapshot of one recorded attempt.
type RequestMetric struct {
	Endpoint   string
	Method     string
	Latency    time.Duration
	StatusCode int
	Err        error
	Timestamp  time.Time
}

// Success reports whether the attempt completed without an error or a 4xx/5xx
// status.
func (m RequestMetric) Success() bool {
	return m.Err == nil && m.StatusCode < 400
}

// PerformanceMonitor records every attempt's outcome into per-endpoint
// aggregates and a bounded recent-events ring, and answers read-only
// analytical queries over them. All methods are safe for concurrent use;
// Reset is atomic with respect to readers.
type PerformanceMonitor struct {
	mu        sync.RWMutex
	endpoints map[string]*EndpointStats

	// recent is a circular buffer: next is the slot the following append
	// overwrites once len(recent) has reached capacity.
	recent []RequestMetric
	next   int

	totalRequests int64
	totalErrors   int64
	totalLatency  time.Duration
}

// NewPerformanceMonitor creates an empty monitor.
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{
		endpoints: make(map[string]*EndpointStats),
		recent:    make([]RequestMetric, 0, maxRecentRequests),
	}
}

// RecordSuccess records a completed request.
func (m *PerformanceMonitor) RecordSuccess(endpoint, method string, latency time.Duration, statusCode int) {
	m.record(endpoint, method, latency, statusCode, nil)
}

// RecordError records a failed request.
func (m *PerformanceMonitor) RecordError(endpoint, method string, latency time.Duration, statusCode int, err error) {
	m.record(endpoint, method, latency, statusCode, err)
}

func statsKey(endpoint, method string) string {
	return endpoint + ":" + method
}

func (m *PerformanceMonitor) record(endpoint, method string, latency time.Duration, statusCode int, err error) {
	metric := RequestMetric{
		Endpoint:   endpoint,
		Method:     method,
		Latency:    latency,
		StatusCode: statusCode,
		Err:        err,
		Timestamp:  time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := statsKey(endpoint, method)
	stats, ok := m.endpoints[key]
	if !ok {
		stats = &EndpointStats{Endpoint: endpoint, Method: method}
		m.endpoints[key] = stats
	}

	stats.TotalRequests++
	if err != nil {
		stats.TotalErrors++
		m.totalErrors++
	}
	stats.TotalLatency += latency
	if stats.TotalRequests == 1 || latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}

	m.totalRequests++
	m.totalLatency += latency

	if len(m.recent) < maxRecentRequests {
		m.recent = append(m.recent, metric)
	} else {
		m.recent[m.next] = metric
		m.next = (m.next + 1) % maxRecentRequests
	}
}

// EndpointStats returns the snapshot for one (endpoint, method) pair and
// whether it exists.
func (m *PerformanceMonitor) EndpointStats(endpoint, method string) (EndpointStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats, ok := m.endpoints[statsKey(endpoint, method)]
	if !ok {
		return EndpointStats{}, false
	}
	return *stats, true
}

// OverallStats returns the aggregate across all endpoints. With zero
// requests the success rate defaults to 1.0 and the error rate to 0.0.
func (m *PerformanceMonitor) OverallStats() OverallStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := OverallStats{
		TotalRequests:   m.totalRequests,
		TotalErrors:     m.totalErrors,
		TotalLatency:    m.totalLatency,
		SuccessRate:     1.0,
		ActiveEndpoints: len(m.endpoints),
	}
	if m.totalRequests > 0 {
		stats.AverageLatency = m.totalLatency / time.Duration(m.totalRequests)
		stats.ErrorRate = float64(m.totalErrors) / float64(m.totalRequests)
		stats.SuccessRate = 1.0 - stats.ErrorRate
	}
	return stats
}

// TopPerforming returns up to n endpoints ranked by ascending mean latency.
func (m *PerformanceMonitor) TopPerforming(n int) []EndpointStats {
	return m.ranked(n, func(a, b EndpointStats) bool {
		if a.AverageLatency() != b.AverageLatency() {
			return a.AverageLatency() < b.AverageLatency()
		}
		return statsKey(a.Endpoint, a.Method) < statsKey(b.Endpoint, b.Method)
	})
}

// Slowest returns up to n endpoints ranked by descending mean latency.
func (m *PerformanceMonitor) Slowest(n int) []EndpointStats {
	return m.ranked(n, func(a, b EndpointStats) bool {
		if a.AverageLatency() != b.AverageLatency() {
			return a.AverageLatency() > b.AverageLatency()
		}
		return statsKey(a.Endpoint, a.Method) < statsKey(b.Endpoint, b.Method)
	})
}

// HighestErrorRate returns up to n endpoints ranked by descending error
// rate. Ties break deterministically by key.
func (m *PerformanceMonitor) HighestErrorRate(n int) []EndpointStats {
	return m.ranked(n, func(a, b EndpointStats) bool {
		if a.ErrorRate() != b.ErrorRate() {
			return a.ErrorRate() > b.ErrorRate()
		}
		return statsKey(a.Endpoint, a.Method) < statsKey(b.Endpoint, b.Method)
	})
}

func (m *PerformanceMonitor) ranked(n int, less func(a, b EndpointStats) bool) []EndpointStats {
	m.mu.RLock()
	out := make([]EndpointStats, 0, len(m.endpoints))
	for _, stats := range m.endpoints {
		out = append(out, *stats)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// RecentRequests returns up to n of the most recently recorded metrics,
// most recent first.
func (m *PerformanceMonitor) RecentRequests(n int) []RequestMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := len(m.recent)
	if n >= 0 && n < count {
		count = n
	}
	out := make([]RequestMetric, 0, count)

	// Walk backwards from the most recently written slot.
	newest := len(m.recent) - 1
	if len(m.recent) == maxRecentRequests {
		newest = (m.next - 1 + maxRecentRequests) % maxRecentRequests
	}
	for i := 0; i < count; i++ {
		idx := (newest - i + len(m.recent)) % len(m.recent)
		out = append(out, m.recent[idx])
	}
	return out
}

// Reset clears all accumulated state. Readers observe either the full
// pre-reset state or the empty post-reset state, never a partial clear.
func (m *PerformanceMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.endpoints = make(map[string]*EndpointStats)
	m.recent = m.recent[:0]
	m.next = 0
	m.totalRequests = 0
	m.totalErrors = 0
	m.totalLatency = 0
}
