package resilience

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// rateWindow is the rolling window every bucket counts against.
	rateWindow = time.Minute

	// rejectionFallbackDelay is returned for a rate-limit rejection whose
	// Retry-After header is present but not an integer. HTTP-date values
	// are not parsed; they fall back here too.
	rejectionFallbackDelay = 60 * time.Second

	// DefaultUsageHeader is the response header Shopify reports bucket
	// usage in, shaped "<used>/<limit>".
	DefaultUsageHeader = "X-Shopify-Shop-Api-Call-Limit"
)

// RateLimitTracker tracks per-(kind, endpoint) request budgets against a
// rolling 60-second window. Buckets are created lazily on first reference
// and live until ResetAll. When the server reports its own usage figure in a
// response header, that figure overwrites the local count: the server is
// authoritative.
//
// All methods are safe for concurrent use.
type RateLimitTracker struct {
	buckets       sync.Map // bucket key -> *rateBucket
	totalRequests atomic.Int64
	lastReset     atomic.Int64 // unix nanos

	usageHeader string
	now         func() time.Time
	logger      *slog.Logger
}

// TrackerOption is a functional option for configuring a RateLimitTracker.
type TrackerOption func(*RateLimitTracker)

// WithUsageHeader overrides the response header the tracker reads
// server-reported usage from. Default: DefaultUsageHeader.
func WithUsageHeader(name string) TrackerOption {
	return func(t *RateLimitTracker) {
		t.usageHeader = name
	}
}

// WithTimeSource replaces the tracker's clock, primarily for tests that need
// to simulate window elapse.
func WithTimeSource(now func() time.Time) TrackerOption {
	return func(t *RateLimitTracker) {
		t.now = now
	}
}

// WithTrackerLogger sets a custom logger for rate-limit decisions.
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *RateLimitTracker) {
		t.logger = logger
	}
}

// NewRateLimitTracker creates an empty tracker.
func NewRateLimitTracker(opts ...TrackerOption) *RateLimitTracker {
	t := &RateLimitTracker{
		usageHeader: DefaultUsageHeader,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.lastReset.Store(t.now().UnixNano())
	return t
}

// rateBucket is one (kind, endpoint) counter. All fields are guarded by mu;
// read-modify-write sequences never escape the lock, so concurrent callers
// cannot lose updates.
type rateBucket struct {
	kind RequestKind

	mu          sync.Mutex
	usage       int
	windowStart time.Time
	lastRequest time.Time
	serverLimit int // last server-reported limit, 0 when unknown
}

func bucketKey(endpoint string, kind RequestKind) string {
	return kind.String() + ":" + endpoint
}

func (t *RateLimitTracker) bucket(endpoint string, kind RequestKind) *rateBucket {
	key := bucketKey(endpoint, kind)
	if b, ok := t.buckets.Load(key); ok {
		return b.(*rateBucket)
	}
	b, _ := t.buckets.LoadOrStore(key, &rateBucket{kind: kind, windowStart: t.now()})
	return b.(*rateBucket)
}

// resetIfElapsedLocked zeroes the usage count when the window has passed.
// Callers must hold b.mu.
func (b *rateBucket) resetIfElapsedLocked(now time.Time) {
	if now.Sub(b.windowStart) >= rateWindow {
		b.usage = 0
		b.windowStart = now
	}
}

// CanProceed reports whether a request may be made right now without
// exceeding the kind's ceiling. Crossing the 60-second window boundary
// resets the bucket's usage to zero as a side effect.
func (t *RateLimitTracker) CanProceed(endpoint string, kind RequestKind) bool {
	b := t.bucket(endpoint, kind)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := t.now()
	if now.Sub(b.windowStart) >= rateWindow {
		b.usage = 0
		b.windowStart = now
		return true
	}
	return b.usage < kind.RequestsPerMinute()
}

// RecordOutcome counts a completed request against the bucket. When the
// response carries a parseable usage header ("<used>/<limit>"), the
// server-reported figure overwrites the local count; a malformed header is
// ignored and the local increment stands.
func (t *RateLimitTracker) RecordOutcome(endpoint string, kind RequestKind, headers http.Header) {
	b := t.bucket(endpoint, kind)
	b.mu.Lock()

	now := t.now()
	b.resetIfElapsedLocked(now)
	b.usage++
	b.lastRequest = now

	if headers != nil {
		if raw := headers.Get(t.usageHeader); raw != "" {
			if used, limit, ok := parseUsageHeader(raw); ok {
				b.usage = used
				b.serverLimit = limit
			} else {
				t.logger.Debug("ignoring malformed usage header",
					"header", t.usageHeader,
					"value", raw,
					"endpoint", endpoint)
			}
		}
	}
	b.mu.Unlock()

	t.totalRequests.Add(1)
}

// DelayOnRejection computes how long to wait after the server rejected a
// request for rate limiting. An integer Retry-After header is honored as
// seconds; a non-empty unparseable value (including HTTP dates, which are
// deliberately not parsed) falls back to 60 seconds. With no header at all
// the wait is the time remaining in the current window, minimum 1 second.
func (t *RateLimitTracker) DelayOnRejection(endpoint string, kind RequestKind, headers http.Header) time.Duration {
	if headers != nil {
		if raw := headers.Get("Retry-After"); raw != "" {
			if secs, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && secs >= 0 {
				return time.Duration(secs) * time.Second
			}
			t.logger.Debug("unusable Retry-After, using fallback delay",
				"value", raw,
				"endpoint", endpoint)
			return rejectionFallbackDelay
		}
	}

	b := t.bucket(endpoint, kind)
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := rateWindow - t.now().Sub(b.windowStart)
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}

// OptimalDelay returns how long a caller should wait before its next request
// to stay under the ceiling: zero when the bucket is unknown or has budget,
// otherwise the time remaining in the window plus a safety buffer of 10% of
// the remainder (at least 1 second).
func (t *RateLimitTracker) OptimalDelay(endpoint string, kind RequestKind) time.Duration {
	v, ok := t.buckets.Load(bucketKey(endpoint, kind))
	if !ok {
		return 0
	}
	b := v.(*rateBucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := t.now()
	b.resetIfElapsedLocked(now)
	if b.usage < kind.RequestsPerMinute() {
		return 0
	}

	remaining := rateWindow - now.Sub(b.windowStart)
	if remaining <= 0 {
		return 0
	}
	buffer := remaining / 10
	if buffer < time.Second {
		buffer = time.Second
	}
	return remaining + buffer
}

// Usage returns the current window's usage count for the bucket, zero when
// the bucket does not exist yet.
func (t *RateLimitTracker) Usage(endpoint string, kind RequestKind) int {
	v, ok := t.buckets.Load(bucketKey(endpoint, kind))
	if !ok {
		return 0
	}
	b := v.(*rateBucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfElapsedLocked(t.now())
	return b.usage
}

// TrackerStats is a point-in-time snapshot of rate-limit tracking for
// observability.
type TrackerStats struct {
	// TotalRequests is the number of outcomes recorded since the last reset.
	TotalRequests int64

	// ActiveBuckets is the number of (kind, endpoint) buckets in use.
	ActiveBuckets int

	// CurrentUsage is the sum of current-window usage across all buckets.
	CurrentUsage int

	// LastResetTime is when ResetAll was last called (or the tracker was
	// created).
	LastResetTime time.Time
}

// Stats returns a snapshot of the tracker's state.
func (t *RateLimitTracker) Stats() TrackerStats {
	stats := TrackerStats{
		TotalRequests: t.totalRequests.Load(),
		LastResetTime: time.Unix(0, t.lastReset.Load()),
	}
	t.buckets.Range(func(_, v any) bool {
		b := v.(*rateBucket)
		b.mu.Lock()
		stats.CurrentUsage += b.usage
		b.mu.Unlock()
		stats.ActiveBuckets++
		return true
	})
	return stats
}

// ResetAll clears every bucket and the global counters. Safe to call
// concurrently with in-flight operations; those observe either pre- or
// post-reset buckets, never a corrupted count.
func (t *RateLimitTracker) ResetAll() {
	t.buckets.Range(func(key, _ any) bool {
		t.buckets.Delete(key)
		return true
	})
	t.totalRequests.Store(0)
	t.lastReset.Store(t.now().UnixNano())
}

// parseUsageHeader parses "<used>/<limit>". Both parts must be integers.
func parseUsageHeader(raw string) (used, limit int, ok bool) {
	parts := strings.Split(strings.TrimSpace(raw), "/")
	if len(parts) != 2 {
		return 0, 0, false
	}
	used, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	limit, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, false
	}
	return used, limit, true
}
