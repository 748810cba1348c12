package resilience

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// BackoffCalculator computes retry delays from a policy and attempt count.
// It is pure with respect to its explicit inputs except for the jitter draw,
// which comes from an injectable random source so tests stay deterministic.
type BackoffCalculator struct {
	randFloat func() float64
}

// BackoffOption is a functional option for configuring a BackoffCalculator.
type BackoffOption func(*BackoffCalculator)

// WithRandomSource replaces the jitter source. The function must return
// values uniformly distributed in [0, 1).
//
// Example:
//
//	calc := resilience.NewBackoffCalculator(
//	    resilience.WithRandomSource(func() float64 { return 0.5 }), // no jitter
//	)
func WithRandomSource(fn func() float64) BackoffOption {
	return func(c *BackoffCalculator) {
		c.randFloat = fn
	}
}

// NewBackoffCalculator creates a calculator with the default random source.
func NewBackoffCalculator(opts ...BackoffOption) *BackoffCalculator {
	c := &BackoffCalculator{
		randFloat: rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Delay computes the wait before retrying the given 0-based attempt.
//
// The base is BaseDelay * Multiplier^attempt. When adaptive retry is enabled,
// attempt has reached the adaptive threshold and a latency sample exists, the
// delay is scaled by min(latency in seconds, 2.0), so slow dependencies get
// longer waits and fast ones shorter. Jitter then multiplies by a uniform
// factor in [1-JitterFraction, 1+JitterFraction]. The result is clamped to
// [0, MaxDelay].
func (c *BackoffCalculator) Delay(policy *RetryPolicy, attempt int, lastLatency time.Duration) time.Duration {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(policy.BaseDelay) * math.Pow(policy.Multiplier, float64(attempt))

	if policy.AdaptiveEnabled && lastLatency > 0 && attempt >= policy.AdaptiveThreshold {
		factor := math.Min(lastLatency.Seconds(), 2.0)
		delay *= factor
	}

	if policy.JitterEnabled && policy.JitterFraction > 0 {
		jitter := 1.0 + (c.randFloat()-0.5)*2*policy.JitterFraction
		delay *= jitter
	}

	if delay < 0 || math.IsNaN(delay) {
		delay = 0
	}
	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	return time.Duration(delay)
}

// policyBackoff adapts a RetryPolicy to retry.Backoff so the executor can
// drive its loop through retry.Do. The retry function feeds it per-attempt
// state: the observed latency for adaptive scaling, or a one-shot override
// when the server dictated the wait on a rate-limit rejection.
type policyBackoff struct {
	calc   *BackoffCalculator
	policy *RetryPolicy

	mu          sync.Mutex
	attempt     int
	lastLatency time.Duration
	override    time.Duration
	hasOverride bool
}

func newPolicyBackoff(calc *BackoffCalculator, policy *RetryPolicy) *policyBackoff {
	return &policyBackoff{calc: calc, policy: policy}
}

// Next implements retry.Backoff. It never signals stop; the executor bounds
// the loop with retry.WithMaxRetries.
func (b *policyBackoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	attempt := b.attempt
	b.attempt++

	if b.hasOverride {
		b.hasOverride = false
		return b.override, false
	}
	return b.calc.Delay(b.policy, attempt, b.lastLatency), false
}

// setOverride makes the next delay exactly d, bypassing the policy formula.
func (b *policyBackoff) setOverride(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.override = d
	b.hasOverride = true
}

// observeLatency records the latency of the attempt that just failed, for
// adaptive scaling of subsequent delays.
func (b *policyBackoff) observeLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastLatency = d
}

// backoffFor wraps the policy sequence with the retry budget. Exposed on the
// calculator so callers integrating directly with sethvargo/go-retry can
// reuse the policy semantics.
func (c *BackoffCalculator) backoffFor(policy *RetryPolicy) (retry.Backoff, *policyBackoff) {
	b := newPolicyBackoff(c, policy)
	maxRetries := policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return retry.WithMaxRetries(uint64(maxRetries), b), b
}

// Backoff returns a retry.Backoff over the policy's delay sequence, bounded
// by its retry budget, for use with retry.Do outside the executor.
func (c *BackoffCalculator) Backoff(policy *RetryPolicy) retry.Backoff {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	b, _ := c.backoffFor(policy)
	return b
}
