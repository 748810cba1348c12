package resilience

import (
	"log/slog"
	"time"
)

// RetryPolicy holds the configuration for one retry loop. It is immutable
// once constructed; build variants with NewRetryPolicy and override per call
// via ExecuteWithPolicy.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	// The total number of invocations is MaxRetries+1.
	// Default: 3
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	// Default: 1 second
	BaseDelay time.Duration

	// Multiplier is the exponential growth factor:
	// delay = BaseDelay * Multiplier^attempt, attempt 0-based.
	// Default: 2.0
	Multiplier float64

	// MaxDelay caps every computed delay.
	// Default: 30 seconds
	MaxDelay time.Duration

	// JitterEnabled multiplies each delay by a uniform random factor in
	// [1-JitterFraction, 1+JitterFraction] to avoid synchronized retry
	// storms.
	// Default: true
	JitterEnabled bool

	// JitterFraction is the half-width of the jitter window, in (0, 1].
	// Default: 0.1
	JitterFraction float64

	// AdaptiveEnabled scales delays by the last observed call latency
	// (capped at 2x) once AdaptiveThreshold attempts have been made.
	// Default: true
	AdaptiveEnabled bool

	// AdaptiveThreshold is the 0-based attempt index from which adaptive
	// scaling applies.
	// Default: 2
	AdaptiveThreshold int
}

// RetryOption is a functional option for configuring a RetryPolicy.
type RetryOption func(*RetryPolicy)

// WithMaxRetries sets the number of retries after the initial attempt.
//
// Example:
//
//	resilience.WithMaxRetries(3) // up to 4 invocations total
func WithMaxRetries(retries int) RetryOption {
	return func(p *RetryPolicy) {
		p.MaxRetries = retries
	}
}

// WithBaseDelay sets the delay before the first retry.
func WithBaseDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) {
		p.BaseDelay = d
	}
}

// WithBackoffMultiplier sets the exponential growth factor.
//
// Example:
//
//	resilience.WithBackoffMultiplier(1.5) // 50% growth per retry
func WithBackoffMultiplier(multiplier float64) RetryOption {
	return func(p *RetryPolicy) {
		p.Multiplier = multiplier
	}
}

// WithMaxDelay caps every computed delay.
func WithMaxDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) {
		p.MaxDelay = d
	}
}

// WithJitter enables jitter with the given fraction in (0, 1].
//
// Example:
//
//	resilience.WithJitter(0.1) // delays vary by +/-10%
func WithJitter(fraction float64) RetryOption {
	return func(p *RetryPolicy) {
		p.JitterEnabled = true
		p.JitterFraction = fraction
	}
}

// WithoutJitter disables jitter, making delays fully deterministic.
func WithoutJitter() RetryOption {
	return func(p *RetryPolicy) {
		p.JitterEnabled = false
	}
}

// WithAdaptiveRetry enables latency-informed backoff from the given 0-based
// attempt index onward.
func WithAdaptiveRetry(threshold int) RetryOption {
	return func(p *RetryPolicy) {
		p.AdaptiveEnabled = true
		p.AdaptiveThreshold = threshold
	}
}

// WithoutAdaptiveRetry disables latency-informed backoff.
func WithoutAdaptiveRetry() RetryOption {
	return func(p *RetryPolicy) {
		p.AdaptiveEnabled = false
	}
}

// NewRetryPolicy builds a policy from the defaults plus the given options.
func NewRetryPolicy(opts ...RetryOption) *RetryPolicy {
	p := DefaultRetryPolicy()
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DefaultRetryPolicy returns the retry configuration used when none is
// provided.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		Multiplier:        2.0,
		MaxDelay:          30 * time.Second,
		JitterEnabled:     true,
		JitterFraction:    0.1,
		AdaptiveEnabled:   true,
		AdaptiveThreshold: 2,
	}
}

// CircuitBreakerConfig holds circuit breaker configuration options.
type CircuitBreakerConfig struct {
	// Name identifies the protected dependency in logs and errors.
	// Default: "shopify-api"
	Name string

	// FailureThreshold is the number of consecutive failures that opens
	// the circuit. Must be >= 1.
	// Default: 5
	FailureThreshold int

	// RequestTimeout is the per-call deadline callers should apply to the
	// underlying request. The breaker state machine does not consult it.
	// Default: 10 seconds
	RequestTimeout time.Duration

	// RecoveryTime is how long the circuit stays open before allowing a
	// half-open probe.
	// Default: 30 seconds
	RecoveryTime time.Duration

	// ErrorClassifier decides which errors count as breaker failures.
	// Default: every error counts
	ErrorClassifier CircuitBreakerErrorClassifier

	// OnStateChange is called whenever the circuit breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Logger for circuit breaker operations.
	// Default: slog.Default()
	Logger *slog.Logger
}

// CircuitBreakerOption is a functional option for configuring circuit
// breaker behavior.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// WithBreakerName sets the name used in logs and rejection errors.
func WithBreakerName(name string) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Name = name
	}
}

// WithFailureThreshold sets the consecutive-failure count that opens the
// circuit.
//
// Example:
//
//	resilience.WithFailureThreshold(2)
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.FailureThreshold = threshold
	}
}

// WithRequestTimeout sets the advisory per-call deadline. The breaker does
// not enforce it; callers read it via Config when building their requests.
func WithRequestTimeout(d time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.RequestTimeout = d
	}
}

// WithRecoveryTime sets how long the circuit stays open before probing.
//
// Example:
//
//	resilience.WithRecoveryTime(100 * time.Millisecond)
func WithRecoveryTime(d time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.RecoveryTime = d
	}
}

// WithCircuitBreakerErrorClassifier sets a custom classifier for which
// errors count as breaker failures.
func WithCircuitBreakerErrorClassifier(classifier CircuitBreakerErrorClassifier) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithStateChangeHandler sets a callback for circuit breaker state changes.
//
// Example:
//
//	resilience.WithStateChangeHandler(func(name string, from, to resilience.CircuitBreakerState) {
//	    log.Printf("circuit %s changed from %s to %s", name, from, to)
//	})
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithCircuitBreakerLogger sets a custom logger for circuit breaker
// operations.
func WithCircuitBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Logger = logger
	}
}

// DefaultCircuitBreakerConfig returns circuit breaker configuration with
// sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "shopify-api",
		FailureThreshold: 5,
		RequestTimeout:   10 * time.Second,
		RecoveryTime:     30 * time.Second,
		ErrorClassifier:  DefaultCircuitBreakerErrorClassifier(),
		Logger:           slog.Default(),
	}
}

// CircuitBreakerCounts holds the internal counts of the circuit breaker.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means the circuit is testing if the service has recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and requests are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
