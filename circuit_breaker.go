package resilience

import (
	"errors"
	"log/slog"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// CircuitBreaker fails fast once a dependency shows a run of consecutive
// failures, then probes recovery after RecoveryTime. One breaker protects
// one dependency; create separate instances for independent dependencies —
// their state is fully partitioned.
//
// State machine: CLOSED counts consecutive failures and opens at the
// threshold. OPEN rejects calls without invoking them until RecoveryTime has
// elapsed since the last failure, then admits a single HALF_OPEN probe. A
// successful probe closes the circuit and zeroes the failure counter; a
// failing probe reopens it. Any success in any state resets the counter.
type CircuitBreaker[T any] struct {
	cb         *gobreaker.CircuitBreaker[T]
	config     *CircuitBreakerConfig
	logger     *slog.Logger
	classifier CircuitBreakerErrorClassifier
}

// NewCircuitBreaker creates a breaker from the defaults plus the given
// options.
//
// Example:
//
//	cb := resilience.NewCircuitBreaker[*Order](
//	    resilience.WithFailureThreshold(2),
//	    resilience.WithRecoveryTime(100*time.Millisecond),
//	)
func NewCircuitBreaker[T any](opts ...CircuitBreakerOption) *CircuitBreaker[T] {
	config := DefaultCircuitBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultCircuitBreakerErrorClassifier()
	}
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}

	classifier := config.ErrorClassifier

	settings := gobreaker.Settings{
		Name: config.Name,

		// A single probe decides recovery: first half-open success closes
		// the circuit, first half-open failure reopens it.
		MaxRequests: 1,

		// Interval 0: closed-state counts are never cleared on a timer.
		// Successes already reset the consecutive-failure run.
		Interval: 0,
		Timeout:  config.RecoveryTime,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			config.Logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			if config.OnStateChange != nil {
				config.OnStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !classifier.ShouldTripCircuit(err)
		},
	}

	return &CircuitBreaker[T]{
		cb:         gobreaker.NewCircuitBreaker[T](settings),
		config:     config,
		logger:     config.Logger,
		classifier: classifier,
	}
}

// Execute runs the call through the breaker. When the circuit is open (or a
// half-open probe is already in flight) the call is not invoked and a
// *CircuitOpenError is returned; otherwise the call runs and its own error,
// if any, propagates unchanged — the breaker never swallows failures on the
// executing path.
func (b *CircuitBreaker[T]) Execute(call func() (T, error)) (T, error) {
	var zero T

	resp, err := b.cb.Execute(call)
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState):
			counts := b.cb.Counts()
			b.logger.Warn("circuit breaker is open, request rejected",
				"name", b.config.Name,
				"consecutive_failures", counts.ConsecutiveFailures)
			return zero, b.rejectionError("request rejected", "open", err, counts)
		case errors.Is(err, gobreaker.ErrTooManyRequests):
			counts := b.cb.Counts()
			b.logger.Debug("circuit breaker half-open, probe already in flight",
				"name", b.config.Name)
			return zero, b.rejectionError("too many requests in half-open state", "half-open", err, counts)
		}
		return zero, err
	}
	return resp, nil
}

// ExecuteWithFallback runs the call through the breaker and invokes fallback
// whenever the breaker rejected the call or the call itself failed.
func (b *CircuitBreaker[T]) ExecuteWithFallback(call, fallback func() (T, error)) (T, error) {
	resp, err := b.Execute(call)
	if err != nil {
		b.logger.Debug("circuit breaker falling back",
			"name", b.config.Name,
			"error", err)
		return fallback()
	}
	return resp, nil
}

// rejectionError wraps a preemptive breaker rejection so callers can
// distinguish "we never tried" from downstream failures. The counts snapshot
// rides on CircuitOpenError for logging sinks.
func (b *CircuitBreaker[T]) rejectionError(msg, state string, cause error, counts gobreaker.Counts) error {
	return &CircuitOpenError{
		Name: b.config.Name,
		Counts: CircuitBreakerCounts{
			Requests:             counts.Requests,
			TotalSuccesses:       counts.TotalSuccesses,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
		},
		Err: jperrors.NewCircuitBreakerError(
			msg,
			"execute",
			state,
			jperrors.WithCause(cause),
		),
	}
}

// State returns the current state of the circuit breaker.
func (b *CircuitBreaker[T]) State() CircuitBreakerState {
	return convertGobreakerState(b.cb.State())
}

// FailureCount returns the current consecutive-failure count. It resets to
// zero on any success.
func (b *CircuitBreaker[T]) FailureCount() int {
	return int(b.cb.Counts().ConsecutiveFailures)
}

// Counts returns the current counts of the circuit breaker.
func (b *CircuitBreaker[T]) Counts() CircuitBreakerCounts {
	counts := b.cb.Counts()
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// Config returns the breaker's configuration, including the advisory
// RequestTimeout callers apply to the underlying request.
func (b *CircuitBreaker[T]) Config() CircuitBreakerConfig {
	return *b.config
}

// GetHealth returns the health status of the circuit breaker.
func (b *CircuitBreaker[T]) GetHealth() HealthStatus {
	state := b.State()
	counts := b.Counts()

	var healthy bool
	switch state {
	case StateClosed:
		healthy = true
	case StateHalfOpen:
		healthy = true // Degraded but operational
	case StateOpen:
		healthy = false
	}

	return HealthStatus{
		Healthy:              healthy,
		Status:               state.String(),
		State:                state.String(),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}

// convertGobreakerState converts gobreaker.State to our CircuitBreakerState.
func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}
