package resilience

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryCondition overrides the executor's error classification for one call.
// It receives the attempt's result (the zero value when the attempt failed),
// the 0-based attempt index, and the attempt's error (nil on success), and
// returns whether another attempt should be made.
type RetryCondition[T any] func(result T, attempt int, err error) bool

// errRetryRequested marks an attempt that succeeded but whose RetryCondition
// asked for another round. When the budget runs out with this pending, the
// last successful result is returned.
var errRetryRequested = errors.New("retry requested by condition")

// ExecutorConfig holds the collaborators and defaults a RetryExecutor runs
// with. All fields are optional; nil collaborators are simply not consulted.
type ExecutorConfig struct {
	// Policy is the default retry policy, overridable per call.
	Policy *RetryPolicy

	// Calculator computes backoff delays.
	Calculator *BackoffCalculator

	// Tracker supplies rate-limit budgets and rejection delays.
	Tracker *RateLimitTracker

	// Monitor records every attempt's outcome.
	Monitor *PerformanceMonitor

	// Classifier decides which failures retry.
	Classifier ErrorClassifier

	// Throttle makes the executor wait out the tracker's optimal delay
	// before an attempt whose bucket is exhausted, instead of burning the
	// attempt on a guaranteed rejection.
	Throttle bool

	// Logger for retry decisions.
	Logger *slog.Logger
}

// ExecutorOption is a functional option for configuring a RetryExecutor.
type ExecutorOption func(*ExecutorConfig)

// WithRetryPolicy sets the executor's default policy.
func WithRetryPolicy(p *RetryPolicy) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Policy = p
	}
}

// WithBackoffCalculator sets the calculator used for retry delays.
func WithBackoffCalculator(calc *BackoffCalculator) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Calculator = calc
	}
}

// WithRateLimitTracker wires a tracker into the executor: outcomes are
// recorded against its buckets and rate-limit rejections sleep for its
// computed delay.
func WithRateLimitTracker(t *RateLimitTracker) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Tracker = t
	}
}

// WithPerformanceMonitor wires a monitor into the executor; every attempt's
// outcome is recorded.
func WithPerformanceMonitor(m *PerformanceMonitor) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Monitor = m
	}
}

// WithExecutorClassifier sets a custom error classifier for retry decisions.
func WithExecutorClassifier(classifier ErrorClassifier) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Classifier = classifier
	}
}

// WithPreemptiveThrottle makes the executor consult the tracker's optimal
// delay before attempts whose bucket is exhausted.
func WithPreemptiveThrottle() ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Throttle = true
	}
}

// WithExecutorLogger sets a custom logger for retry operations.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(c *ExecutorConfig) {
		c.Logger = logger
	}
}

// RetryExecutor orchestrates one logical operation per call: it loops
// attempts, classifies each failure, consults the BackoffCalculator and
// RateLimitTracker for delays, sleeps (cancellably, holding no locks), and
// re-invokes the call up to the policy's budget.
type RetryExecutor[T any] struct {
	config     *ExecutorConfig
	calc       *BackoffCalculator
	classifier ErrorClassifier
	logger     *slog.Logger
	stats      *executorStats
}

// executorStats tracks retry operation statistics.
type executorStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

// NewRetryExecutor creates an executor from the defaults plus the given
// options.
//
// Example:
//
//	exec := resilience.NewRetryExecutor[*ProductList](
//	    resilience.WithRetryPolicy(resilience.NewRetryPolicy(resilience.WithMaxRetries(5))),
//	    resilience.WithRateLimitTracker(tracker),
//	    resilience.WithPerformanceMonitor(monitor),
//	)
func NewRetryExecutor[T any](opts ...ExecutorOption) *RetryExecutor[T] {
	config := &ExecutorConfig{}
	for _, opt := range opts {
		opt(config)
	}

	if config.Policy == nil {
		config.Policy = DefaultRetryPolicy()
	}
	if config.Calculator == nil {
		config.Calculator = NewBackoffCalculator()
	}
	if config.Classifier == nil {
		config.Classifier = DefaultErrorClassifier()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &RetryExecutor[T]{
		config:     config,
		calc:       config.Calculator,
		classifier: config.Classifier,
		logger:     config.Logger,
		stats:      &executorStats{},
	}
}

// Execute runs the operation with the executor's default policy. It returns
// the first successful result; a *RetryExhaustedError once the budget is
// spent on retryable failures; or the failure itself when it is classified
// non-retryable, regardless of remaining budget.
func (e *RetryExecutor[T]) Execute(ctx context.Context, op Operation[T]) (T, error) {
	return e.run(ctx, op, e.config.Policy, nil, nil)
}

// ExecuteWithPolicy runs the operation with a per-call policy override.
func (e *RetryExecutor[T]) ExecuteWithPolicy(ctx context.Context, op Operation[T], policy *RetryPolicy) (T, error) {
	return e.run(ctx, op, policy, nil, nil)
}

// ExecuteWithCondition runs the operation with a custom retry predicate
// replacing the executor's classification. When the predicate declines a
// retry, the last result is returned if the attempt succeeded, or the
// failure propagates. When the budget runs out after a successful attempt
// the predicate wanted retried, that last result is returned.
func (e *RetryExecutor[T]) ExecuteWithCondition(ctx context.Context, op Operation[T], cond RetryCondition[T]) (T, error) {
	return e.run(ctx, op, e.config.Policy, nil, cond)
}

// ExecuteWithBreaker runs the operation with every attempt routed through
// the circuit breaker. A breaker rejection is not retryable: it propagates
// immediately as a *CircuitOpenError.
func (e *RetryExecutor[T]) ExecuteWithBreaker(ctx context.Context, op Operation[T], cb *CircuitBreaker[T]) (T, error) {
	return e.run(ctx, op, e.config.Policy, cb, nil)
}

// ExecuteAsync runs Execute on its own goroutine and returns a handle the
// caller can wait on without blocking.
func (e *RetryExecutor[T]) ExecuteAsync(ctx context.Context, op Operation[T]) *Future[T] {
	f := newFuture[T]()
	go func() {
		f.complete(e.Execute(ctx, op))
	}()
	return f
}

// ScheduleDelayed runs Execute after the given delay on its own goroutine.
// Cancelling the context during the delay completes the future with the
// context's error.
func (e *RetryExecutor[T]) ScheduleDelayed(ctx context.Context, op Operation[T], delay time.Duration) *Future[T] {
	f := newFuture[T]()
	go func() {
		if err := sleepContext(ctx, delay); err != nil {
			var zero T
			f.complete(zero, err)
			return
		}
		f.complete(e.Execute(ctx, op))
	}()
	return f
}

func (e *RetryExecutor[T]) run(
	ctx context.Context,
	op Operation[T],
	policy *RetryPolicy,
	cb *CircuitBreaker[T],
	cond RetryCondition[T],
) (T, error) {
	var zero T

	if err := op.validate(); err != nil {
		return zero, err
	}
	if policy == nil {
		policy = e.config.Policy
	}

	// Fail before the first attempt when the caller's context is already done.
	select {
	case <-ctx.Done():
		e.logger.Warn("context already done before request",
			"endpoint", op.Endpoint,
			"error", ctx.Err())
		return zero, ctx.Err()
	default:
	}

	boff, pb := e.calc.backoffFor(policy)

	var (
		result        T
		resultPending bool
		lastErr       error
		lastStatus    int
		lastRetryable bool
		attempts      int
	)

	doErr := retry.Do(ctx, boff, func(ctx context.Context) error {
		attempt := attempts
		attempts++

		e.stats.mu.Lock()
		e.stats.totalAttempts++
		if attempt > 0 {
			e.stats.totalRetries++
		}
		e.stats.lastAttemptTime = time.Now()
		e.stats.mu.Unlock()

		if e.config.Throttle && e.config.Tracker != nil &&
			!e.config.Tracker.CanProceed(op.Endpoint, op.Kind) {
			if d := e.config.Tracker.OptimalDelay(op.Endpoint, op.Kind); d > 0 {
				e.logger.Debug("rate limit budget exhausted, waiting",
					"endpoint", op.Endpoint,
					"kind", op.Kind.String(),
					"delay", d)
				if err := sleepContext(ctx, d); err != nil {
					return err
				}
			}
		}

		var meta ResponseMeta
		call := func() (T, error) {
			res, m, err := op.Invoke(ctx)
			meta = m
			return res, err
		}

		start := time.Now()
		var res T
		var err error
		if cb != nil {
			res, err = cb.Execute(call)
		} else {
			res, err = call()
		}
		latency := meta.Latency
		if latency <= 0 {
			latency = time.Since(start)
		}

		if err == nil {
			if e.config.Tracker != nil {
				e.config.Tracker.RecordOutcome(op.Endpoint, op.Kind, meta.Headers)
			}
			if e.config.Monitor != nil {
				e.config.Monitor.RecordSuccess(op.Endpoint, op.method(), latency, meta.StatusCode)
			}
			result = res
			resultPending = true
			if cond != nil && cond(res, attempt, nil) {
				lastRetryable = true
				pb.observeLatency(latency)
				return retry.RetryableError(errRetryRequested)
			}
			if attempt > 0 {
				e.logger.Info("request succeeded after retry",
					"endpoint", op.Endpoint,
					"attempts", attempts)
			}
			return nil
		}

		resultPending = false
		lastErr = err
		lastStatus = statusFromError(err, meta)
		if e.config.Monitor != nil {
			e.config.Monitor.RecordError(op.Endpoint, op.method(), latency, lastStatus, err)
		}

		shouldRetry := e.classifier.IsRetryable(err)
		if cond != nil {
			shouldRetry = cond(zero, attempt, err)
		}
		if !shouldRetry {
			lastRetryable = false
			e.logger.Debug("non-retryable error, giving up",
				"endpoint", op.Endpoint,
				"error", err,
				"attempts", attempts)
			return err
		}

		lastRetryable = true
		if IsRateLimited(err) {
			// The server dictates the wait on a rejection. Without a
			// tracker the policy backoff stands in.
			if e.config.Tracker != nil {
				d := e.config.Tracker.DelayOnRejection(op.Endpoint, op.Kind, headersFromError(err, meta))
				pb.setOverride(d)
				e.logger.Debug("rate limited, honoring server delay",
					"endpoint", op.Endpoint,
					"delay", d,
					"attempt", attempt)
			}
		} else {
			pb.observeLatency(latency)
			e.logger.Debug("retrying request after backoff",
				"endpoint", op.Endpoint,
				"attempt", attempt,
				"error", err)
		}
		return retry.RetryableError(err)
	})

	if doErr == nil || errors.Is(doErr, errRetryRequested) {
		// Clean success, or the budget ran out while a condition kept
		// retrying a successful result: the last result wins.
		e.stats.mu.Lock()
		e.stats.totalSuccesses++
		e.stats.mu.Unlock()
		return result, nil
	}

	e.stats.mu.Lock()
	e.stats.totalFailures++
	e.stats.lastError = doErr
	e.stats.mu.Unlock()

	// A retryable failure that consumed the whole budget becomes the
	// terminal exhaustion error, wrapping the last attempt's failure as
	// observed rather than whatever retry.Do hands back. Cancellation
	// during a backoff sleep and non-retryable failures propagate as
	// themselves.
	if lastRetryable && !resultPending && attempts == policy.MaxRetries+1 &&
		!errors.Is(doErr, context.Canceled) && !errors.Is(doErr, context.DeadlineExceeded) {
		e.logger.Warn("request failed after exhausting retries",
			"endpoint", op.Endpoint,
			"attempts", attempts,
			"error", lastErr)
		return zero, &RetryExhaustedError{
			Endpoint:       op.Endpoint,
			Attempts:       attempts,
			LastStatusCode: lastStatus,
			Kind:           ClassifyError(lastErr),
			Err:            lastErr,
		}
	}

	e.logger.Warn("request failed",
		"endpoint", op.Endpoint,
		"attempts", attempts,
		"error", doErr)
	return zero, doErr
}

// RetryStats holds statistics about the executor's operations.
type RetryStats struct {
	// TotalAttempts is the total number of attempts made (including initial and retries)
	TotalAttempts int64

	// TotalRetries is the number of retry attempts (not including initial attempts)
	TotalRetries int64

	// TotalSuccesses is the number of successful operations
	TotalSuccesses int64

	// TotalFailures is the number of failed operations (after all retries exhausted)
	TotalFailures int64

	// LastAttemptTime is the time of the last attempt
	LastAttemptTime time.Time

	// LastError is the last error encountered (if any)
	LastError error
}

// Stats returns a snapshot of the executor's statistics. Thread-safe.
func (e *RetryExecutor[T]) Stats() RetryStats {
	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()

	return RetryStats{
		TotalAttempts:   e.stats.totalAttempts,
		TotalRetries:    e.stats.totalRetries,
		TotalSuccesses:  e.stats.totalSuccesses,
		TotalFailures:   e.stats.totalFailures,
		LastAttemptTime: e.stats.lastAttemptTime,
		LastError:       e.stats.lastError,
	}
}

// sleepContext waits for d or until ctx is done, whichever comes first.
// Cancellation surfaces as the context's error, never silently.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// statusFromError extracts the HTTP status of a failed attempt, preferring
// the structured error over the raw response metadata.
func statusFromError(err error, meta ResponseMeta) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		return apiErr.StatusCode
	}
	if status := extractStatusCode(err); status != 0 {
		return status
	}
	return meta.StatusCode
}

// headersFromError returns the response headers of a failed attempt,
// preferring those carried by the structured error.
func headersFromError(err error, meta ResponseMeta) http.Header {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Headers != nil {
		return apiErr.Headers
	}
	return meta.Headers
}
