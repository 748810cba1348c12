package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
)

// ErrorKind classifies an API failure. Retryability is a property of the
// kind, not of the transport exception that produced it, so wrappers in any
// layer can branch on the kind without depending on concrete error types.
type ErrorKind int

const (
	// KindUnknown is an unclassified failure. Not retryable.
	KindUnknown ErrorKind = iota

	// KindRateLimited is a 429 rejection. Retryable after the server- or
	// tracker-computed delay.
	KindRateLimited

	// KindServerError is a transient server failure (500, 502, 503, 504).
	// Retryable.
	KindServerError

	// KindNetworkError is a connection-level failure with no HTTP status.
	// Retryable.
	KindNetworkError

	// KindTimeout is a request timeout. Retryable.
	KindTimeout

	// KindAuthenticationFailed is a 401. Not retryable.
	KindAuthenticationFailed

	// KindAuthorizationFailed is a 403. Not retryable.
	KindAuthorizationFailed

	// KindResourceNotFound is a 404. Not retryable.
	KindResourceNotFound

	// KindValidationError is a 422. Not retryable.
	KindValidationError

	// KindClientError is any other 4xx. Not retryable.
	KindClientError
)

// Retryable reports whether failures of this kind should be retried.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindServerError, KindNetworkError, KindTimeout:
		return true
	default:
		return false
	}
}

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindServerError:
		return "server_error"
	case KindNetworkError:
		return "network_error"
	case KindTimeout:
		return "timeout"
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindAuthorizationFailed:
		return "authorization_failed"
	case KindResourceNotFound:
		return "resource_not_found"
	case KindValidationError:
		return "validation_error"
	case KindClientError:
		return "client_error"
	default:
		return "unknown"
	}
}

// APIError is the structured failure the core works with. Invocables should
// return one (directly or wrapped) so the executor can classify the failure
// and the tracker can read rate-limit headers from it.
type APIError struct {
	// Kind classifies the failure and decides retryability.
	Kind ErrorKind

	// StatusCode is the HTTP status, zero for non-HTTP failures.
	StatusCode int

	// Endpoint is the target that produced the failure.
	Endpoint string

	// Message is a short human-readable description.
	Message string

	// RetryAfter is the server-requested wait, when one was communicated.
	RetryAfter time.Duration

	// Headers are the response headers of the failed attempt, consulted for
	// Retry-After and usage information on rate-limit rejections.
	Headers http.Header

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d) on %s", msg, e.StatusCode, e.Endpoint)
	}
	return fmt.Sprintf("%s on %s", msg, e.Endpoint)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure should be retried.
func (e *APIError) Retryable() bool {
	return e.Kind.Retryable()
}

// NewRateLimitedError creates a rate-limit rejection carrying the response
// headers so the tracker can honor Retry-After.
func NewRateLimitedError(endpoint string, headers http.Header) *APIError {
	return &APIError{
		Kind:       KindRateLimited,
		StatusCode: http.StatusTooManyRequests,
		Endpoint:   endpoint,
		Message:    "rate limit exceeded",
		Headers:    headers,
	}
}

// NewServerError creates a retryable server failure for the given 5xx status.
func NewServerError(endpoint string, statusCode int, cause error) *APIError {
	return &APIError{
		Kind:       KindServerError,
		StatusCode: statusCode,
		Endpoint:   endpoint,
		Message:    "server error",
		Err:        cause,
	}
}

// NewNetworkError creates a retryable connection-level failure.
func NewNetworkError(endpoint string, cause error) *APIError {
	return &APIError{
		Kind:     KindNetworkError,
		Endpoint: endpoint,
		Message:  "network error",
		Err:      cause,
	}
}

// NewTimeoutError creates a retryable timeout failure.
func NewTimeoutError(endpoint string, timeout time.Duration) *APIError {
	return &APIError{
		Kind:     KindTimeout,
		Endpoint: endpoint,
		Message:  fmt.Sprintf("request timed out after %s", timeout),
	}
}

// NewAuthenticationError creates a non-retryable 401 failure.
func NewAuthenticationError(endpoint, details string) *APIError {
	return &APIError{
		Kind:       KindAuthenticationFailed,
		StatusCode: http.StatusUnauthorized,
		Endpoint:   endpoint,
		Message:    "authentication failed: " + details,
	}
}

// NewAuthorizationError creates a non-retryable 403 failure.
func NewAuthorizationError(endpoint, details string) *APIError {
	return &APIError{
		Kind:       KindAuthorizationFailed,
		StatusCode: http.StatusForbidden,
		Endpoint:   endpoint,
		Message:    "authorization failed: " + details,
	}
}

// NewNotFoundError creates a non-retryable 404 failure.
func NewNotFoundError(endpoint, resource string) *APIError {
	return &APIError{
		Kind:       KindResourceNotFound,
		StatusCode: http.StatusNotFound,
		Endpoint:   endpoint,
		Message:    "resource not found: " + resource,
	}
}

// NewValidationError creates a non-retryable 422 failure.
func NewValidationError(endpoint, details string) *APIError {
	return &APIError{
		Kind:       KindValidationError,
		StatusCode: http.StatusUnprocessableEntity,
		Endpoint:   endpoint,
		Message:    "validation error: " + details,
	}
}

// ErrorFromStatus builds an APIError classified from an HTTP status code.
// Thin API wrappers use this to convert raw responses into the taxonomy.
func ErrorFromStatus(endpoint string, statusCode int, headers http.Header, cause error) *APIError {
	kind := ClassifyStatus(statusCode)
	msg := http.StatusText(statusCode)
	if msg == "" {
		msg = "api error"
	}
	return &APIError{
		Kind:       kind,
		StatusCode: statusCode,
		Endpoint:   endpoint,
		Message:    msg,
		Headers:    headers,
		Err:        cause,
	}
}

// ClassifyStatus maps an HTTP status code to an ErrorKind. Zero maps to
// KindNetworkError (non-HTTP failure); 5xx codes outside the retryable set
// (500/502/503/504) map to KindUnknown.
func ClassifyStatus(statusCode int) ErrorKind {
	switch statusCode {
	case 0:
		return KindNetworkError
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return KindServerError
	case http.StatusUnauthorized:
		return KindAuthenticationFailed
	case http.StatusForbidden:
		return KindAuthorizationFailed
	case http.StatusNotFound:
		return KindResourceNotFound
	case http.StatusUnprocessableEntity:
		return KindValidationError
	}
	if statusCode >= 400 && statusCode < 500 {
		return KindClientError
	}
	return KindUnknown
}

// ClassifyError derives the ErrorKind of an arbitrary error. Structured
// APIErrors classify by their own kind; jp-go-errors sentinels and errors
// exposing a status code classify from those; anything else is treated as a
// network-level failure, matching how unknown transport errors behave.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, pkgerrors.ErrRateLimited) {
		return KindRateLimited
	}
	if pkgerrors.IsTimeout(err) {
		return KindTimeout
	}
	if status := extractStatusCode(err); status != 0 {
		return ClassifyStatus(status)
	}
	return KindNetworkError
}

// IsRateLimited reports whether the error is a rate-limit rejection.
func IsRateLimited(err error) bool {
	return ClassifyError(err) == KindRateLimited
}

// RetryExhaustedError is the terminal failure returned once the retry budget
// is spent. It wraps the last observed cause and retains enough context for
// callers to branch on the outcome without string matching.
type RetryExhaustedError struct {
	// Endpoint is the operation target.
	Endpoint string

	// Attempts is the total number of invocations made.
	Attempts int

	// LastStatusCode is the status of the final attempt, zero if non-HTTP.
	LastStatusCode int

	// Kind is the classification of the final failure.
	Kind ErrorKind

	// Err is the final failure.
	Err error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempts on %s: %v", e.Attempts, e.Endpoint, e.Err)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// IsRetryExhausted reports whether the error is a terminal retry-budget
// exhaustion, as opposed to a non-retryable failure that propagated on first
// occurrence or a circuit-open rejection.
func IsRetryExhausted(err error) bool {
	var e *RetryExhaustedError
	return errors.As(err, &e)
}

// CircuitOpenError is the preemptive rejection returned when the circuit
// breaker refuses a call without invoking it. It is distinct from
// RetryExhaustedError so callers can tell "we never tried" apart from "we
// tried and exhausted retries".
type CircuitOpenError struct {
	// Name identifies the breaker that rejected the call.
	Name string

	// Counts is a snapshot of the breaker counters at rejection time.
	Counts CircuitBreakerCounts

	// Err is the underlying breaker error.
	Err error
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *CircuitOpenError) Unwrap() error {
	return e.Err
}

// IsCircuitOpen reports whether the error is a circuit breaker rejection.
func IsCircuitOpen(err error) bool {
	var e *CircuitOpenError
	return errors.As(err, &e)
}

// ErrorClassifier determines whether an error should trigger a retry.
// Implement this interface to customize retry behavior for your specific
// error types.
type ErrorClassifier interface {
	// IsRetryable returns true if the error represents a transient failure
	// that should be retried.
	IsRetryable(err error) bool
}

// CircuitBreakerErrorClassifier determines whether an error should count as
// a failure for the circuit breaker.
type CircuitBreakerErrorClassifier interface {
	// ShouldTripCircuit returns true if the error should increment the
	// breaker's failure counter.
	ShouldTripCircuit(err error) bool
}

// HTTPError represents an error with an associated HTTP status code. Many
// HTTP client libraries provide errors that implement this interface.
type HTTPError interface {
	error
	StatusCode() int
}

// kindClassifier is the default ErrorClassifier. It classifies by ErrorKind
// and treats context cancellation as non-retryable: retrying with the same
// context would fail immediately.
type kindClassifier struct{}

func (kindClassifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if IsCircuitOpen(err) {
		return false
	}
	return ClassifyError(err).Retryable()
}

// DefaultErrorClassifier returns the classifier used when none is configured.
// It follows the package taxonomy: rate limits, 5xx server errors, network
// errors and timeouts retry; everything else propagates immediately.
func DefaultErrorClassifier() ErrorClassifier {
	return kindClassifier{}
}

// tripAllClassifier counts every failure against the breaker, per the
// breaker contract: any failure increments the consecutive-failure counter.
type tripAllClassifier struct{}

func (tripAllClassifier) ShouldTripCircuit(err error) bool {
	return err != nil
}

// DefaultCircuitBreakerErrorClassifier returns the breaker classifier used
// when none is configured: every error counts as a failure.
func DefaultCircuitBreakerErrorClassifier() CircuitBreakerErrorClassifier {
	return tripAllClassifier{}
}

// StatusCodeError wraps an error with an HTTP status code. Use this when you
// need to add status code information to an existing error from a system
// that does not provide one.
//
// Example:
//
//	err := doRequest()
//	if err != nil {
//	    return resilience.NewStatusCodeError(http.StatusServiceUnavailable, err)
//	}
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code.
// This implements the HTTPError interface.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError creates a new StatusCodeError.
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{
		Code: statusCode,
		Err:  err,
	}
}

// extractStatusCode attempts to extract an HTTP status code from an error.
func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}
