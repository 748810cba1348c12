// Package resilience provides the retry, backoff, rate-limit and circuit
// breaker coordination core for clients of the Shopify Admin API (REST and
// GraphQL). It decides, for every outbound request, whether to execute it
// now, delay it, retry it, or reject it outright, while tracking live
// statistics for observability.
//
// The package knows nothing about products, orders, or customers. Callers
// describe each logical call with an Operation: a target endpoint, a request
// kind, and an invocable that performs the actual network call. The
// RetryExecutor drives the attempt loop, consulting the RateLimitTracker,
// BackoffCalculator and CircuitBreaker, and feeding every outcome into the
// PerformanceMonitor.
package resilience

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// RequestKind identifies which Shopify rate-limit bucket an operation draws
// from. Each kind has its own requests-per-minute ceiling, tracked
// independently per endpoint.
type RequestKind int

const (
	// RequestREST is a REST Admin API call (40 requests/minute).
	RequestREST RequestKind = iota

	// RequestGraphQL is a GraphQL Admin API call (1000 requests/minute).
	RequestGraphQL

	// RequestWebhook is a webhook management call (100 requests/minute).
	RequestWebhook
)

// RequestsPerMinute returns the rate-limit ceiling for the kind.
func (k RequestKind) RequestsPerMinute() int {
	switch k {
	case RequestGraphQL:
		return 1000
	case RequestWebhook:
		return 100
	default:
		return 40
	}
}

// String returns the string representation of the request kind.
func (k RequestKind) String() string {
	switch k {
	case RequestGraphQL:
		return "GRAPHQL"
	case RequestWebhook:
		return "WEBHOOK"
	default:
		return "REST"
	}
}

// ResponseMeta is the per-attempt response metadata the core consumes. The
// invocable fills it in regardless of whether the call succeeded, so the
// tracker can read rate-limit headers and the monitor can record the status.
type ResponseMeta struct {
	// StatusCode is the HTTP status code. Zero signals a non-HTTP failure
	// such as a network error or timeout.
	StatusCode int

	// Headers are the response headers. The tracker reads Retry-After and
	// the usage header ("<used>/<limit>") from here when present.
	Headers http.Header

	// Latency is the elapsed time of the call. When zero, the executor
	// measures the invocation itself.
	Latency time.Duration
}

// Operation describes one logical outbound call. It is created per call site
// and never persisted. Endpoint and Invoke are required; Method defaults
// based on the request kind when empty.
//
// Example:
//
//	op := resilience.Operation[*ProductList]{
//	    Endpoint: "/admin/api/products.json",
//	    Kind:     resilience.RequestREST,
//	    Invoke: func(ctx context.Context) (*ProductList, resilience.ResponseMeta, error) {
//	        return fetchProducts(ctx)
//	    },
//	}
type Operation[T any] struct {
	// Endpoint identifies the target, e.g. "/admin/api/products.json".
	Endpoint string

	// Kind selects the rate-limit bucket family.
	Kind RequestKind

	// Method is the HTTP method recorded by the performance monitor.
	// Defaults to POST for GraphQL operations and GET otherwise.
	Method string

	// Invoke performs the actual call. It must honor ctx cancellation and
	// should return an *APIError (or an error exposing a status code) so
	// failures classify correctly.
	Invoke func(ctx context.Context) (T, ResponseMeta, error)
}

func (op Operation[T]) validate() error {
	if op.Endpoint == "" {
		return errors.New("operation endpoint is required")
	}
	if op.Invoke == nil {
		return errors.New("operation invocable is required")
	}
	return nil
}

func (op Operation[T]) method() string {
	if op.Method != "" {
		return op.Method
	}
	if op.Kind == RequestGraphQL {
		return http.MethodPost
	}
	return http.MethodGet
}
