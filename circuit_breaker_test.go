package resilience_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	resilience "github.com/commercepipe/shopify-resilience"
)

// tripOnServerErrors only counts retryable server-side failures against the
// breaker, leaving client mistakes out of the failure run.
type tripOnServerErrors struct{}

func (tripOnServerErrors) ShouldTripCircuit(err error) bool {
	return resilience.ClassifyError(err) == resilience.KindServerError
}

var _ = Describe("CircuitBreaker", func() {
	var errBoom error

	BeforeEach(func() {
		errBoom = errors.New("boom")
	})

	Describe("Execute", func() {
		It("starts closed and passes successes through", func() {
			cb := resilience.NewCircuitBreaker[string]()

			Expect(cb.State()).To(Equal(resilience.StateClosed))

			result, err := cb.Execute(func() (string, error) {
				return "ok", nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("ok"))
			Expect(cb.State()).To(Equal(resilience.StateClosed))
		})

		It("propagates the call's own error while closed", func() {
			cb := resilience.NewCircuitBreaker[string](
				resilience.WithFailureThreshold(5),
			)

			_, err := cb.Execute(func() (string, error) {
				return "", errBoom
			})
			Expect(err).To(MatchError(errBoom))
			Expect(resilience.IsCircuitOpen(err)).To(BeFalse())
		})

		It("counts consecutive failures while closed", func() {
			cb := resilience.NewCircuitBreaker[string](
				resilience.WithFailureThreshold(5),
			)

			for i := 0; i < 3; i++ {
				_, err := cb.Execute(func() (string, error) {
					return "", errBoom
				})
				Expect(err).To(MatchError(errBoom))
			}

			Expect(cb.State()).To(Equal(resilience.StateClosed))
			Expect(cb.FailureCount()).To(Equal(3))
		})

		It("resets the failure run on any success", func() {
			cb := resilience.NewCircuitBreaker[string](
				resilience.WithFailureThreshold(5),
			)

			cb.Execute(func() (string, error) { return "", errBoom })
			cb.Execute(func() (string, error) { return "", errBoom })
			Expect(cb.FailureCount()).To(Equal(2))

			_, err := cb.Execute(func() (string, error) { return "ok", nil })
			Expect(err).NotTo(HaveOccurred())
			Expect(cb.FailureCount()).To(Equal(0))
		})

		It("opens at the failure threshold and rejects without invoking", func() {
			cb := resilience.NewCircuitBreaker[string](
				resilience.WithFailureThreshold(2),
				resilience.WithRecoveryTime(time.Minute),
			)

			calls := 0
			failing := func() (string, error) {
				calls++
				return "", errBoom
			}

			cb.Execute(failing)
			cb.Execute(failing)
			Expect(cb.State()).To(Equal(resilience.StateOpen))
			Expect(calls).To(Equal(2))

			_, err := cb.Execute(failing)
			Expect(resilience.IsCircuitOpen(err)).To(BeTrue())
			Expect(calls).To(Equal(2))

			var openErr *resilience.CircuitOpenError
			Expect(errors.As(err, &openErr)).To(BeTrue())
			Expect(openErr.Name).To(Equal("shopify-api"))
			Expect(openErr.Err).NotTo(BeNil())
			Expect(err.Error()).NotTo(BeEmpty())
		})

		It("recovers through a successful half-open probe", func() {
			cb := resilience.NewCircuitBreaker[string](
				resilience.WithFailureThreshold(1),
				resilience.WithRecoveryTime(100*time.Millisecond),
			)

			calls := 0
			_, err := cb.Execute(func() (string, error) {
				calls++
				return "", errBoom
			})
			Expect(err).To(MatchError(errBoom))
			Expect(cb.State()).To(Equal(resilience.StateOpen))

			// Rejections while open never reach the dependency.
			for i := 0; i < 3; i++ {
				_, err = cb.Execute(func() (string, error) {
					calls++
					return "", errBoom
				})
				Expect(resilience.IsCircuitOpen(err)).To(BeTrue())
			}
			Expect(calls).To(Equal(1))

			time.Sleep(150 * time.Millisecond)
			Expect(cb.State()).To(Equal(resilience.StateHalfOpen))

			result, err := cb.Execute(func() (string, error) {
				calls++
				return "recovered", nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("recovered"))
			Expect(calls).To(Equal(2))
			Expect(cb.State()).To(Equal(resilience.StateClosed))
			Expect(cb.FailureCount()).To(Equal(0))
		})

		It("reopens when the half-open probe fails", func() {
			cb := resilience.NewCircuitBreaker[string](
				resilience.WithFailureThreshold(1),
				resilience.WithRecoveryTime(50*time.Millisecond),
			)

			cb.Execute(func() (string, error) { return "", errBoom })
			Expect(cb.State()).To(Equal(resilience.StateOpen))

			time.Sleep(80 * time.Millisecond)

			_, err := cb.Execute(func() (string, error) { return "", errBoom })
			Expect(err).To(MatchError(errBoom))
			Expect(cb.State()).To(Equal(resilience.StateOpen))
		})

		It("keeps separate instances fully partitioned", func() {
			orders := resilience.NewCircuitBreaker[string](
				resilience.WithBreakerName("orders"),
				resilience.WithFailureThreshold(1),
			)
			products := resilience.NewCircuitBreaker[string](
				resilience.WithBreakerName("products"),
				resilience.WithFailureThreshold(1),
			)

			orders.Execute(func() (string, error) { return "", errBoom })
			Expect(orders.State()).To(Equal(resilience.StateOpen))
			Expect(products.State()).To(Equal(resilience.StateClosed))

			result, err := products.Execute(func() (string, error) {
				return "ok", nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("ok"))
		})

		It("ignores errors the classifier excludes", func() {
			cb := resilience.NewCircuitBreaker[string](
				resilience.WithFailureThreshold(1),
				resilience.WithCircuitBreakerErrorClassifier(tripOnServerErrors{}),
			)

			_, err := cb.Execute(func() (string, error) {
				return "", resilience.NewValidationError("/products.json", "bad payload")
			})
			Expect(err).To(HaveOccurred())
			Expect(cb.State()).To(Equal(resilience.StateClosed))
			Expect(cb.FailureCount()).To(Equal(0))

			cb.Execute(func() (string, error) {
				return "", resilience.NewServerError("/products.json", 503, nil)
			})
			Expect(cb.State()).To(Equal(resilience.StateOpen))
		})

		It("notifies the state change handler on transitions", func() {
			type transition struct {
				from, to resilience.CircuitBreakerState
			}
			var seen []transition

			cb := resilience.NewCircuitBreaker[string](
				resilience.WithBreakerName("observed"),
				resilience.WithFailureThreshold(1),
				resilience.WithStateChangeHandler(func(name string, from, to resilience.CircuitBreakerState) {
					Expect(name).To(Equal("observed"))
					seen = append(seen, transition{from, to})
				}),
			)

			cb.Execute(func() (string, error) { return "", errBoom })

			Expect(seen).To(HaveLen(1))
			Expect(seen[0].from).To(Equal(resilience.StateClosed))
			Expect(seen[0].to).To(Equal(resilience.StateOpen))
		})
	})

	Describe("ExecuteWithFallback", func() {
		It("returns the primary result when the call succeeds", func() {
			cb := resilience.NewCircuitBreaker[string]()

			result, err := cb.ExecuteWithFallback(
				func() (string, error) { return "primary", nil },
				func() (string, error) { return "fallback", nil },
			)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("primary"))
		})

		It("falls back when the circuit rejects the call", func() {
			cb := resilience.NewCircuitBreaker[string](
				resilience.WithFailureThreshold(1),
				resilience.WithRecoveryTime(time.Minute),
			)
			cb.Execute(func() (string, error) { return "", errBoom })
			Expect(cb.State()).To(Equal(resilience.StateOpen))

			result, err := cb.ExecuteWithFallback(
				func() (string, error) { return "primary", nil },
				func() (string, error) { return "cached", nil },
			)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("cached"))
		})

		It("falls back when the call itself fails", func() {
			cb := resilience.NewCircuitBreaker[string](
				resilience.WithFailureThreshold(5),
			)

			result, err := cb.ExecuteWithFallback(
				func() (string, error) { return "", errBoom },
				func() (string, error) { return "cached", nil },
			)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("cached"))
		})
	})

	Describe("GetHealth", func() {
		It("reports healthy while closed and unhealthy while open", func() {
			cb := resilience.NewCircuitBreaker[string](
				resilience.WithFailureThreshold(1),
				resilience.WithRecoveryTime(time.Minute),
			)

			health := cb.GetHealth()
			Expect(health.Healthy).To(BeTrue())
			Expect(health.State).To(Equal("closed"))

			cb.Execute(func() (string, error) { return "", errBoom })

			health = cb.GetHealth()
			Expect(health.Healthy).To(BeFalse())
			Expect(health.State).To(Equal("open"))
		})
	})
})
