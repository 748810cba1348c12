package resilience_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	resilience "github.com/commercepipe/shopify-resilience"
)

var _ = Describe("BackoffCalculator", func() {
	var calc *resilience.BackoffCalculator

	BeforeEach(func() {
		calc = resilience.NewBackoffCalculator()
	})

	Describe("Delay", func() {
		Context("with jitter and adaptive retry disabled", func() {
			var policy *resilience.RetryPolicy

			BeforeEach(func() {
				policy = resilience.NewRetryPolicy(
					resilience.WithBaseDelay(100*time.Millisecond),
					resilience.WithBackoffMultiplier(2.0),
					resilience.WithMaxDelay(30*time.Second),
					resilience.WithoutJitter(),
					resilience.WithoutAdaptiveRetry(),
				)
			})

			It("grows exponentially with the attempt index", func() {
				Expect(calc.Delay(policy, 0, 0)).To(Equal(100 * time.Millisecond))
				Expect(calc.Delay(policy, 1, 0)).To(Equal(200 * time.Millisecond))
				Expect(calc.Delay(policy, 2, 0)).To(Equal(400 * time.Millisecond))
				Expect(calc.Delay(policy, 3, 0)).To(Equal(800 * time.Millisecond))
			})

			It("never shrinks as attempts grow", func() {
				prev := calc.Delay(policy, 0, 0)
				for attempt := 1; attempt < 20; attempt++ {
					d := calc.Delay(policy, attempt, 0)
					Expect(d).To(BeNumerically(">=", prev))
					prev = d
				}
			})

			It("clamps every delay to the cap", func() {
				for attempt := 0; attempt < 40; attempt++ {
					Expect(calc.Delay(policy, attempt, 0)).To(BeNumerically("<=", 30*time.Second))
				}
				Expect(calc.Delay(policy, 39, 0)).To(Equal(30 * time.Second))
			})

			It("treats a negative attempt as the first", func() {
				Expect(calc.Delay(policy, -1, 0)).To(Equal(100 * time.Millisecond))
			})
		})

		Context("with adaptive retry enabled", func() {
			var policy *resilience.RetryPolicy

			BeforeEach(func() {
				policy = resilience.NewRetryPolicy(
					resilience.WithBaseDelay(100*time.Millisecond),
					resilience.WithBackoffMultiplier(2.0),
					resilience.WithoutJitter(),
					resilience.WithAdaptiveRetry(2),
				)
			})

			It("ignores latency below the threshold attempt", func() {
				Expect(calc.Delay(policy, 1, 3*time.Second)).To(Equal(200 * time.Millisecond))
			})

			It("scales by the observed latency from the threshold onward", func() {
				// base 100ms * 2^2 = 400ms, scaled by 0.5s latency.
				Expect(calc.Delay(policy, 2, 500*time.Millisecond)).To(Equal(200 * time.Millisecond))
			})

			It("caps the latency factor at 2x", func() {
				Expect(calc.Delay(policy, 2, 10*time.Second)).To(Equal(800 * time.Millisecond))
			})

			It("skips scaling without a latency sample", func() {
				Expect(calc.Delay(policy, 2, 0)).To(Equal(400 * time.Millisecond))
			})
		})

		Context("with jitter enabled", func() {
			It("is reproducible under an injected random source", func() {
				fixed := resilience.NewBackoffCalculator(
					resilience.WithRandomSource(func() float64 { return 0.75 }),
				)
				policy := resilience.NewRetryPolicy(
					resilience.WithBaseDelay(time.Second),
					resilience.WithJitter(0.1),
					resilience.WithoutAdaptiveRetry(),
				)

				// factor = 1 + (0.75-0.5)*2*0.1 = 1.05
				Expect(fixed.Delay(policy, 0, 0)).To(Equal(1050 * time.Millisecond))
			})

			It("stays within the jitter window", func() {
				policy := resilience.NewRetryPolicy(
					resilience.WithBaseDelay(time.Second),
					resilience.WithJitter(0.1),
					resilience.WithoutAdaptiveRetry(),
				)

				for i := 0; i < 100; i++ {
					d := calc.Delay(policy, 0, 0)
					Expect(d).To(BeNumerically(">=", 900*time.Millisecond))
					Expect(d).To(BeNumerically("<=", 1100*time.Millisecond))
				}
			})
		})
	})

	Describe("Backoff", func() {
		It("produces the policy sequence for retry.Do integration", func() {
			policy := resilience.NewRetryPolicy(
				resilience.WithMaxRetries(2),
				resilience.WithBaseDelay(10*time.Millisecond),
				resilience.WithBackoffMultiplier(2.0),
				resilience.WithoutJitter(),
				resilience.WithoutAdaptiveRetry(),
			)
			b := calc.Backoff(policy)

			d, stop := b.Next()
			Expect(stop).To(BeFalse())
			Expect(d).To(Equal(10 * time.Millisecond))

			d, stop = b.Next()
			Expect(stop).To(BeFalse())
			Expect(d).To(Equal(20 * time.Millisecond))

			_, stop = b.Next()
			Expect(stop).To(BeTrue())
		})
	})
})
