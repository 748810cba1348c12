package resilience_test

import (
	"net/http"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	resilience "github.com/commercepipe/shopify-resilience"
)

var _ = Describe("RateLimitTracker", func() {
	var (
		now     time.Time
		tracker *resilience.RateLimitTracker
	)

	BeforeEach(func() {
		now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		tracker = resilience.NewRateLimitTracker(
			resilience.WithTimeSource(func() time.Time { return now }),
		)
	})

	Describe("CanProceed", func() {
		It("allows exactly the ceiling within one window", func() {
			for i := 0; i < 40; i++ {
				Expect(tracker.CanProceed("/products.json", resilience.RequestREST)).To(BeTrue(),
					"request %d should be allowed", i+1)
				tracker.RecordOutcome("/products.json", resilience.RequestREST, nil)
			}
			Expect(tracker.CanProceed("/products.json", resilience.RequestREST)).To(BeFalse())
		})

		It("resets usage when the window elapses", func() {
			for i := 0; i < 40; i++ {
				tracker.RecordOutcome("/products.json", resilience.RequestREST, nil)
			}
			Expect(tracker.CanProceed("/products.json", resilience.RequestREST)).To(BeFalse())

			now = now.Add(61 * time.Second)

			Expect(tracker.CanProceed("/products.json", resilience.RequestREST)).To(BeTrue())
			Expect(tracker.Usage("/products.json", resilience.RequestREST)).To(Equal(0))
		})

		It("allows everything again after ResetAll", func() {
			for i := 0; i < 40; i++ {
				tracker.RecordOutcome("/products.json", resilience.RequestREST, nil)
			}
			Expect(tracker.CanProceed("/products.json", resilience.RequestREST)).To(BeFalse())

			tracker.ResetAll()

			Expect(tracker.CanProceed("/products.json", resilience.RequestREST)).To(BeTrue())
			Expect(tracker.Stats().TotalRequests).To(Equal(int64(0)))
		})

		It("keeps buckets isolated by endpoint and kind", func() {
			for i := 0; i < 40; i++ {
				tracker.RecordOutcome("/products.json", resilience.RequestREST, nil)
			}
			Expect(tracker.CanProceed("/products.json", resilience.RequestREST)).To(BeFalse())

			Expect(tracker.CanProceed("/orders.json", resilience.RequestREST)).To(BeTrue())
			Expect(tracker.CanProceed("/products.json", resilience.RequestGraphQL)).To(BeTrue())
		})

		It("applies per-kind ceilings", func() {
			Expect(resilience.RequestREST.RequestsPerMinute()).To(Equal(40))
			Expect(resilience.RequestGraphQL.RequestsPerMinute()).To(Equal(1000))
			Expect(resilience.RequestWebhook.RequestsPerMinute()).To(Equal(100))

			for i := 0; i < 100; i++ {
				tracker.RecordOutcome("/webhooks.json", resilience.RequestWebhook, nil)
			}
			Expect(tracker.CanProceed("/webhooks.json", resilience.RequestWebhook)).To(BeFalse())
		})
	})

	Describe("RecordOutcome", func() {
		It("treats the server-reported usage as authoritative", func() {
			headers := http.Header{}
			headers.Set(resilience.DefaultUsageHeader, "39/40")

			tracker.RecordOutcome("/products.json", resilience.RequestREST, headers)

			Expect(tracker.Usage("/products.json", resilience.RequestREST)).To(Equal(39))
		})

		It("ignores a malformed usage header and keeps the local increment", func() {
			headers := http.Header{}
			headers.Set(resilience.DefaultUsageHeader, "not-a-count")

			tracker.RecordOutcome("/products.json", resilience.RequestREST, headers)
			tracker.RecordOutcome("/products.json", resilience.RequestREST, headers)

			Expect(tracker.Usage("/products.json", resilience.RequestREST)).To(Equal(2))
		})

		It("counts recorded outcomes in the stats snapshot", func() {
			tracker.RecordOutcome("/products.json", resilience.RequestREST, nil)
			tracker.RecordOutcome("/orders.json", resilience.RequestREST, nil)

			stats := tracker.Stats()
			Expect(stats.TotalRequests).To(Equal(int64(2)))
			Expect(stats.ActiveBuckets).To(Equal(2))
			Expect(stats.CurrentUsage).To(Equal(2))
		})

		It("does not lose updates under concurrent recording", func() {
			var wg sync.WaitGroup
			for g := 0; g < 10; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < 100; i++ {
						tracker.RecordOutcome("/graphql.json", resilience.RequestGraphQL, nil)
					}
				}()
			}
			wg.Wait()

			Expect(tracker.Stats().TotalRequests).To(Equal(int64(1000)))
			Expect(tracker.Usage("/graphql.json", resilience.RequestGraphQL)).To(Equal(1000))
		})
	})

	Describe("DelayOnRejection", func() {
		It("honors an integer Retry-After header as seconds", func() {
			headers := http.Header{}
			headers.Set("Retry-After", "30")

			delay := tracker.DelayOnRejection("/products.json", resilience.RequestREST, headers)
			Expect(delay).To(Equal(30 * time.Second))
		})

		It("falls back to 60 seconds for an HTTP-date Retry-After", func() {
			headers := http.Header{}
			headers.Set("Retry-After", "Wed, 21 Oct 2026 07:28:00 GMT")

			delay := tracker.DelayOnRejection("/products.json", resilience.RequestREST, headers)
			Expect(delay).To(Equal(60 * time.Second))
		})

		It("falls back to 60 seconds for a negative Retry-After", func() {
			headers := http.Header{}
			headers.Set("Retry-After", "-5")

			delay := tracker.DelayOnRejection("/products.json", resilience.RequestREST, headers)
			Expect(delay).To(Equal(60 * time.Second))
		})

		It("uses the remaining window when no header is present", func() {
			tracker.RecordOutcome("/products.json", resilience.RequestREST, nil)
			now = now.Add(45 * time.Second)

			delay := tracker.DelayOnRejection("/products.json", resilience.RequestREST, nil)
			Expect(delay).To(Equal(15 * time.Second))
		})

		It("waits at least one second when the window is nearly over", func() {
			tracker.RecordOutcome("/products.json", resilience.RequestREST, nil)
			now = now.Add(rateWindowAlmostOver)

			delay := tracker.DelayOnRejection("/products.json", resilience.RequestREST, nil)
			Expect(delay).To(Equal(time.Second))
		})
	})

	Describe("OptimalDelay", func() {
		It("returns zero for an unknown bucket", func() {
			Expect(tracker.OptimalDelay("/never-seen.json", resilience.RequestREST)).To(BeZero())
		})

		It("returns zero while budget remains", func() {
			tracker.RecordOutcome("/products.json", resilience.RequestREST, nil)
			Expect(tracker.OptimalDelay("/products.json", resilience.RequestREST)).To(BeZero())
		})

		It("returns the remaining window plus a safety buffer when exhausted", func() {
			headers := http.Header{}
			headers.Set(resilience.DefaultUsageHeader, "40/40")
			tracker.RecordOutcome("/products.json", resilience.RequestREST, headers)

			now = now.Add(30 * time.Second)

			// 30s remaining plus a 10% buffer.
			delay := tracker.OptimalDelay("/products.json", resilience.RequestREST)
			Expect(delay).To(Equal(33 * time.Second))
		})

		It("applies the one-second buffer floor near the window edge", func() {
			headers := http.Header{}
			headers.Set(resilience.DefaultUsageHeader, "40/40")
			tracker.RecordOutcome("/products.json", resilience.RequestREST, headers)

			now = now.Add(55 * time.Second)

			delay := tracker.OptimalDelay("/products.json", resilience.RequestREST)
			Expect(delay).To(Equal(6 * time.Second))
		})
	})

	Describe("custom usage header", func() {
		It("reads usage from the configured header", func() {
			custom := resilience.NewRateLimitTracker(
				resilience.WithTimeSource(func() time.Time { return now }),
				resilience.WithUsageHeader("X-RateLimit-Usage"),
			)
			headers := http.Header{}
			headers.Set("X-RateLimit-Usage", "7/40")

			custom.RecordOutcome("/products.json", resilience.RequestREST, headers)

			Expect(custom.Usage("/products.json", resilience.RequestREST)).To(Equal(7))
		})
	})
})

// rateWindowAlmostOver leaves less than a second of budget window.
const rateWindowAlmostOver = 59*time.Second + 500*time.Millisecond
