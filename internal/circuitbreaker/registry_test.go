package circuitbreaker_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/api-gateway/internal/circuitbreaker"
)

var _ = Describe("Registry", func() {
	var registry *circuitbreaker.Registry

	BeforeEach(func() {
		registry = circuitbreaker.NewRegistry(2, 50*time.Millisecond)
	})

	Describe("GetBreaker", func() {
		It("should create a closed breaker for an unknown backend", func() {
			cb := registry.GetBreaker("orders")
			Expect(cb).NotTo(BeNil())
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should return the same breaker for the same backend", func() {
			Expect(registry.GetBreaker("orders")).To(BeIdenticalTo(registry.GetBreaker("orders")))
		})

		It("should keep backends independent", func() {
			orders := registry.GetBreaker("orders")
			products := registry.GetBreaker("products")
			Expect(orders).NotTo(BeIdenticalTo(products))

			orders.RecordFailure()
			orders.RecordFailure()
			Expect(orders.State()).To(Equal(circuitbreaker.StateOpen))
			Expect(products.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should use the registry threshold and timeout", func() {
			cb := registry.GetBreaker("orders")
			cb.RecordFailure()
			cb.RecordFailure()
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))

			time.Sleep(60 * time.Millisecond)
			Expect(cb.Allow()).To(BeTrue())
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
		})
	})

	Describe("OnStateChange", func() {
		It("should report transitions with the backend name", func() {
			type transition struct {
				backend  string
				from, to circuitbreaker.State
			}
			var seen []transition
			registry.OnStateChange(func(backend string, from, to circuitbreaker.State) {
				seen = append(seen, transition{backend, from, to})
			})

			cb := registry.GetBreaker("customers")
			cb.RecordFailure()
			cb.RecordFailure()
			cb.RecordSuccess()

			Expect(seen).To(Equal([]transition{
				{"customers", circuitbreaker.StateClosed, circuitbreaker.StateOpen},
				{"customers", circuitbreaker.StateOpen, circuitbreaker.StateClosed},
			}))
		})
	})

	Describe("Concurrent access", func() {
		It("should create a single breaker under contention", func() {
			first := registry.GetBreaker("orders")

			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					Expect(registry.GetBreaker("orders")).To(BeIdenticalTo(first))
				}()
			}
			wg.Wait()
		})

		It("should tolerate concurrent outcomes on one breaker", func() {
			cb := registry.GetBreaker("orders")

			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(2)
				go func() {
					defer wg.Done()
					cb.RecordFailure()
				}()
				go func() {
					defer wg.Done()
					cb.RecordSuccess()
				}()
			}
			wg.Wait()

			Expect(cb.State()).To(BeElementOf(
				circuitbreaker.StateClosed,
				circuitbreaker.StateOpen,
				circuitbreaker.StateHalfOpen,
			))
		})
	})
})
