package backend_test

import (
	"net/url"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/api-gateway/internal/backend"
)

var _ = Describe("Backend", func() {
	var (
		testURL *url.URL
		b       *backend.Backend
	)

	BeforeEach(func() {
		var err error
		testURL, err = url.Parse("http://order-service:3002")
		Expect(err).NotTo(HaveOccurred())
		b = backend.New("orders", testURL)
	})

	Describe("New", func() {
		It("should keep name and URL", func() {
			Expect(b.Name()).To(Equal("orders"))
			Expect(b.URL()).To(Equal(testURL))
		})

		It("should start healthy", func() {
			Expect(b.IsHealthy()).To(BeTrue())
		})

		It("should have no requests in flight", func() {
			Expect(b.ActiveRequests()).To(Equal(0))
		})
	})

	Describe("SetHealthy", func() {
		It("should report a change only when the status flips", func() {
			Expect(b.SetHealthy(true)).To(BeFalse())
			Expect(b.SetHealthy(false)).To(BeTrue())
			Expect(b.IsHealthy()).To(BeFalse())
			Expect(b.SetHealthy(false)).To(BeFalse())
			Expect(b.SetHealthy(true)).To(BeTrue())
		})

		It("should be thread-safe", func() {
			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func(healthy bool) {
					defer wg.Done()
					b.SetHealthy(healthy)
					_ = b.IsHealthy()
				}(i%2 == 0)
			}
			wg.Wait()
		})
	})

	Describe("request tracking", func() {
		It("should count acquired requests", func() {
			b.Acquire()
			b.Acquire()
			Expect(b.ActiveRequests()).To(Equal(2))

			b.Release()
			Expect(b.ActiveRequests()).To(Equal(1))
		})

		It("should not go below zero", func() {
			b.Release()
			b.Release()
			Expect(b.ActiveRequests()).To(Equal(0))
		})

		It("should be thread-safe", func() {
			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					b.Acquire()
				}()
			}
			wg.Wait()
			Expect(b.ActiveRequests()).To(Equal(100))
		})
	})

	Describe("RecordResponse", func() {
		It("should return zero before any response", func() {
			Expect(b.EWMATime()).To(BeZero())
		})

		It("should seed the average with the first response", func() {
			b.RecordResponse(100 * time.Millisecond)
			Expect(b.EWMATime()).To(Equal(100 * time.Millisecond))
		})

		It("should smooth subsequent responses", func() {
			b.RecordResponse(100 * time.Millisecond)
			b.RecordResponse(200 * time.Millisecond)
			Expect(b.EWMATime()).To(BeNumerically("~", 120*time.Millisecond, time.Millisecond))
		})
	})
})

var _ = Describe("Registry", func() {
	It("should parse every backend", func() {
		reg, err := backend.NewRegistry(map[string]string{
			"products":  "http://product-service:3001",
			"orders":    "http://order-service:3002",
			"customers": "http://customer-service:3003",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(reg.Len()).To(Equal(3))

		b, ok := reg.Lookup("orders")
		Expect(ok).To(BeTrue())
		Expect(b.URL().Host).To(Equal("order-service:3002"))
	})

	It("should list backends ordered by name", func() {
		reg, err := backend.NewRegistry(map[string]string{
			"products":  "http://product-service:3001",
			"customers": "http://customer-service:3003",
			"orders":    "http://order-service:3002",
		})
		Expect(err).NotTo(HaveOccurred())

		var names []string
		for _, b := range reg.All() {
			names = append(names, b.Name())
		}
		Expect(names).To(Equal([]string{"customers", "orders", "products"}))
	})

	It("should report unknown names", func() {
		reg, err := backend.NewRegistry(map[string]string{"orders": "http://order-service:3002"})
		Expect(err).NotTo(HaveOccurred())

		_, ok := reg.Lookup("payments")
		Expect(ok).To(BeFalse())
	})

	DescribeTable("invalid entries",
		func(urls map[string]string) {
			reg, err := backend.NewRegistry(urls)
			Expect(err).To(MatchError(backend.ErrInvalidBackend))
			Expect(reg).To(BeNil())
		},
		Entry("unparsable URL", map[string]string{"orders": "http://[::1"}),
		Entry("unsupported scheme", map[string]string{"orders": "ftp://order-service"}),
		Entry("missing host", map[string]string{"orders": "http://"}),
		Entry("empty name", map[string]string{"": "http://order-service:3002"}),
	)
})
