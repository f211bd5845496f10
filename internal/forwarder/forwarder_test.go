package forwarder_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/api-gateway/internal/backend"
	"github.com/angeloszaimis/api-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/api-gateway/internal/forwarder"
	"github.com/angeloszaimis/api-gateway/internal/route"
)

type echo struct {
	Method  string      `json:"method"`
	Path    string      `json:"path"`
	RawPath string      `json:"raw_path"`
	Query   string      `json:"query"`
	Host    string      `json:"host"`
	Body    string      `json:"body"`
	Header  http.Header `json:"header"`
}

func echoHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Served-By", "echo")
	_ = json.NewEncoder(w).Encode(echo{
		Method:  r.Method,
		Path:    r.URL.Path,
		RawPath: r.URL.RawPath,
		Query:   r.URL.RawQuery,
		Host:    r.Host,
		Body:    string(body),
		Header:  r.Header,
	})
}

func decodeEcho(rec *httptest.ResponseRecorder) echo {
	var e echo
	ExpectWithOffset(1, json.Unmarshal(rec.Body.Bytes(), &e)).To(Succeed())
	return e
}

// closedAddr returns an address nothing listens on.
func closedAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	addr := ln.Addr().String()
	Expect(ln.Close()).To(Succeed())
	return addr
}

var _ = Describe("StreamingForwarder", func() {
	var (
		log      *slog.Logger
		opts     forwarder.Options
		breakers *circuitbreaker.Registry
		servers  []*httptest.Server
	)

	build := func(urls map[string]string, specs ...route.Spec) (*forwarder.StreamingForwarder, *route.Table) {
		reg, err := backend.NewRegistry(urls)
		Expect(err).NotTo(HaveOccurred())

		table, err := route.NewTable(reg, specs)
		Expect(err).NotTo(HaveOccurred())

		return forwarder.New(log, reg, opts, breakers), table
	}

	serve := func(h http.HandlerFunc) *httptest.Server {
		srv := httptest.NewServer(h)
		servers = append(servers, srv)
		return srv
	}

	match := func(table *route.Table, path string) *route.Entry {
		entry, err := table.Match(path)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		return entry
	}

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(GinkgoWriter, nil))
		opts = forwarder.DefaultOptions()
		opts.ConnectTimeout = 500 * time.Millisecond
		breakers = nil
		servers = nil
	})

	AfterEach(func() {
		for _, srv := range servers {
			srv.CloseClientConnections()
			srv.Close()
		}
	})

	Describe("pass-through forwarding", func() {
		var (
			f     *forwarder.StreamingForwarder
			table *route.Table
			srv   *httptest.Server
		)

		BeforeEach(func() {
			srv = serve(echoHandler)
			f, table = build(
				map[string]string{"products": srv.URL, "orders": srv.URL},
				route.Spec{PathPrefix: "/products", Backend: "products", RewriteFrom: "/products", RewriteTo: "/products"},
				route.Spec{PathPrefix: "/orders", Backend: "orders", RewriteFrom: "/orders", RewriteTo: "/orders"},
			)
		})

		AfterEach(func() {
			f.Close()
		})

		It("should keep the prefix verbatim on the backend", func() {
			req := httptest.NewRequest(http.MethodGet, "/products/42", nil)
			rec := httptest.NewRecorder()

			Expect(f.Forward(rec, req, match(table, "/products/42"))).To(Succeed())
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decodeEcho(rec).Path).To(Equal("/products/42"))
		})

		It("should preserve method, body bytes and path of a POST", func() {
			payload := `{"customerId":7,"items":[{"productId":42,"quantity":2}]}`
			req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(payload))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()

			Expect(f.Forward(rec, req, match(table, "/orders"))).To(Succeed())

			e := decodeEcho(rec)
			Expect(e.Method).To(Equal(http.MethodPost))
			Expect(e.Path).To(Equal("/orders"))
			Expect(e.Body).To(Equal(payload))
			Expect(e.Header.Get("Content-Type")).To(Equal("application/json"))
		})

		DescribeTable("should forward every method unchanged",
			func(method string) {
				req := httptest.NewRequest(method, "/orders/1", strings.NewReader("x"))
				rec := httptest.NewRecorder()

				Expect(f.Forward(rec, req, match(table, "/orders/1"))).To(Succeed())
				Expect(decodeEcho(rec).Method).To(Equal(method))
			},
			Entry("PUT", http.MethodPut),
			Entry("PATCH", http.MethodPatch),
			Entry("DELETE", http.MethodDelete),
			Entry("OPTIONS", http.MethodOptions),
		)

		It("should keep the query string and escaped segments", func() {
			req := httptest.NewRequest(http.MethodGet, "/products/a%2Fb?sort=price&page=2", nil)
			rec := httptest.NewRecorder()

			Expect(f.Forward(rec, req, match(table, req.URL.Path))).To(Succeed())

			e := decodeEcho(rec)
			Expect(e.Query).To(Equal("sort=price&page=2"))
			Expect(e.RawPath).To(Equal("/products/a%2Fb"))
		})

		It("should rewrite Host to the backend and set forwarding headers", func() {
			req := httptest.NewRequest(http.MethodGet, "http://gateway.example/products", nil)
			req.RemoteAddr = "192.0.2.10:52000"
			req.Header.Set("X-Forwarded-For", "198.51.100.1")
			rec := httptest.NewRecorder()

			Expect(f.Forward(rec, req, match(table, "/products"))).To(Succeed())

			e := decodeEcho(rec)
			Expect(e.Host).To(Equal(strings.TrimPrefix(srv.URL, "http://")))
			Expect(e.Header.Get("X-Forwarded-For")).To(Equal("198.51.100.1, 192.0.2.10"))
			Expect(e.Header.Get("X-Forwarded-Host")).To(Equal("gateway.example"))
			Expect(e.Header.Get("X-Forwarded-Proto")).To(Equal("http"))
		})

		It("should drop hop-by-hop headers and keep end-to-end ones", func() {
			req := httptest.NewRequest(http.MethodGet, "/products", nil)
			req.Header.Set("Connection", "X-Session-Hint")
			req.Header.Set("X-Session-Hint", "drop-me")
			req.Header.Set("Keep-Alive", "timeout=5")
			req.Header.Set("Proxy-Authorization", "Basic abc")
			req.Header.Set("X-Request-Id", "keep-me")
			rec := httptest.NewRecorder()

			Expect(f.Forward(rec, req, match(table, "/products"))).To(Succeed())

			h := decodeEcho(rec).Header
			Expect(h).NotTo(HaveKey("X-Session-Hint"))
			Expect(h).NotTo(HaveKey("Keep-Alive"))
			Expect(h).NotTo(HaveKey("Proxy-Authorization"))
			Expect(h.Get("X-Request-Id")).To(Equal("keep-me"))
		})

		It("should relay response headers", func() {
			req := httptest.NewRequest(http.MethodGet, "/products", nil)
			rec := httptest.NewRecorder()

			Expect(f.Forward(rec, req, match(table, "/products"))).To(Succeed())
			Expect(rec.Header().Get("X-Served-By")).To(Equal("echo"))
		})
	})

	Describe("path rewriting", func() {
		It("should replace the prefix and join the backend base path", func() {
			srv := serve(echoHandler)
			f, table := build(
				map[string]string{"inventory": srv.URL + "/api"},
				route.Spec{PathPrefix: "/inventory", Backend: "inventory", RewriteFrom: "/inventory", RewriteTo: "/v2/stock"},
			)
			defer f.Close()

			req := httptest.NewRequest(http.MethodGet, "/inventory/items/3", nil)
			rec := httptest.NewRecorder()

			Expect(f.Forward(rec, req, match(table, "/inventory/items/3"))).To(Succeed())
			Expect(decodeEcho(rec).Path).To(Equal("/api/v2/stock/items/3"))
		})
	})

	Describe("response relay", func() {
		It("should relay status codes and bodies verbatim", func() {
			srv := serve(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Location", "/orders/99")
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte(`{"id":99}`))
			})
			f, table := build(map[string]string{"orders": srv.URL}, route.Spec{PathPrefix: "/orders", Backend: "orders"})
			defer f.Close()

			rec := httptest.NewRecorder()
			Expect(f.Forward(rec, httptest.NewRequest(http.MethodPost, "/orders", nil), match(table, "/orders"))).To(Succeed())

			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(rec.Header().Get("Location")).To(Equal("/orders/99"))
			Expect(rec.Body.String()).To(Equal(`{"id":99}`))
		})

		It("should relay backend errors without treating them as failures", func() {
			srv := serve(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			})
			breakers = circuitbreaker.NewRegistry(1, time.Minute)
			f, table := build(map[string]string{"orders": srv.URL}, route.Spec{PathPrefix: "/orders", Backend: "orders"})
			defer f.Close()

			rec := httptest.NewRecorder()
			Expect(f.Forward(rec, httptest.NewRequest(http.MethodGet, "/orders", nil), match(table, "/orders"))).To(Succeed())
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(breakers.GetBreaker("orders").State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should let backend CORS headers replace the gateway's", func() {
			srv := serve(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Access-Control-Allow-Origin", "https://shop.example")
			})
			f, table := build(map[string]string{"orders": srv.URL}, route.Spec{PathPrefix: "/orders", Backend: "orders"})
			defer f.Close()

			rec := httptest.NewRecorder()
			rec.Header().Set("Access-Control-Allow-Origin", "*")
			rec.Header().Set("Vary", "Origin")

			Expect(f.Forward(rec, httptest.NewRequest(http.MethodGet, "/orders", nil), match(table, "/orders"))).To(Succeed())
			Expect(rec.Header().Values("Access-Control-Allow-Origin")).To(Equal([]string{"https://shop.example"}))
			Expect(rec.Header().Get("Vary")).To(Equal("Origin"))
		})

		It("should stream the body as it arrives", func() {
			release := make(chan struct{})
			backendSrv := serve(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("first\n"))
				w.(http.Flusher).Flush()
				<-release
				_, _ = w.Write([]byte("second\n"))
			})
			f, table := build(map[string]string{"orders": backendSrv.URL}, route.Spec{PathPrefix: "/orders", Backend: "orders"})
			defer f.Close()

			gateway := serve(func(w http.ResponseWriter, r *http.Request) {
				_ = f.Forward(w, r, match(table, r.URL.Path))
			})

			resp, err := http.Get(gateway.URL + "/orders/feed")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			reader := bufio.NewReader(resp.Body)
			line, err := reader.ReadString('\n')
			Expect(err).NotTo(HaveOccurred())
			Expect(line).To(Equal("first\n"))

			close(release)
			line, err = reader.ReadString('\n')
			Expect(err).NotTo(HaveOccurred())
			Expect(line).To(Equal("second\n"))
		})
	})

	Describe("failures", func() {
		It("should answer 502 when the backend refuses connections", func() {
			f, table := build(map[string]string{"orders": "http://" + closedAddr()}, route.Spec{PathPrefix: "/orders", Backend: "orders"})
			defer f.Close()

			rec := httptest.NewRecorder()
			start := time.Now()
			err := f.Forward(rec, httptest.NewRequest(http.MethodGet, "/orders", nil), match(table, "/orders"))

			Expect(err).To(MatchError(forwarder.ErrUpstreamUnavailable))
			Expect(rec.Code).To(Equal(http.StatusBadGateway))
			Expect(rec.Body.String()).To(ContainSubstring("bad gateway"))
			Expect(time.Since(start)).To(BeNumerically("<", opts.ConnectTimeout+time.Second))
		})

		It("should answer 502 when response headers do not arrive in time", func() {
			release := make(chan struct{})
			defer close(release)
			srv := serve(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-release:
				case <-r.Context().Done():
				}
			})
			opts.ResponseHeaderTimeout = 100 * time.Millisecond
			f, table := build(map[string]string{"orders": srv.URL}, route.Spec{PathPrefix: "/orders", Backend: "orders"})
			defer f.Close()

			rec := httptest.NewRecorder()
			err := f.Forward(rec, httptest.NewRequest(http.MethodGet, "/orders", nil), match(table, "/orders"))

			Expect(err).To(MatchError(forwarder.ErrUpstreamUnavailable))
			Expect(rec.Code).To(Equal(http.StatusBadGateway))
		})

		It("should report a backend that dies mid-response", func() {
			srv := serve(func(w http.ResponseWriter, r *http.Request) {
				conn, buf, err := w.(http.Hijacker).Hijack()
				if err != nil {
					return
				}
				_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\npartial")
				_ = buf.Flush()
				_ = conn.Close()
			})
			f, table := build(map[string]string{"orders": srv.URL}, route.Spec{PathPrefix: "/orders", Backend: "orders"})
			defer f.Close()

			rec := httptest.NewRecorder()
			err := f.Forward(rec, httptest.NewRequest(http.MethodGet, "/orders", nil), match(table, "/orders"))

			Expect(err).To(MatchError(forwarder.ErrUpstreamStream))
			Expect(rec.Body.String()).To(Equal("partial"))
		})

		It("should cancel the upstream request when the client goes away", func() {
			upstreamCanceled := make(chan struct{})
			srv := serve(func(w http.ResponseWriter, r *http.Request) {
				<-r.Context().Done()
				close(upstreamCanceled)
			})
			f, table := build(map[string]string{"orders": srv.URL}, route.Spec{PathPrefix: "/orders", Backend: "orders"})
			defer f.Close()

			ctx, cancel := context.WithCancel(context.Background())
			req := httptest.NewRequest(http.MethodGet, "/orders", nil).WithContext(ctx)
			time.AfterFunc(50*time.Millisecond, cancel)

			err := f.Forward(httptest.NewRecorder(), req, match(table, "/orders"))

			Expect(err).To(MatchError(forwarder.ErrClientCanceled))
			Eventually(upstreamCanceled).Should(BeClosed())
		})

		It("should fail fast once the circuit opens", func() {
			breakers = circuitbreaker.NewRegistry(1, time.Minute)
			f, table := build(map[string]string{"orders": "http://" + closedAddr()}, route.Spec{PathPrefix: "/orders", Backend: "orders"})
			defer f.Close()
			entry := match(table, "/orders")

			err := f.Forward(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/orders", nil), entry)
			Expect(err).To(MatchError(forwarder.ErrUpstreamUnavailable))
			Expect(err).NotTo(MatchError(forwarder.ErrCircuitOpen))

			rec := httptest.NewRecorder()
			err = f.Forward(rec, httptest.NewRequest(http.MethodGet, "/orders", nil), entry)
			Expect(err).To(MatchError(forwarder.ErrUpstreamUnavailable))
			Expect(err).To(MatchError(forwarder.ErrCircuitOpen))
			Expect(rec.Code).To(Equal(http.StatusBadGateway))
		})

		It("should admit the next request after a canceled half-open trial", func() {
			var calls atomic.Int64
			srv := serve(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) == 1 {
					<-r.Context().Done()
					return
				}
				echoHandler(w, r)
			})
			breakers = circuitbreaker.NewRegistry(1, 200*time.Millisecond)
			f, table := build(map[string]string{"orders": srv.URL}, route.Spec{PathPrefix: "/orders", Backend: "orders"})
			defer f.Close()
			entry := match(table, "/orders")

			breakers.GetBreaker("orders").RecordFailure()
			Expect(breakers.GetBreaker("orders").State()).To(Equal(circuitbreaker.StateOpen))
			time.Sleep(250 * time.Millisecond)

			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(100*time.Millisecond, cancel)
			req := httptest.NewRequest(http.MethodGet, "/orders", nil).WithContext(ctx)
			Expect(f.Forward(httptest.NewRecorder(), req, entry)).To(MatchError(forwarder.ErrClientCanceled))
			Expect(breakers.GetBreaker("orders").State()).To(Equal(circuitbreaker.StateHalfOpen))

			rec := httptest.NewRecorder()
			Expect(f.Forward(rec, httptest.NewRequest(http.MethodGet, "/orders", nil), entry)).To(Succeed())
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(calls.Load()).To(Equal(int64(2)))
			Expect(breakers.GetBreaker("orders").State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should not delay other backends while one hangs", func() {
			release := make(chan struct{})
			defer close(release)
			slow := serve(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-release:
				case <-r.Context().Done():
				}
			})
			fast := serve(echoHandler)
			f, table := build(
				map[string]string{"orders": slow.URL, "products": fast.URL},
				route.Spec{PathPrefix: "/orders", Backend: "orders"},
				route.Spec{PathPrefix: "/products", Backend: "products"},
			)
			defer f.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				defer GinkgoRecover()
				req := httptest.NewRequest(http.MethodGet, "/orders", nil).WithContext(ctx)
				_ = f.Forward(httptest.NewRecorder(), req, match(table, "/orders"))
			}()

			start := time.Now()
			rec := httptest.NewRecorder()
			Expect(f.Forward(rec, httptest.NewRequest(http.MethodGet, "/products/1", nil), match(table, "/products/1"))).To(Succeed())
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(time.Since(start)).To(BeNumerically("<", time.Second))
		})
	})
})
