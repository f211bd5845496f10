package main

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/angeloszaimis/api-gateway/internal/handler"
	"github.com/angeloszaimis/api-gateway/internal/health"
	"github.com/angeloszaimis/api-gateway/internal/metrics"
)

var corsMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPut,
	http.MethodPatch,
	http.MethodPost,
	http.MethodDelete,
}

// setupRouter builds the public surface: /health is answered locally and
// every other request goes through the gateway handler.
func setupRouter(log *slog.Logger, gateway http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(handler.RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(openCORS)

	r.Get("/health", health.Handler())
	r.Head("/health", health.Handler())

	// Other methods on /health fall through to routing like any other path.
	r.MethodNotAllowed(gateway.ServeHTTP)
	r.NotFound(gateway.ServeHTTP)
	r.Handle("/*", gateway)

	return r
}

// openCORS allows any origin, method and header. Preflight requests are
// answered here with 204 and never reach a backend.
func openCORS(next http.Handler) http.Handler {
	c := cors.Handler(cors.Options{
		AllowedOrigins:     []string{"*"},
		AllowedMethods:     corsMethods,
		AllowedHeaders:     []string{"*"},
		OptionsPassthrough: true,
	})

	return c(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// cors leaves requests without an Origin, or with an unlisted
		// method, undecorated.
		if w.Header().Get("Access-Control-Allow-Origin") == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		next.ServeHTTP(w, r)
	}))
}

func setupAdminRouter(collector *metrics.Collector) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)

	r.Get("/metrics", collector.Handler())
	r.Get("/health", health.Handler())

	return r
}
