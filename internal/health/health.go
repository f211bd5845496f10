// Package health answers the gateway's liveness probe. The answer is fixed:
// it says the process accepts connections and nothing about the backends.
package health

import "net/http"

// Body is the fixed liveness response.
const Body = "API Gateway is healthy"

// Handler serves GET and HEAD liveness requests.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = w.Write([]byte(Body))
		}
	}
}
