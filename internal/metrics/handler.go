package metrics

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler serves Snapshot as JSON.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := json.Marshal(c.Snapshot())
		if err != nil {
			c.logger.Error("Failed to encode metrics snapshot", slog.Any("err", err))
			http.Error(w, "failed to encode metrics", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(body)
	}
}
