package api

import (
	"encoding/json"
	"net/http"

	"github.com/yourusername/livequery/metrics"
)

// MetricsProvider is what the /metrics endpoint reads from. *metrics.Metrics
// satisfies it.
type MetricsProvider interface {
	GetSnapshot() *metrics.Snapshot
	QueryStats(queryID string) (*metrics.QueryStats, bool)
}

// MetricsHandler serves GET /metrics. Without parameters it writes the whole
// watcher snapshot; ?query=<id> narrows it to one query's counters, which
// also covers queries that fell out of the snapshot's top list.
type MetricsHandler struct {
	provider MetricsProvider
}

func NewMetricsHandler(provider MetricsProvider) *MetricsHandler {
	return &MetricsHandler{provider: provider}
}

func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMetrics(w, http.StatusMethodNotAllowed, ErrorResponse{
			Error:   "method_not_allowed",
			Message: "Only GET requests are allowed",
		})
		return
	}

	if id := r.URL.Query().Get("query"); id != "" {
		stats, ok := h.provider.QueryStats(id)
		if !ok {
			writeMetrics(w, http.StatusNotFound, ErrorResponse{
				Error:   "unknown_query",
				Message: "no watcher has run query " + id,
			})
			return
		}
		writeMetrics(w, http.StatusOK, stats)
		return
	}

	writeMetrics(w, http.StatusOK, h.provider.GetSnapshot())
}

// Counters change on every request, so responses are never cached.
func writeMetrics(w http.ResponseWriter, status int, body any) {
	header := w.Header()
	header.Set("Content-Type", "application/json")
	header.Set("Cache-Control", "no-store")
	header.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
