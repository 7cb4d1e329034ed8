package transport

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the body of /healthz.
type Status struct {
	Instance string `json:"instance"`
	Broker   string `json:"broker"`
}

// NewMux serves the websocket endpoint, metrics and an HTTP health check.
// /healthz answers 200 in degraded mode: the instance still serves its
// local sessions.
func NewMux(ws http.Handler, gatherer prometheus.Gatherer, instanceID string, brokerConnected func() bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", ws)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := Status{Instance: instanceID, Broker: "connected"}
		if !brokerConnected() {
			status.Broker = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}
