package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultMaxInflight = 64

// Router wires the account and transfer routes. A nil gatherer leaves
// /metrics unmounted.
func Router(h *Handlers, gatherer prometheus.Gatherer, maxInflight int) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("POST /v1/accounts", h.CreateAccount)
	mux.HandleFunc("POST /v1/accounts/transferFunds", h.TransferFunds)
	mux.HandleFunc("GET /v1/accounts/{accountId}", h.GetAccount)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// Backpressure at the edge.
	// Requests parked on an account lock hold a slot until the lock timeout.
	return withConcurrencyLimit(withCorrelationID(mux), maxInflight)
}

func withConcurrencyLimit(next http.Handler, max int) http.Handler {
	if max <= 0 {
		max = defaultMaxInflight
	}
	sem := make(chan struct{}, max)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		default:
			// Fast fail instead of queueing forever.
			writeErr(w, http.StatusServiceUnavailable, "server busy")
		}
	})
}
