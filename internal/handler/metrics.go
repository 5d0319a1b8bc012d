package handler

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMetricsHandler exposes the registry in the Prometheus text format.
func NewMetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "METRICS_DISABLED", "Metrics are not enabled")
		})
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
