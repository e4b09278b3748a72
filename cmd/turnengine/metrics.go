package main

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serveMetrics runs a blocking HTTP server exposing Prometheus metrics on
// addr. It is started in its own goroutine by runServe and logs (rather
// than propagates) a failure to bind, since the interactive session itself
// doesn't depend on metrics being reachable.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server stopped", "error", err)
	}
}
