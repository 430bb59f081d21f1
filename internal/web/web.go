// Package web exposes the operational HTTP surface of the service:
// a readiness endpoint and the Prometheus metrics endpoint.
package web

import (
	"encoding/json"
	"net/http"

	"github.com/local/tenderpipe/internal/cache"
	"github.com/local/tenderpipe/internal/health"
	"github.com/local/tenderpipe/internal/metrics"
	"github.com/local/tenderpipe/internal/pipeline"
	"github.com/local/tenderpipe/internal/statuscheck"
)

type Web struct {
	pl      *pipeline.Pipeline
	checker *statuscheck.Checker
}

func New(pl *pipeline.Pipeline, checker *statuscheck.Checker) *Web {
	return &Web{pl: pl, checker: checker}
}

func (w *Web) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", w.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())
}

type healthzResponse struct {
	Status     string              `json:"status"`
	Runtime    *health.Snapshot    `json:"runtime"`
	Checks     statuscheck.Summary `json:"checks"`
	QueueDepth int                 `json:"queue_depth"`
	Cache      cache.Stats         `json:"cache"`
}

// handleHealthz reports overall readiness. Only the model runtime's state
// drives the 503; extraction-only work keeps running while it is down.
func (w *Web) handleHealthz(wr http.ResponseWriter, r *http.Request) {
	snap := w.pl.Health()
	resp := healthzResponse{
		Status:     "ok",
		Runtime:    snap,
		Checks:     w.checker.Summary(r.Context()),
		QueueDepth: w.pl.QueueDepth(),
		Cache:      w.pl.CacheStats(),
	}
	code := http.StatusOK
	if !snap.Reachable {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	wr.Header().Set("Content-Type", "application/json")
	wr.WriteHeader(code)
	_ = json.NewEncoder(wr).Encode(resp)
}
