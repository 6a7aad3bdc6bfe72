// Package router assembles the server's HTTP surface (§6 "External
// interfaces"): POST /ingest behind the signing/rate-limit/recovery
// middleware stack, plus /healthz and /metrics for operators.
package router

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetsentry/endpointmon/infrastructure/logging"
	"github.com/fleetsentry/endpointmon/infrastructure/metrics"
	"github.com/fleetsentry/endpointmon/infrastructure/middleware"
	"github.com/fleetsentry/endpointmon/infrastructure/service"
	"github.com/fleetsentry/endpointmon/internal/server/ingest"
	"github.com/fleetsentry/endpointmon/internal/server/store"
)

// Deps are the router's external dependencies.
type Deps struct {
	Pipeline *ingest.Pipeline
	Store    *store.Store
	Log      *logging.Logger
	Metrics  *metrics.Metrics
	Version  string

	// Probes gates /readyz: nil disables the route, letting callers that
	// don't need orchestrator-aware readiness (tests, one-off tools) skip
	// standing one up.
	Probes *service.ProbeManager
}

// New builds the mux.Router serving POST /ingest, GET /healthz, GET /readyz,
// and GET /metrics, wrapped in the teacher's recovery/logging/metrics
// middleware stack (infrastructure/middleware).
func New(d Deps) *mux.Router {
	r := mux.NewRouter()

	recovery := middleware.NewRecoveryMiddleware(d.Log)
	r.Use(recovery.Handler)
	r.Use(middleware.LoggingMiddleware(d.Log))
	if d.Metrics != nil {
		r.Use(middleware.MetricsMiddleware("ingest", d.Metrics))
	}

	health := middleware.NewHealthChecker(d.Version)
	health.RegisterCheck("database", func() error {
		return d.Store.DB().Ping()
	})
	r.Handle("/healthz", health.Handler()).Methods(http.MethodGet)

	if d.Probes != nil {
		r.Handle("/readyz", d.Probes.ReadinessHandler()).Methods(http.MethodGet)
	}

	if d.Metrics != nil {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	r.Handle("/ingest", d.Pipeline).Methods(http.MethodPost)

	return r
}
