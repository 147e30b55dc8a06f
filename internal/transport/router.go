package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/SidU/durable-support-agent/internal/config"
	"github.com/SidU/durable-support-agent/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Cases     CaseService
	Instances InstanceReader

	// Authenticate guards the supervisor routes. Nil lets every caller
	// through and records decisions as anonymous.
	Authenticate func(http.Handler) http.Handler

	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// API middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		if deps.Gatherer != nil {
			r.Handle(path, observability.HandlerFor(deps.Gatherer))
		} else {
			r.Handle(path, observability.Handler())
		}
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Post("/cases", handleCaseCreate(deps.Cases, deps.Metrics, logger))
		r.Get("/cases", handleCaseList(deps.Cases))
		r.Get("/cases/{caseId}", handleCaseGet(deps.Cases, logger))
		r.Get("/instances/{instanceId}", handleInstanceGet(deps.Instances))

		// Supervisor decisions.
		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
			if deps.Authenticate != nil && deps.Config.Identity.SupervisorRole != "" {
				r.Use(RequireRole(deps.Config.Identity.SupervisorRole))
			}

			r.Post("/cases/{caseId}/approve", handleCaseDecision(deps.Cases, true, deps.Metrics, logger))
			r.Post("/cases/{caseId}/reject", handleCaseDecision(deps.Cases, false, deps.Metrics, logger))
		})
	})

	return r
}
