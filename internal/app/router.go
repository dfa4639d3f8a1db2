package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	audithttp "github.com/formula-pm/formula-pm/internal/audit/http"
	"github.com/formula-pm/formula-pm/internal/auth"
	"github.com/formula-pm/formula-pm/internal/observability"
	"github.com/formula-pm/formula-pm/internal/platform/httpx"
	"github.com/formula-pm/formula-pm/internal/rbac"
	"github.com/formula-pm/formula-pm/internal/scope"
	"github.com/formula-pm/formula-pm/internal/workflow"
	"github.com/formula-pm/formula-pm/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	Metrics         *observability.Metrics
	AuthMiddleware  auth.Middleware
	RBACMiddleware  rbac.Middleware
	RBACHandler     *rbac.Handler
	WorkflowHandler *workflow.Handler
	ScopeHandler    *scope.Handler
	AuditHandler    *audithttp.Handler
	JobHandler      *jobs.Handler
}

// NewRouter constructs the chi.Router with Formula defaults.
func NewRouter(params RouterParams) http.Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	r.Use(requestLogger(logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(params.AuthMiddleware.Authenticate)
		r.Use(params.RBACMiddleware.RequireActive)
		if params.RBACHandler != nil {
			params.RBACHandler.MountRoutes(r)
		}
		if params.WorkflowHandler != nil {
			params.WorkflowHandler.MountRoutes(r)
		}
		if params.ScopeHandler != nil {
			params.ScopeHandler.MountRoutes(r)
		}
		if params.AuditHandler != nil {
			r.With(params.RBACMiddleware.RequireCapability(rbac.ResourceUser, rbac.ActionRead)).
				Group(params.AuditHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.With(params.RBACMiddleware.RequireCapability(rbac.ResourceUser, rbac.ActionAdmin)).
				Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}
