package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/wrapforge/fieldflow/internal/config"
	"github.com/wrapforge/fieldflow/internal/engine"
	"github.com/wrapforge/fieldflow/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Manager      *engine.Manager
	Metrics      *observability.Metrics
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	intervention := NewInterventionHandler(deps.Manager, deps.Logger, deps.Config.Engine.TemplateID)
	ppf := NewPPFHandler(deps.Manager, deps.Logger)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(RequireTechnician)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Route("/api/tasks/{taskId}/intervention", func(r chi.Router) {
			r.Get("/", intervention.GetIntervention)
			r.Post("/", intervention.StartIntervention)
			r.Post("/navigate", intervention.Navigate)
		})

		r.Route("/api/interventions/{interventionId}", func(r chi.Router) {
			r.Get("/progress", intervention.Progress)
			r.Post("/steps/{stepId}/start", intervention.StartStep)
			r.Post("/steps/{stepId}/pause", intervention.PauseStep)
			r.Post("/steps/{stepId}/resume", intervention.ResumeStep)
			r.Post("/steps/{stepId}/complete", intervention.CompleteStep)
			r.Post("/steps/{stepId}/skip", intervention.SkipStep)
			r.Patch("/steps/{stepId}", intervention.PatchStep)
			r.Post("/steps/{stepId}/photos", intervention.UploadStepPhotos)
			r.Post("/signature", intervention.AddSignature)
			r.Post("/finalize", intervention.Finalize)

			r.Post("/ppf/defects", ppf.RecordDefect)
			r.Post("/ppf/environment", ppf.RecordEnvironment)
			r.Put("/ppf/prep-checklist", ppf.SetPrepChecklist)
			r.Put("/ppf/qc-checklist", ppf.RecordQualityCheck)
			r.Post("/ppf/customer-signature", ppf.AttachCustomerSignature)
		})
	})

	return r
}
