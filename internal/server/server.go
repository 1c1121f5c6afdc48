// Package server exposes route availability, submissions and quota
// administration over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sells-group/route-quota/internal/availability"
	"github.com/sells-group/route-quota/internal/catalog"
	"github.com/sells-group/route-quota/internal/ledger"
	"github.com/sells-group/route-quota/internal/model"
	"github.com/sells-group/route-quota/internal/submission"
)

// Classifier classifies a questionnaire's routes for a user.
type Classifier interface {
	Classify(ctx context.Context, routes []model.Route, questionnaireID string, user availability.User) (*availability.Classification, error)
}

// Submitter runs the submission pipeline.
type Submitter interface {
	Submit(ctx context.Context, req submission.Request) (*submission.Result, error)
}

// Admin is the ledger administration surface.
type Admin interface {
	InitializeTracking(ctx context.Context, questionnaireID string, routes []model.Route, limits model.CategoryLimits) (int, error)
	Reconcile(ctx context.Context, questionnaireID string, grace time.Duration) ([]ledger.ReconcileResult, error)
	SetActive(ctx context.Context, questionnaireID, routeID string, active bool) (*model.LedgerEntry, error)
	SetLimit(ctx context.Context, questionnaireID, routeID string, limit int) (*model.LedgerEntry, error)
}

// Reporter produces read-only quota summaries.
type Reporter interface {
	Questionnaire(ctx context.Context, questionnaireID string) (*model.QuestionnaireQuotaSummary, error)
	Routes(ctx context.Context, questionnaireID string) ([]model.RouteQuotaInfo, error)
}

// Pinger checks backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the API serves.
type Deps struct {
	Classifier Classifier
	Submitter  Submitter
	Admin      Admin
	Reporter   Reporter
	Routes     catalog.Provider
	Store      Pinger
}

// Options tune the API.
type Options struct {
	CORSOrigins      []string
	SubmitRatePerSec float64
	SubmitBurst      int
	Limits           model.CategoryLimits
	ReconcileGrace   time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	deps    Deps
	opts    Options
	limiter *userLimiters
}

// New creates a Server.
func New(deps Deps, opts Options) *Server {
	if opts.SubmitRatePerSec <= 0 {
		opts.SubmitRatePerSec = 1
	}
	if opts.Limits == nil {
		opts.Limits = model.DefaultCategoryLimits()
	}
	if opts.ReconcileGrace <= 0 {
		opts.ReconcileGrace = 5 * time.Minute
	}
	return &Server{
		deps:    deps,
		opts:    opts,
		limiter: newUserLimiters(opts.SubmitRatePerSec, opts.SubmitBurst),
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", HeaderUserID, HeaderUserRole},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(identify)

		r.Get("/questionnaires/{questionnaireID}/routes", s.listAvailability)
		r.Post("/questionnaires/{questionnaireID}/submissions", s.submit)

		r.Route("/admin/questionnaires/{questionnaireID}", func(r chi.Router) {
			r.Use(requireAdmin)

			r.Get("/summary", s.summary)
			r.Get("/routes", s.routeQuotas)
			r.Post("/tracking", s.initTracking)
			r.Post("/reconcile", s.reconcile)
			r.Put("/routes/{routeID}/active", s.setActive)
			r.Put("/routes/{routeID}/limit", s.setLimit)
		})
	})

	return r
}
