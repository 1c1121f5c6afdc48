package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/route-quota/internal/catalog"
	"github.com/sells-group/route-quota/internal/ledger"
	"github.com/sells-group/route-quota/internal/model"
	"github.com/sells-group/route-quota/internal/submission"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			zap.L().Warn("health: store ping failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listAvailability(w http.ResponseWriter, r *http.Request) {
	q := chi.URLParam(r, "questionnaireID")
	routes, err := s.deps.Routes.Routes(r.Context(), q)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	cls, err := s.deps.Classifier.Classify(r.Context(), routes, q, userFrom(r.Context()))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cls)
}

type submitRequest struct {
	RouteID    string `json:"route_id"`
	ResponseID string `json:"response_id"`
	IsTest     bool   `json:"is_test"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	if !s.limiter.Allow(user.ID) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "too many submissions, slow down")
		return
	}

	var body submitRequest
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.deps.Submitter.Submit(r.Context(), submission.Request{
		UserID:          user.ID,
		UserRole:        user.Role,
		QuestionnaireID: chi.URLParam(r, "questionnaireID"),
		RouteID:         body.RouteID,
		ResponseID:      body.ResponseID,
		IsTest:          body.IsTest,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, submitStatus(res.Status), res)
}

func submitStatus(st submission.Status) int {
	switch st {
	case submission.StatusAccepted:
		return http.StatusCreated
	case submission.StatusBlocked:
		return http.StatusForbidden
	case submission.StatusQuotaExceeded:
		return http.StatusConflict
	case submission.StatusNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Reporter.Questionnaire(r.Context(), chi.URLParam(r, "questionnaireID"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) routeQuotas(w http.ResponseWriter, r *http.Request) {
	routes, err := s.deps.Reporter.Routes(r.Context(), chi.URLParam(r, "questionnaireID"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": routes})
}

type trackingRequest struct {
	Routes []model.Route  `json:"routes"`
	Limits map[string]int `json:"limits"`
}

func (s *Server) initTracking(w http.ResponseWriter, r *http.Request) {
	q := chi.URLParam(r, "questionnaireID")

	var body trackingRequest
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	routes := body.Routes
	if len(routes) == 0 {
		var err error
		if routes, err = s.deps.Routes.Routes(r.Context(), q); err != nil {
			writeFailure(w, r, err)
			return
		}
	} else {
		var err error
		if routes, err = catalog.NormalizeRoutes(routes); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if len(routes) == 0 {
		writeError(w, http.StatusBadRequest, "no routes to track")
		return
	}

	limits := s.opts.Limits
	if len(body.Limits) > 0 {
		limits = make(model.CategoryLimits, len(s.opts.Limits))
		for c, n := range s.opts.Limits {
			limits[c] = n
		}
		for c, n := range model.ParseCategoryLimits(body.Limits) {
			limits[c] = n
		}
	}

	created, err := s.deps.Admin.InitializeTracking(r.Context(), q, routes, limits)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"created": created, "routes": len(routes)})
}

type reconcileRequest struct {
	GraceSecs *int `json:"grace_secs"`
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	var body reconcileRequest
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	grace := s.opts.ReconcileGrace
	if body.GraceSecs != nil {
		grace = time.Duration(*body.GraceSecs) * time.Second
		if grace < ledger.MinReconcileGrace {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("grace_secs must be >= %d", int(ledger.MinReconcileGrace.Seconds())))
			return
		}
	}

	results, err := s.deps.Admin.Reconcile(r.Context(), chi.URLParam(r, "questionnaireID"), grace)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) setActive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active *bool `json:"active"`
	}
	if err := readJSON(w, r, &body); err != nil || body.Active == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"active\": true|false}")
		return
	}
	e, err := s.deps.Admin.SetActive(r.Context(), chi.URLParam(r, "questionnaireID"), chi.URLParam(r, "routeID"), *body.Active)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) setLimit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Limit int `json:"completion_limit"`
	}
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	e, err := s.deps.Admin.SetLimit(r.Context(), chi.URLParam(r, "questionnaireID"), chi.URLParam(r, "routeID"), body.Limit)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
