// Package submission accepts questionnaire submissions: rules are evaluated,
// a completion is reserved on the ledger and the record is appended. A
// reservation whose record cannot be written is released again.
package submission

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/route-quota/internal/availability"
	"github.com/sells-group/route-quota/internal/catalog"
	"github.com/sells-group/route-quota/internal/ledger"
	"github.com/sells-group/route-quota/internal/model"
	"github.com/sells-group/route-quota/internal/rules"
)

// Status is the outcome of a submission attempt.
type Status string

const (
	StatusAccepted      Status = "accepted"
	StatusBlocked       Status = "blocked"
	StatusQuotaExceeded Status = "quota_exceeded"
	StatusNotFound      Status = "not_found"
)

var (
	// ErrInvalidRequest rejects a request missing user, questionnaire or route.
	ErrInvalidRequest = eris.New("submission: invalid request")
	// ErrPartialFailure means the reservation succeeded, the record write
	// failed and the compensating release failed too. The slot stays held
	// until reconciliation frees it.
	ErrPartialFailure = eris.New("submission: partial failure")
)

const releaseTimeout = 5 * time.Second

// Request is one submission attempt.
type Request struct {
	UserID          string `json:"user_id"`
	UserRole        string `json:"user_role"`
	QuestionnaireID string `json:"questionnaire_id"`
	RouteID         string `json:"route_id"`
	ResponseID      string `json:"response_id"`
	IsTest          bool   `json:"is_test"`
}

// Result reports what happened. Classification is set only when the route
// filled up between display and submission.
type Result struct {
	Status         Status                       `json:"status"`
	Record         *model.SubmissionRecord      `json:"record,omitempty"`
	Decision       rules.Decision               `json:"decision"`
	Classification *availability.Classification `json:"classification,omitempty"`
}

// Evaluator runs the rules for a route and classifies a questionnaire.
type Evaluator interface {
	Evaluate(ctx context.Context, questionnaireID, routeID string, user availability.User) (*availability.Evaluation, error)
	Classify(ctx context.Context, routes []model.Route, questionnaireID string, user availability.User) (*availability.Classification, error)
}

// Reserver is the ledger write path.
type Reserver interface {
	TryReserve(ctx context.Context, questionnaireID, routeID string) (ledger.ReserveOutcome, error)
	Release(ctx context.Context, questionnaireID, routeID string) error
}

// Recorder writes submission records. Claim stores rec only while the user
// holds fewer than maxPerUser records for the route, atomically with respect
// to the user's other claims. maxPerUser < 1 means no cap.
type Recorder interface {
	Claim(ctx context.Context, rec model.SubmissionRecord, maxPerUser int) (model.SubmissionRecord, bool, error)
}

// Pipeline wires the components together.
type Pipeline struct {
	evaluator Evaluator
	reserver  Reserver
	recorder  Recorder
	routes    catalog.Provider
}

// New creates a Pipeline.
func New(evaluator Evaluator, reserver Reserver, recorder Recorder, routes catalog.Provider) *Pipeline {
	return &Pipeline{evaluator: evaluator, reserver: reserver, recorder: recorder, routes: routes}
}

// Submit processes req. Expected outcomes (blocked, full, unknown route) are
// reported through Result.Status; only infrastructure faults are errors.
func (p *Pipeline) Submit(ctx context.Context, req Request) (*Result, error) {
	if req.UserID == "" || req.QuestionnaireID == "" || req.RouteID == "" {
		return nil, eris.Wrap(ErrInvalidRequest, "submission: user, questionnaire and route are required")
	}
	user := availability.User{ID: req.UserID, Role: req.UserRole}
	log := zap.L().With(
		zap.String("questionnaire_id", req.QuestionnaireID),
		zap.String("route_id", req.RouteID),
		zap.String("user_id", req.UserID),
	)

	ev, err := p.evaluator.Evaluate(ctx, req.QuestionnaireID, req.RouteID, user)
	if err != nil {
		return nil, eris.Wrap(err, "submission: evaluate")
	}
	if ev.Entry == nil {
		return &Result{Status: StatusNotFound, Decision: ev.Decision}, nil
	}
	if ev.Decision.Outcome == rules.OutcomeBlock {
		log.Debug("submission blocked by rules", zap.Strings("messages", ev.Decision.Messages))
		return &Result{Status: StatusBlocked, Decision: ev.Decision}, nil
	}

	outcome, err := p.reserver.TryReserve(ctx, req.QuestionnaireID, req.RouteID)
	if err != nil {
		return nil, eris.Wrap(err, "submission: reserve")
	}
	switch outcome {
	case ledger.NotFound:
		return &Result{Status: StatusNotFound, Decision: ev.Decision}, nil
	case ledger.QuotaExceeded:
		log.Info("route filled before submission completed")
		return &Result{
			Status:         StatusQuotaExceeded,
			Decision:       ev.Decision,
			Classification: p.reclassify(ctx, req.QuestionnaireID, user),
		}, nil
	}

	rec, claimed, err := p.recorder.Claim(ctx, model.SubmissionRecord{
		ResponseID:      req.ResponseID,
		UserID:          req.UserID,
		QuestionnaireID: req.QuestionnaireID,
		RouteID:         req.RouteID,
		Flags: model.ValidationFlags{
			IsDuplicate:      ev.Decision.Fired(rules.TypeRouteSubmissionLimit),
			IsTestSubmission: req.IsTest,
			RequiresReview:   ev.Decision.Outcome == rules.OutcomeWarn,
		},
	}, ev.Decision.ClaimLimit)
	if err != nil {
		return nil, p.compensate(ctx, req, err, log)
	}
	if !claimed {
		// A parallel submission by the same user got the record in first.
		if err := p.release(ctx, req); err != nil {
			log.Error("reservation leaked: duplicate claim refused and release failed", zap.Error(err))
			return nil, eris.Wrapf(ErrPartialFailure, "submission: %s/%s for %s: duplicate claim", req.QuestionnaireID, req.RouteID, req.UserID)
		}
		log.Info("duplicate claim refused, reservation released")
		return &Result{Status: StatusBlocked, Decision: p.duplicateDecision(ctx, req, user, ev.Decision)}, nil
	}

	log.Info("submission accepted", zap.String("submission_id", rec.ID))
	return &Result{Status: StatusAccepted, Record: &rec, Decision: ev.Decision}, nil
}

// compensate releases the reservation after a failed record write. The
// release runs even if ctx was cancelled.
func (p *Pipeline) compensate(ctx context.Context, req Request, appendErr error, log *zap.Logger) error {
	if err := p.release(ctx, req); err != nil {
		log.Error("reservation leaked: record append and release both failed",
			zap.NamedError("append_error", appendErr),
			zap.NamedError("release_error", err),
		)
		return eris.Wrapf(ErrPartialFailure, "submission: %s/%s for %s: %v", req.QuestionnaireID, req.RouteID, req.UserID, appendErr)
	}
	log.Warn("record append failed, reservation released", zap.Error(appendErr))
	return eris.Wrap(appendErr, "submission: record (reservation released)")
}

func (p *Pipeline) release(ctx context.Context, req Request) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	return p.reserver.Release(rctx, req.QuestionnaireID, req.RouteID)
}

// duplicateDecision explains a refused claim. Re-evaluating picks up the
// record that won, so the configured message and level are reported.
func (p *Pipeline) duplicateDecision(ctx context.Context, req Request, user availability.User, prev rules.Decision) rules.Decision {
	ev, err := p.evaluator.Evaluate(ctx, req.QuestionnaireID, req.RouteID, user)
	if err == nil && ev.Decision.Outcome == rules.OutcomeBlock {
		return ev.Decision
	}
	const msg = "You have already submitted for this route."
	d := prev
	d.Findings = append(d.Findings, rules.Finding{Type: rules.TypeRouteSubmissionLimit, Level: rules.LevelBlock, Message: msg})
	d.Outcome = rules.OutcomeBlock
	d.Level = max(d.Level, rules.LevelBlock)
	d.Messages = []string{msg}
	return d
}

func (p *Pipeline) reclassify(ctx context.Context, questionnaireID string, user availability.User) *availability.Classification {
	if p.routes == nil {
		return nil
	}
	routes, err := p.routes.Routes(ctx, questionnaireID)
	if err != nil {
		zap.L().Warn("reclassify: load routes", zap.Error(err))
		return nil
	}
	cls, err := p.evaluator.Classify(ctx, routes, questionnaireID, user)
	if err != nil {
		zap.L().Warn("reclassify", zap.Error(err))
		return nil
	}
	return cls
}
