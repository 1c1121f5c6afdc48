// Package availability buckets routes into available, warning, restricted
// and hidden for one user.
package availability

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/route-quota/internal/model"
	"github.com/sells-group/route-quota/internal/rules"
)

// LedgerReader returns cached ledger snapshots. A nil entry means the pair
// is not tracked.
type LedgerReader interface {
	Snapshot(ctx context.Context, questionnaireID, routeID string) (*model.LedgerEntry, error)
}

// HistoryReader loads a user's submission history for a questionnaire,
// including their latest submission elsewhere.
type HistoryReader interface {
	ForUser(ctx context.Context, userID, questionnaireID string) ([]model.SubmissionRecord, error)
}

// RuleSource yields the rules that apply to a questionnaire.
type RuleSource interface {
	For(questionnaireID string) []rules.Rule
}

// User identifies the caller. Both fields come from the authenticated request.
type User struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// RouteStatus is one route's disposition.
type RouteStatus struct {
	Route    model.Route           `json:"route"`
	Quota    *model.RouteQuotaInfo `json:"quota,omitempty"`
	Level    rules.Level           `json:"level"`
	Messages []string              `json:"messages,omitempty"`
}

// Classification is the per-user view of a questionnaire's routes.
type Classification struct {
	QuestionnaireID string        `json:"questionnaire_id"`
	UserID          string        `json:"user_id"`
	Available       []RouteStatus `json:"available"`
	Warnings        []RouteStatus `json:"warnings"`
	Restricted      []RouteStatus `json:"restricted"`
	Hidden          []RouteStatus `json:"hidden"`
}

// Evaluation is the outcome of running the rules for a single route.
type Evaluation struct {
	Decision rules.Decision
	Entry    *model.LedgerEntry
	History  []model.SubmissionRecord
}

const defaultConcurrency = 8

const untrackedMessage = "This route is not open for this questionnaire."

// Classifier combines ledger snapshots, history and rules. It holds no
// per-user state; every call computes a fresh result.
type Classifier struct {
	ledger      LedgerReader
	history     HistoryReader
	rules       RuleSource
	engine      *rules.Engine
	concurrency int
	nowFunc     func() time.Time
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithConcurrency bounds concurrent snapshot reads.
func WithConcurrency(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithClock overrides time.Now for rule evaluation.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.nowFunc = now }
}

// New creates a Classifier.
func New(ledger LedgerReader, history HistoryReader, rs RuleSource, engine *rules.Engine, opts ...Option) *Classifier {
	if engine == nil {
		engine = rules.NewEngine(false)
	}
	c := &Classifier{
		ledger:      ledger,
		history:     history,
		rules:       rs,
		engine:      engine,
		concurrency: defaultConcurrency,
		nowFunc:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify evaluates every route for user. History is loaded once and ledger
// snapshots are read concurrently. Untracked routes are hidden.
func (c *Classifier) Classify(ctx context.Context, routes []model.Route, questionnaireID string, user User) (*Classification, error) {
	hist, err := c.history.ForUser(ctx, user.ID, questionnaireID)
	if err != nil {
		return nil, eris.Wrap(err, "availability: load history")
	}

	entries := make([]*model.LedgerEntry, len(routes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, r := range routes {
		g.Go(func() error {
			e, err := c.ledger.Snapshot(gctx, questionnaireID, r.ID)
			if err != nil {
				return eris.Wrapf(err, "availability: snapshot %s", r.ID)
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ruleList := c.rules.For(questionnaireID)
	now := c.nowFunc()
	out := &Classification{
		QuestionnaireID: questionnaireID,
		UserID:          user.ID,
		Available:       []RouteStatus{},
		Warnings:        []RouteStatus{},
		Restricted:      []RouteStatus{},
		Hidden:          []RouteStatus{},
	}
	for i, r := range routes {
		e := entries[i]
		if e == nil {
			out.Hidden = append(out.Hidden, RouteStatus{Route: r, Level: rules.LevelHide, Messages: []string{untrackedMessage}})
			continue
		}

		d := c.engine.Evaluate(ruleList, c.evalContext(questionnaireID, r.ID, user, hist, e, now))
		info := model.QuotaInfo(*e)
		st := RouteStatus{Route: r, Quota: &info, Level: d.Level, Messages: d.Messages}
		switch d.Level {
		case rules.LevelHide:
			out.Hidden = append(out.Hidden, st)
		case rules.LevelBlock:
			out.Restricted = append(out.Restricted, st)
		case rules.LevelWarn:
			out.Warnings = append(out.Warnings, st)
		default:
			out.Available = append(out.Available, st)
		}
	}
	return out, nil
}

// Evaluate runs the rules for one route, returning the inputs it used so the
// caller can act on them.
func (c *Classifier) Evaluate(ctx context.Context, questionnaireID, routeID string, user User) (*Evaluation, error) {
	hist, err := c.history.ForUser(ctx, user.ID, questionnaireID)
	if err != nil {
		return nil, eris.Wrap(err, "availability: load history")
	}
	e, err := c.ledger.Snapshot(ctx, questionnaireID, routeID)
	if err != nil {
		return nil, eris.Wrapf(err, "availability: snapshot %s", routeID)
	}
	d := c.engine.Evaluate(c.rules.For(questionnaireID), c.evalContext(questionnaireID, routeID, user, hist, e, c.nowFunc()))
	return &Evaluation{Decision: d, Entry: e, History: hist}, nil
}

func (c *Classifier) evalContext(questionnaireID, routeID string, user User, hist []model.SubmissionRecord, e *model.LedgerEntry, now time.Time) rules.EvalContext {
	return rules.EvalContext{
		UserID:          user.ID,
		UserRole:        user.Role,
		QuestionnaireID: questionnaireID,
		RouteID:         routeID,
		History:         hist,
		Ledger:          e,
		Now:             now,
	}
}
