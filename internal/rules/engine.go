package rules

import (
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/route-quota/internal/model"
)

// Outcome is the overall decision for a submission attempt.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeWarn  Outcome = "warn"
	OutcomeBlock Outcome = "block"
)

// EvalContext is everything a rule may look at. History and Ledger are
// fetched by the caller before evaluation.
type EvalContext struct {
	UserID          string
	UserRole        string
	QuestionnaireID string
	RouteID         string
	History         []model.SubmissionRecord
	Ledger          *model.LedgerEntry
	Now             time.Time
}

// Finding records one rule that fired.
type Finding struct {
	RuleID  string `json:"rule_id"`
	Type    Type   `json:"type"`
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// RuleEvaluationFailure describes a rule that could not be evaluated.
type RuleEvaluationFailure struct {
	RuleID string `json:"rule_id"`
	Type   Type   `json:"type"`
	Reason string `json:"reason"`
}

func (f RuleEvaluationFailure) Error() string {
	return "rule " + f.RuleID + " (" + string(f.Type) + "): " + f.Reason
}

// Decision is the aggregate result of evaluating a rule list.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	// Level is the strictest level among fired rules. It separates hide from
	// block, which share the block outcome.
	Level    Level                   `json:"level"`
	Messages []string                `json:"messages,omitempty"`
	Findings []Finding               `json:"findings,omitempty"`
	Failures []RuleEvaluationFailure `json:"failures,omitempty"`
	// ClaimLimit is the smallest max_per_user among applicable blocking
	// submission-limit rules, whether or not they fired. The submission
	// path enforces it again when the record is written. Zero means no cap.
	ClaimLimit int `json:"-"`
}

// Fired reports whether a rule of type t contributed a finding.
func (d Decision) Fired(t Type) bool {
	for _, f := range d.Findings {
		if f.Type == t {
			return true
		}
	}
	return false
}

// Engine evaluates rules. When FailClosed is set, a rule that cannot be
// evaluated blocks instead of being skipped.
type Engine struct {
	FailClosed bool
}

// NewEngine returns an Engine with the given failure policy.
func NewEngine(failClosed bool) *Engine {
	return &Engine{FailClosed: failClosed}
}

// Evaluate runs every active rule in declared order and aggregates the
// findings. All rules are evaluated so the strictest level wins regardless
// of where it was declared.
func (e *Engine) Evaluate(rules []Rule, ec EvalContext) Decision {
	if ec.Now.IsZero() {
		ec.Now = time.Now()
	}

	var d Decision
	for _, r := range rules {
		if !r.AppliesTo(ec.QuestionnaireID) {
			continue
		}

		if p, ok := r.Params.(SubmissionLimitParams); ok && p.MaxPerUser > 0 &&
			r.Enforcement.Valid() && r.Enforcement.Level() >= LevelBlock {
			if d.ClaimLimit == 0 || p.MaxPerUser < d.ClaimLimit {
				d.ClaimLimit = p.MaxPerUser
			}
		}

		finding, fired, failure := evaluate(r, ec)
		if failure != nil {
			d.Failures = append(d.Failures, *failure)
			zap.L().Warn("rule evaluation failed",
				zap.String("rule_id", failure.RuleID),
				zap.String("rule_type", string(failure.Type)),
				zap.String("reason", failure.Reason),
				zap.Bool("fail_closed", e.FailClosed),
			)
			if !e.FailClosed {
				continue
			}
			finding = Finding{RuleID: r.ID, Type: r.Type, Level: LevelBlock, Message: messageOr(r.ErrorMessage, "Submission is temporarily unavailable for this route.")}
			fired = true
		}
		if !fired {
			continue
		}
		d.Findings = append(d.Findings, finding)
		if finding.Level > d.Level {
			d.Level = finding.Level
		}
	}

	switch {
	case d.Level >= LevelBlock:
		d.Outcome = OutcomeBlock
		d.Messages = messagesAtLeast(d.Findings, LevelBlock)
	case d.Level == LevelWarn:
		d.Outcome = OutcomeWarn
		d.Messages = messagesAtLeast(d.Findings, LevelWarn)
	default:
		d.Outcome = OutcomeAllow
	}
	return d
}

// evaluate is the single dispatch point over the closed Params variant.
func evaluate(r Rule, ec EvalContext) (Finding, bool, *RuleEvaluationFailure) {
	fail := func(reason string) (Finding, bool, *RuleEvaluationFailure) {
		return Finding{}, false, &RuleEvaluationFailure{RuleID: r.ID, Type: r.Type, Reason: reason}
	}
	if !r.Enforcement.Valid() {
		return fail("unknown enforcement " + string(r.Enforcement))
	}
	fire := func(level Level, msg string) (Finding, bool, *RuleEvaluationFailure) {
		return Finding{RuleID: r.ID, Type: r.Type, Level: level, Message: msg}, true, nil
	}
	level := r.Enforcement.Level()

	switch p := r.Params.(type) {
	case CompletionLimitParams:
		e := ec.Ledger
		if e == nil {
			return Finding{}, false, nil
		}
		if !e.IsActive || e.IsFull() {
			return fire(level, messageOr(r.ErrorMessage, "This route has reached its completion limit."))
		}
		if p.WarnAtPercent > 0 && e.PercentComplete() >= p.WarnAtPercent {
			return fire(LevelWarn, messageOr(r.WarningMessage, "This route is almost full."))
		}

	case SubmissionLimitParams:
		if p.MaxPerUser < 1 {
			return fail("max_per_user must be at least 1")
		}
		if model.CountFor(ec.History, ec.QuestionnaireID, ec.RouteID) >= p.MaxPerUser {
			return fire(level, messageFor(r, level, "You have already submitted for this route."))
		}

	case CooldownParams:
		if p.Cooldown <= 0 {
			return fail("cooldown must be positive")
		}
		latest := model.Latest(ec.History)
		if latest != nil && ec.Now.Sub(latest.SubmittedAt) < p.Cooldown {
			return fire(level, messageFor(r, level, "Please wait before submitting again."))
		}

	case RoleRestrictionParams:
		if len(p.RequiredRoles) == 0 {
			return fail("required_roles is empty")
		}
		if !hasRole(p.RequiredRoles, ec.UserRole) {
			return fire(level, messageFor(r, level, "Your role cannot submit for this route."))
		}

	case InvalidParams:
		return fail(p.Reason)

	default:
		return fail("missing parameters")
	}
	return Finding{}, false, nil
}

func messageFor(r Rule, level Level, fallback string) string {
	if level == LevelWarn {
		return messageOr(r.WarningMessage, messageOr(r.ErrorMessage, fallback))
	}
	return messageOr(r.ErrorMessage, fallback)
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

func messagesAtLeast(findings []Finding, floor Level) []string {
	var msgs []string
	for _, f := range findings {
		if f.Level >= floor {
			msgs = append(msgs, f.Message)
		}
	}
	return msgs
}
