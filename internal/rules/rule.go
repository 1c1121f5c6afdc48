// Package rules evaluates submission eligibility rules against a user's
// history and a ledger snapshot.
package rules

import (
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Type names a rule kind.
type Type string

const (
	TypeRouteCompletionLimit Type = "route_completion_limit"
	TypeRouteSubmissionLimit Type = "route_submission_limit"
	TypeTimeCooldown         Type = "time_cooldown"
	TypeUserRoleRestriction  Type = "user_role_restriction"
)

// Enforcement decides what happens when a rule fires.
type Enforcement string

const (
	EnforcementBlock Enforcement = "block"
	EnforcementWarn  Enforcement = "warn"
	EnforcementHide  Enforcement = "hide"
)

// Valid reports whether e is a known enforcement.
func (e Enforcement) Valid() bool {
	switch e {
	case EnforcementBlock, EnforcementWarn, EnforcementHide:
		return true
	}
	return false
}

// Level returns the severity a firing rule with this enforcement contributes.
func (e Enforcement) Level() Level {
	switch e {
	case EnforcementHide:
		return LevelHide
	case EnforcementWarn:
		return LevelWarn
	default:
		return LevelBlock
	}
}

// Level is a totally ordered severity: hide > block > warn > allow.
type Level int

const (
	LevelAllow Level = iota
	LevelWarn
	LevelBlock
	LevelHide
)

func (l Level) String() string {
	switch l {
	case LevelAllow:
		return "allow"
	case LevelWarn:
		return "warn"
	case LevelBlock:
		return "block"
	case LevelHide:
		return "hide"
	default:
		return "unknown"
	}
}

// MarshalText renders the level name in JSON output.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Params is the closed set of typed rule parameters. Only the types in this
// package implement it.
type Params interface {
	isParams()
}

// CompletionLimitParams configures route_completion_limit. A positive
// WarnAtPercent adds a warning once the route is that full.
type CompletionLimitParams struct {
	WarnAtPercent float64 `yaml:"warn_at_percent" json:"warn_at_percent,omitempty"`
}

// SubmissionLimitParams configures route_submission_limit.
type SubmissionLimitParams struct {
	MaxPerUser int `yaml:"max_per_user" json:"max_per_user"`
}

// CooldownParams configures time_cooldown.
type CooldownParams struct {
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
}

// RoleRestrictionParams configures user_role_restriction.
type RoleRestrictionParams struct {
	RequiredRoles []string `yaml:"required_roles" json:"required_roles"`
}

// InvalidParams marks a rule whose type or configuration could not be
// understood. Evaluating it yields a RuleEvaluationFailure.
type InvalidParams struct {
	Reason string `json:"reason"`
}

func (CompletionLimitParams) isParams() {}
func (SubmissionLimitParams) isParams() {}
func (CooldownParams) isParams()        {}
func (RoleRestrictionParams) isParams() {}
func (InvalidParams) isParams()         {}

// Rule is one configured validation rule.
type Rule struct {
	ID               string      `json:"id"`
	Type             Type        `json:"type"`
	Params           Params      `json:"params"`
	Enforcement      Enforcement `json:"enforcement"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	WarningMessage   string      `json:"warning_message,omitempty"`
	IsActive         bool        `json:"is_active"`
	QuestionnaireIDs []string    `json:"questionnaire_ids,omitempty"`
}

// AppliesTo reports whether the rule is active and scoped to questionnaireID.
// An empty scope means every questionnaire.
func (r Rule) AppliesTo(questionnaireID string) bool {
	if !r.IsActive {
		return false
	}
	return len(r.QuestionnaireIDs) == 0 || slices.Contains(r.QuestionnaireIDs, questionnaireID)
}

// Validate checks that the rule can be evaluated.
func (r Rule) Validate() error {
	if r.ID == "" {
		return eris.Errorf("rule of type %q has no id", r.Type)
	}
	if !r.Enforcement.Valid() {
		return eris.Errorf("rule %s: unknown enforcement %q", r.ID, r.Enforcement)
	}
	switch p := r.Params.(type) {
	case CompletionLimitParams:
		if p.WarnAtPercent < 0 || p.WarnAtPercent > 100 {
			return eris.Errorf("rule %s: warn_at_percent must be within 0..100", r.ID)
		}
	case SubmissionLimitParams:
		if p.MaxPerUser < 1 {
			return eris.Errorf("rule %s: max_per_user must be at least 1", r.ID)
		}
	case CooldownParams:
		if p.Cooldown <= 0 {
			return eris.Errorf("rule %s: cooldown must be positive", r.ID)
		}
	case RoleRestrictionParams:
		if len(p.RequiredRoles) == 0 {
			return eris.Errorf("rule %s: required_roles is empty", r.ID)
		}
	case InvalidParams:
		return eris.Errorf("rule %s: %s", r.ID, p.Reason)
	case nil:
		return eris.Errorf("rule %s: missing parameters", r.ID)
	}
	return nil
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}
