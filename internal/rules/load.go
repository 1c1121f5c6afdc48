package rules

import (
	"os"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// fileRule is the on-disk shape of a rule. Config is decoded per Type.
type fileRule struct {
	ID             string      `yaml:"id"`
	Type           Type        `yaml:"type"`
	Enforcement    Enforcement `yaml:"enforcement"`
	ErrorMessage   string      `yaml:"error_message"`
	WarningMessage string      `yaml:"warning_message"`
	Active         *bool       `yaml:"active"`
	Questionnaires []string    `yaml:"questionnaires"`
	Config         yaml.Node   `yaml:"config"`
}

type ruleFile struct {
	Rules []fileRule `yaml:"rules"`
}

// Parse decodes a YAML rule file. Only syntax errors fail the parse; a rule
// with an unknown type or bad config is kept with InvalidParams so that
// evaluation can report it.
func Parse(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "rules: parse yaml")
	}

	out := make([]Rule, 0, len(f.Rules))
	for _, fr := range f.Rules {
		r := Rule{
			ID:               fr.ID,
			Type:             fr.Type,
			Enforcement:      fr.Enforcement,
			ErrorMessage:     fr.ErrorMessage,
			WarningMessage:   fr.WarningMessage,
			IsActive:         fr.Active == nil || *fr.Active,
			QuestionnaireIDs: fr.Questionnaires,
		}
		if r.Enforcement == "" {
			r.Enforcement = EnforcementBlock
		}
		r.Params = decodeParams(fr.Type, &fr.Config)
		out = append(out, r)
	}
	return out, nil
}

func decodeParams(t Type, node *yaml.Node) Params {
	decode := func(p any) error {
		if node.Kind == 0 {
			return nil
		}
		return node.Decode(p)
	}

	switch t {
	case TypeRouteCompletionLimit:
		var p CompletionLimitParams
		if err := decode(&p); err != nil {
			return InvalidParams{Reason: err.Error()}
		}
		return p
	case TypeRouteSubmissionLimit:
		p := SubmissionLimitParams{MaxPerUser: 1}
		if err := decode(&p); err != nil {
			return InvalidParams{Reason: err.Error()}
		}
		return p
	case TypeTimeCooldown:
		var p CooldownParams
		if err := decode(&p); err != nil {
			return InvalidParams{Reason: err.Error()}
		}
		return p
	case TypeUserRoleRestriction:
		var p RoleRestrictionParams
		if err := decode(&p); err != nil {
			return InvalidParams{Reason: err.Error()}
		}
		return p
	default:
		return InvalidParams{Reason: "unknown rule type " + string(t)}
	}
}

// LoadFile reads and parses a rule file.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: read %s", path)
	}
	return Parse(data)
}

// ValidateAll returns one error per rule that cannot be evaluated, plus
// duplicate ids.
func ValidateAll(rules []Rule) []error {
	var errs []error
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
		}
		if r.ID != "" && seen[r.ID] {
			errs = append(errs, eris.Errorf("rule %s: duplicate id", r.ID))
		}
		seen[r.ID] = true
	}
	return errs
}

// DefaultRules is used when no rule file is configured: full routes are
// shown disabled with a warning at 90%, and a route the user already
// completed is hidden.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:             "route-full",
			Type:           TypeRouteCompletionLimit,
			Params:         CompletionLimitParams{WarnAtPercent: 90},
			Enforcement:    EnforcementBlock,
			ErrorMessage:   "This route has reached its completion limit.",
			WarningMessage: "This route is almost full.",
			IsActive:       true,
		},
		{
			ID:           "one-per-route",
			Type:         TypeRouteSubmissionLimit,
			Params:       SubmissionLimitParams{MaxPerUser: 1},
			Enforcement:  EnforcementHide,
			ErrorMessage: "You have already completed this route.",
			IsActive:     true,
		},
	}
}

// RuleSet holds the live rule list. Replace swaps it atomically so rules can
// change without restarting.
type RuleSet struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewRuleSet returns a RuleSet holding a copy of rules.
func NewRuleSet(rules []Rule) *RuleSet {
	rs := &RuleSet{}
	rs.Replace(rules)
	return rs
}

// Replace swaps in a copy of rules.
func (rs *RuleSet) Replace(rules []Rule) {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	rs.mu.Lock()
	rs.rules = cp
	rs.mu.Unlock()
}

// Rules returns the current rules in declared order.
func (rs *RuleSet) Rules() []Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.rules
}

// For returns the rules that apply to questionnaireID, in declared order.
func (rs *RuleSet) For(questionnaireID string) []Rule {
	all := rs.Rules()
	out := make([]Rule, 0, len(all))
	for _, r := range all {
		if r.AppliesTo(questionnaireID) {
			out = append(out, r)
		}
	}
	return out
}
