package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/route-quota/internal/model"
)

var evalNow = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func entry(current, limit int) *model.LedgerEntry {
	return &model.LedgerEntry{
		QuestionnaireID:    "q1",
		RouteID:            "r1",
		CurrentCompletions: current,
		CompletionLimit:    limit,
		IsActive:           true,
	}
}

func baseContext() EvalContext {
	return EvalContext{
		UserID:          "u1",
		UserRole:        "rider",
		QuestionnaireID: "q1",
		RouteID:         "r1",
		Ledger:          entry(0, 10),
		Now:             evalNow,
	}
}

func completionRule(enf Enforcement, warnAt float64) Rule {
	return Rule{
		ID: "full", Type: TypeRouteCompletionLimit, Params: CompletionLimitParams{WarnAtPercent: warnAt},
		Enforcement: enf, ErrorMessage: "route full", WarningMessage: "nearly full", IsActive: true,
	}
}

func submissionRule(enf Enforcement) Rule {
	return Rule{
		ID: "dup", Type: TypeRouteSubmissionLimit, Params: SubmissionLimitParams{MaxPerUser: 1},
		Enforcement: enf, ErrorMessage: "already done", WarningMessage: "you did this before", IsActive: true,
	}
}

func TestEvaluate_AllowWithNoRules(t *testing.T) {
	d := NewEngine(false).Evaluate(nil, baseContext())
	assert.Equal(t, OutcomeAllow, d.Outcome)
	assert.Equal(t, LevelAllow, d.Level)
	assert.Empty(t, d.Messages)
}

func TestEvaluate_CompletionLimit(t *testing.T) {
	tests := []struct {
		name    string
		ledger  *model.LedgerEntry
		want    Outcome
		level   Level
		message string
	}{
		{"open", entry(3, 10), OutcomeAllow, LevelAllow, ""},
		{"nearly full warns", entry(9, 10), OutcomeWarn, LevelWarn, "nearly full"},
		{"full blocks", entry(10, 10), OutcomeBlock, LevelBlock, "route full"},
		{"inactive blocks", &model.LedgerEntry{CompletionLimit: 10, IsActive: false}, OutcomeBlock, LevelBlock, "route full"},
		{"untracked skipped", nil, OutcomeAllow, LevelAllow, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := baseContext()
			ec.Ledger = tt.ledger
			d := NewEngine(false).Evaluate([]Rule{completionRule(EnforcementBlock, 90)}, ec)
			assert.Equal(t, tt.want, d.Outcome)
			assert.Equal(t, tt.level, d.Level)
			if tt.message != "" {
				assert.Equal(t, []string{tt.message}, d.Messages)
			}
		})
	}
}

func TestEvaluate_DuplicatePrevention(t *testing.T) {
	ec := baseContext()
	ec.History = []model.SubmissionRecord{
		{UserID: "u1", QuestionnaireID: "q1", RouteID: "r1", SubmittedAt: evalNow.Add(-48 * time.Hour)},
	}

	d := NewEngine(false).Evaluate([]Rule{submissionRule(EnforcementBlock)}, ec)
	assert.Equal(t, OutcomeBlock, d.Outcome)
	assert.Equal(t, []string{"already done"}, d.Messages)

	d = NewEngine(false).Evaluate([]Rule{submissionRule(EnforcementWarn)}, ec)
	assert.Equal(t, OutcomeWarn, d.Outcome)
	assert.Equal(t, []string{"you did this before"}, d.Messages)
	assert.True(t, d.Fired(TypeRouteSubmissionLimit))

	ec.RouteID = "r2"
	d = NewEngine(false).Evaluate([]Rule{submissionRule(EnforcementBlock)}, ec)
	assert.Equal(t, OutcomeAllow, d.Outcome, "a different route is unaffected")

	ec.RouteID = "r1"
	ec.QuestionnaireID = "q2"
	d = NewEngine(false).Evaluate([]Rule{submissionRule(EnforcementBlock)}, ec)
	assert.Equal(t, OutcomeAllow, d.Outcome, "a different questionnaire is unaffected")
}

func TestEvaluate_MaxPerUser(t *testing.T) {
	r := submissionRule(EnforcementBlock)
	r.Params = SubmissionLimitParams{MaxPerUser: 2}
	ec := baseContext()
	ec.History = []model.SubmissionRecord{{QuestionnaireID: "q1", RouteID: "r1"}}
	assert.Equal(t, OutcomeAllow, NewEngine(false).Evaluate([]Rule{r}, ec).Outcome)

	ec.History = append(ec.History, model.SubmissionRecord{QuestionnaireID: "q1", RouteID: "r1"})
	assert.Equal(t, OutcomeBlock, NewEngine(false).Evaluate([]Rule{r}, ec).Outcome)
}

func TestEvaluate_Cooldown(t *testing.T) {
	r := Rule{
		ID: "cool", Type: TypeTimeCooldown, Params: CooldownParams{Cooldown: time.Hour},
		Enforcement: EnforcementWarn, WarningMessage: "slow down", IsActive: true,
	}
	ec := baseContext()
	ec.RouteID = "r9"
	ec.History = []model.SubmissionRecord{
		{QuestionnaireID: "q1", RouteID: "r1", SubmittedAt: evalNow.Add(-3 * time.Hour)},
		{QuestionnaireID: "q1", RouteID: "r2", SubmittedAt: evalNow.Add(-30 * time.Minute)},
	}
	d := NewEngine(false).Evaluate([]Rule{r}, ec)
	assert.Equal(t, OutcomeWarn, d.Outcome)
	assert.Equal(t, []string{"slow down"}, d.Messages)

	ec.Now = evalNow.Add(time.Hour)
	assert.Equal(t, OutcomeAllow, NewEngine(false).Evaluate([]Rule{r}, ec).Outcome)

	ec.QuestionnaireID = "other"
	ec.Now = evalNow
	assert.Equal(t, OutcomeWarn, NewEngine(false).Evaluate([]Rule{r}, ec).Outcome, "the cooldown follows the user across questionnaires")
}

func TestEvaluate_CooldownStartedInAnotherQuestionnaire(t *testing.T) {
	r := Rule{
		ID: "cool", Type: TypeTimeCooldown, Params: CooldownParams{Cooldown: 10 * time.Minute},
		Enforcement: EnforcementBlock, ErrorMessage: "wait", IsActive: true,
	}
	ec := baseContext()
	ec.History = []model.SubmissionRecord{
		{QuestionnaireID: "q1", RouteID: "r2", SubmittedAt: evalNow.Add(-2 * time.Hour)},
		{QuestionnaireID: "q2", RouteID: "r7", SubmittedAt: evalNow.Add(-time.Minute)},
	}

	d := NewEngine(false).Evaluate([]Rule{r}, ec)
	assert.Equal(t, OutcomeBlock, d.Outcome)
	assert.Equal(t, []string{"wait"}, d.Messages)

	// Scoping the rule to q1 still measures from the q2 submission.
	r.QuestionnaireIDs = []string{"q1"}
	assert.Equal(t, OutcomeBlock, NewEngine(false).Evaluate([]Rule{r}, ec).Outcome)

	ec.Now = evalNow.Add(10 * time.Minute)
	assert.Equal(t, OutcomeAllow, NewEngine(false).Evaluate([]Rule{r}, ec).Outcome)
}

func TestEvaluate_ClaimLimit(t *testing.T) {
	two := submissionRule(EnforcementBlock)
	two.ID = "two"
	two.Params = SubmissionLimitParams{MaxPerUser: 2}
	one := submissionRule(EnforcementHide)
	soft := submissionRule(EnforcementWarn)
	soft.ID = "soft"
	soft.Params = SubmissionLimitParams{MaxPerUser: 1}
	scoped := submissionRule(EnforcementBlock)
	scoped.ID = "scoped"
	scoped.QuestionnaireIDs = []string{"q9"}

	tests := []struct {
		name  string
		rules []Rule
		want  int
	}{
		{"no submission rule", []Rule{completionRule(EnforcementBlock, 0)}, 0},
		{"warn only", []Rule{soft}, 0},
		{"block", []Rule{two}, 2},
		{"tightest wins", []Rule{two, one, soft}, 1},
		{"out of scope", []Rule{scoped}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewEngine(false).Evaluate(tt.rules, baseContext())
			assert.Equal(t, tt.want, d.ClaimLimit)
			assert.Equal(t, OutcomeAllow, d.Outcome)
		})
	}
}

func TestEvaluate_RoleRestriction(t *testing.T) {
	r := Rule{
		ID: "staff", Type: TypeUserRoleRestriction, Params: RoleRestrictionParams{RequiredRoles: []string{"Admin", "surveyor"}},
		Enforcement: EnforcementBlock, IsActive: true,
	}
	ec := baseContext()
	d := NewEngine(false).Evaluate([]Rule{r}, ec)
	assert.Equal(t, OutcomeBlock, d.Outcome)
	assert.Equal(t, []string{"Your role cannot submit for this route."}, d.Messages)

	ec.UserRole = "admin"
	assert.Equal(t, OutcomeAllow, NewEngine(false).Evaluate([]Rule{r}, ec).Outcome)
}

func TestEvaluate_StrictestWinsRegardlessOfOrder(t *testing.T) {
	ec := baseContext()
	ec.Ledger = entry(9, 10)
	ec.History = []model.SubmissionRecord{{QuestionnaireID: "q1", RouteID: "r1"}}

	warn := completionRule(EnforcementBlock, 50)
	hide := submissionRule(EnforcementHide)
	block := Rule{
		ID: "staff", Type: TypeUserRoleRestriction, Params: RoleRestrictionParams{RequiredRoles: []string{"admin"}},
		Enforcement: EnforcementBlock, ErrorMessage: "staff only", IsActive: true,
	}

	orders := [][]Rule{
		{warn, hide, block},
		{block, warn, hide},
		{hide, block, warn},
	}
	for _, rs := range orders {
		d := NewEngine(false).Evaluate(rs, ec)
		assert.Equal(t, OutcomeBlock, d.Outcome)
		assert.Equal(t, LevelHide, d.Level)
		assert.Len(t, d.Findings, 3)
		assert.ElementsMatch(t, []string{"already done", "staff only"}, d.Messages)
	}
}

func TestEvaluate_HideBeatsWarn(t *testing.T) {
	ec := baseContext()
	ec.Ledger = entry(10, 10)
	ec.History = []model.SubmissionRecord{{QuestionnaireID: "q1", RouteID: "r1"}}

	d := NewEngine(false).Evaluate([]Rule{submissionRule(EnforcementWarn), completionRule(EnforcementHide, 0)}, ec)
	assert.Equal(t, LevelHide, d.Level)
	assert.Equal(t, []string{"route full"}, d.Messages)
}

func TestEvaluate_WarningsAccumulate(t *testing.T) {
	ec := baseContext()
	ec.Ledger = entry(9, 10)
	ec.History = []model.SubmissionRecord{{QuestionnaireID: "q1", RouteID: "r1", SubmittedAt: evalNow}}

	cool := Rule{
		ID: "cool", Type: TypeTimeCooldown, Params: CooldownParams{Cooldown: time.Hour},
		Enforcement: EnforcementWarn, WarningMessage: "slow down", IsActive: true,
	}
	d := NewEngine(false).Evaluate([]Rule{completionRule(EnforcementBlock, 80), submissionRule(EnforcementWarn), cool}, ec)
	assert.Equal(t, OutcomeWarn, d.Outcome)
	assert.Equal(t, []string{"nearly full", "you did this before", "slow down"}, d.Messages)
}

func TestEvaluate_InactiveAndScopedRulesSkipped(t *testing.T) {
	ec := baseContext()
	ec.Ledger = entry(10, 10)

	inactive := completionRule(EnforcementBlock, 0)
	inactive.IsActive = false
	scoped := completionRule(EnforcementBlock, 0)
	scoped.QuestionnaireIDs = []string{"q-other"}

	d := NewEngine(false).Evaluate([]Rule{inactive, scoped}, ec)
	assert.Equal(t, OutcomeAllow, d.Outcome)

	scoped.QuestionnaireIDs = append(scoped.QuestionnaireIDs, "q1")
	d = NewEngine(false).Evaluate([]Rule{scoped}, ec)
	assert.Equal(t, OutcomeBlock, d.Outcome)
}

func TestEvaluate_FailurePolicy(t *testing.T) {
	bad := []Rule{
		{ID: "mystery", Type: "geo_fence", Params: InvalidParams{Reason: "unknown rule type geo_fence"}, Enforcement: EnforcementBlock, IsActive: true},
		{ID: "nocool", Type: TypeTimeCooldown, Params: CooldownParams{}, Enforcement: EnforcementBlock, IsActive: true},
		{ID: "noparams", Type: TypeTimeCooldown, Enforcement: EnforcementBlock, IsActive: true},
		{ID: "badenf", Type: TypeRouteCompletionLimit, Params: CompletionLimitParams{}, Enforcement: "explode", IsActive: true},
	}

	open := NewEngine(false).Evaluate(bad, baseContext())
	assert.Equal(t, OutcomeAllow, open.Outcome)
	require.Len(t, open.Failures, 4)
	assert.Equal(t, "mystery", open.Failures[0].RuleID)
	assert.Contains(t, open.Failures[0].Error(), "unknown rule type")

	closed := NewEngine(true).Evaluate(bad, baseContext())
	assert.Equal(t, OutcomeBlock, closed.Outcome)
	assert.Equal(t, LevelBlock, closed.Level)
	assert.Len(t, closed.Failures, 4)
}

func TestLevel_String(t *testing.T) {
	for l, want := range map[Level]string{LevelAllow: "allow", LevelWarn: "warn", LevelBlock: "block", LevelHide: "hide", Level(9): "unknown"} {
		assert.Equal(t, want, l.String())
	}
	b, err := LevelHide.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "hide", string(b))
}
