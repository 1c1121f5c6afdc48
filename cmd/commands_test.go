package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/route-quota/internal/config"
	"github.com/sells-group/route-quota/internal/ledger"
	"github.com/sells-group/route-quota/internal/model"
	"github.com/sells-group/route-quota/internal/report"
	"github.com/sells-group/route-quota/internal/rules"
)

// useTestConfig points the package-level config at a temp SQLite database.
func useTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prev := cfg
	cfg = &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "quota.db")},
		Ledger: config.LedgerConfig{
			MaxAttempts: 5, InitialBackoffMs: 10, MaxBackoffMs: 250, Jitter: 0.5, SnapshotTTLSecs: 5, ReconcileGraceSecs: 300,
		},
		Server: config.ServerConfig{Port: 8080, SubmitRatePerSec: 1, SubmitBurst: 1},
	}
	t.Cleanup(func() { cfg = prev })
	return dir
}

const catalogYAML = `
routes:
  - name: North Harbour
    category: main-loop
  - id: ridge
    name: Ridge
    category: loop_branch
    limit: 3
`

func TestInitApp_SeedAndSummarize(t *testing.T) {
	dir := useTestConfig(t)
	path := filepath.Join(dir, "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o644))
	cfg.Catalog.Path = path

	ctx := context.Background()
	env, err := initApp(ctx, "ledger")
	require.NoError(t, err)
	defer env.Close()

	routes, err := env.Routes.Routes(ctx, "q1")
	require.NoError(t, err)
	created, err := env.Ledger.InitializeTracking(ctx, "q1", routes, cfg.CategoryLimits())
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	out, err := env.Ledger.TryReserve(ctx, "q1", "ridge")
	require.NoError(t, err)
	assert.Equal(t, ledger.Reserved, out)

	sum, err := env.Reporter.Questionnaire(ctx, "q1")
	require.NoError(t, err)
	infos, err := env.Reporter.Routes(ctx, "q1")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeSummary(&buf, report.FormatTable, "", sum, infos))
	assert.Contains(t, buf.String(), "north-harbour")
	assert.Contains(t, buf.String(), "ridge")

	buf.Reset()
	require.NoError(t, writeSummary(&buf, report.FormatJSON, "", sum, infos))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))

	xlsxPath := filepath.Join(dir, "summary.xlsx")
	buf.Reset()
	require.NoError(t, writeSummary(&buf, report.FormatXLSX, xlsxPath, sum, infos))
	assert.FileExists(t, xlsxPath)
}

func TestInitApp_InvalidConfig(t *testing.T) {
	useTestConfig(t)
	cfg.Store.Driver = "oracle"

	_, err := initApp(context.Background(), "ledger")
	assert.Error(t, err)
}

func TestInitApp_LedgerProviderWithoutCatalog(t *testing.T) {
	useTestConfig(t)
	ctx := context.Background()

	env, err := initApp(ctx, "ledger")
	require.NoError(t, err)
	defer env.Close()

	_, err = env.Ledger.InitializeTracking(ctx, "q1", []model.Route{{ID: "a", Category: model.CategoryOther}}, nil)
	require.NoError(t, err)

	routes, err := env.Routes.Routes(ctx, "q1")
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "a", routes[0].ID)
}

func TestWriteSummary_EmptyTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSummary(&buf, report.FormatTable, "", &model.QuestionnaireQuotaSummary{QuestionnaireID: "q9"}, nil))
	assert.Contains(t, buf.String(), "No routes tracked for q9")
}

func TestFormatReconcile(t *testing.T) {
	var buf bytes.Buffer
	formatReconcile(&buf, nil)
	assert.Contains(t, buf.String(), "All counters match")

	buf.Reset()
	formatReconcile(&buf, []ledger.ReconcileResult{
		{RouteID: "harbour", Counter: 5, Records: 3, Released: 2},
		{RouteID: "ridge", Counter: 2, Records: 1, Skipped: true},
		{RouteID: "meadow", Counter: 1, Records: 4, Drift: true},
	})
	out := buf.String()
	assert.Contains(t, out, "ROUTE")
	assert.Contains(t, out, "harbour")
	assert.Contains(t, out, "inside grace window")
	assert.Contains(t, out, "counter behind records")
}

func TestCheckRules(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, checkRules(&buf, rules.DefaultRules()))
	assert.Contains(t, buf.String(), "route-full")
	assert.Contains(t, buf.String(), "2 rules OK")

	bad, err := rules.Parse([]byte(`
rules:
  - id: cool
    type: time_cooldown
    config:
      cooldown: 0s
  - id: mystery
    type: moon_phase
`))
	require.NoError(t, err)

	buf.Reset()
	err = checkRules(&buf, bad)
	assert.Error(t, err)
	assert.Contains(t, buf.String(), "invalid:")
	assert.Contains(t, err.Error(), "2 of 2 rules invalid")
}

func TestLoadRules_FromFile(t *testing.T) {
	dir := useTestConfig(t)
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: staff-only
    type: user_role_restriction
    enforcement: hide
    config:
      required_roles: [staff]
`), 0o644))
	cfg.Rules.Path = path

	rs, err := loadRules()
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, rules.EnforcementHide, rs[0].Enforcement)

	cfg.Rules.Path = ""
	rs, err = loadRules()
	require.NoError(t, err)
	assert.Len(t, rs, len(rules.DefaultRules()))
}

func TestFormatRoutes(t *testing.T) {
	routes := []model.Route{
		{ID: "harbour", Name: "Harbour", Category: model.CategoryMainLoop},
		{ID: "ridge", Name: "Ridge", Category: model.CategoryLoopBranch, CompletionLimit: 3},
	}

	var buf bytes.Buffer
	require.NoError(t, formatRoutes(&buf, routes, model.DefaultCategoryLimits(), false))
	assert.Contains(t, buf.String(), "70 (default)")
	assert.Contains(t, buf.String(), "ridge")

	buf.Reset()
	require.NoError(t, formatRoutes(&buf, routes, model.DefaultCategoryLimits(), true))
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.EqualValues(t, 70, rows[0]["resolved_limit"])
	assert.EqualValues(t, 3, rows[1]["resolved_limit"])
}
