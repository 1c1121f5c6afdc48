package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/route-quota/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedEntries(t *testing.T, st Store) []model.LedgerEntry {
	t.Helper()
	now := time.Now().UTC()
	entries := []model.LedgerEntry{
		model.NewLedgerEntry("q1", model.Route{ID: "loop-a", Name: "Loop A", Category: model.CategoryMainLoop}, 70, now),
		model.NewLedgerEntry("q1", model.Route{ID: "div-1", Name: "Diverse 1", Category: model.CategoryDiverse}, 40, now),
	}
	n, err := st.CreateLedgerEntries(context.Background(), entries)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	return entries
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("quota.db")
	assert.Contains(t, dsn, "quota.db?_pragma=busy_timeout(5000)")
	assert.Contains(t, dsn, "_txlock=immediate")

	assert.Contains(t, sqliteDSN("file:quota.db?mode=rwc"), "mode=rwc&_pragma=")
	assert.Equal(t, "x.db?_pragma=foo(1)", sqliteDSN("x.db?_pragma=foo(1)"))
}

func TestSQLite_CreateLedgerEntries_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	entries := seedEntries(t, st)

	n, err := st.CreateLedgerEntries(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := st.ListLedgerEntries(ctx, "q1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSQLite_CreateLedgerEntries_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)
	n, err := st.CreateLedgerEntries(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSQLite_CreateLedgerEntries_PreservesExisting(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	entries := seedEntries(t, st)

	e := entries[0]
	e.CurrentCompletions = 5
	ok, err := st.UpdateLedgerEntry(ctx, e, 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = st.CreateLedgerEntries(ctx, entries)
	require.NoError(t, err)

	got, err := st.GetLedgerEntry(ctx, "q1", "loop-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 5, got.CurrentCompletions)
	assert.Equal(t, int64(1), got.Version)
}

func TestSQLite_GetLedgerEntry(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntries(t, st)

	got, err := st.GetLedgerEntry(ctx, "q1", "div-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Diverse 1", got.RouteName)
	assert.Equal(t, model.CategoryDiverse, got.Category)
	assert.Equal(t, 40, got.CompletionLimit)
	assert.True(t, got.IsActive)

	missing, err := st.GetLedgerEntry(ctx, "q1", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	otherQ, err := st.GetLedgerEntry(ctx, "q2", "div-1")
	require.NoError(t, err)
	assert.Nil(t, otherQ)
}

func TestSQLite_UpdateLedgerEntry_StaleVersion(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	entries := seedEntries(t, st)

	e := entries[1]
	e.CurrentCompletions = 1
	ok, err := st.UpdateLedgerEntry(ctx, e, 0)
	require.NoError(t, err)
	require.True(t, ok)

	e.CurrentCompletions = 2
	ok, err = st.UpdateLedgerEntry(ctx, e, 0)
	require.NoError(t, err)
	assert.False(t, ok, "write against an outdated version must not apply")

	got, err := st.GetLedgerEntry(ctx, "q1", "div-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentCompletions)
	assert.Equal(t, int64(1), got.Version)
}

func TestSQLite_UpdateLedgerEntry_CheckConstraint(t *testing.T) {
	st := newTestSQLiteStore(t)
	entries := seedEntries(t, st)

	e := entries[1]
	e.CurrentCompletions = e.CompletionLimit + 1
	_, err := st.UpdateLedgerEntry(context.Background(), e, 0)
	assert.Error(t, err)
}

func TestSQLite_Submissions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	recs := []model.SubmissionRecord{
		{ID: "s1", UserID: "u1", QuestionnaireID: "q1", RouteID: "loop-a", SubmittedAt: base},
		{ID: "s2", UserID: "u1", QuestionnaireID: "q1", RouteID: "div-1", SubmittedAt: base.Add(time.Hour),
			Flags: model.ValidationFlags{RequiresReview: true}},
		{ID: "s3", UserID: "u2", QuestionnaireID: "q1", RouteID: "loop-a", SubmittedAt: base.Add(2 * time.Hour)},
		{ID: "s4", UserID: "u2", QuestionnaireID: "q2", RouteID: "loop-a", SubmittedAt: base.Add(3 * time.Hour)},
	}
	for _, r := range recs {
		require.NoError(t, st.AppendSubmission(ctx, r))
	}

	byUser, err := st.ListSubmissions(ctx, SubmissionFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	assert.Equal(t, "s2", byUser[0].ID, "newest first")
	assert.True(t, byUser[0].Flags.RequiresReview)
	assert.True(t, byUser[0].SubmittedAt.Equal(base.Add(time.Hour)))

	byPair, err := st.ListSubmissions(ctx, SubmissionFilter{QuestionnaireID: "q1", RouteID: "loop-a"})
	require.NoError(t, err)
	assert.Len(t, byPair, 2)

	limited, err := st.ListSubmissions(ctx, SubmissionFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "s4", limited[0].ID)

	stats, err := st.SubmissionStats(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, RouteSubmissionStats{RouteID: "loop-a", Records: 2, UniqueUsers: 2}, stats["loop-a"])
	assert.Equal(t, RouteSubmissionStats{RouteID: "div-1", Records: 1, UniqueUsers: 1}, stats["div-1"])
}

func TestSQLite_AppendSubmission_DuplicateID(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	rec := model.SubmissionRecord{ID: "dup", UserID: "u1", QuestionnaireID: "q1", RouteID: "r1", SubmittedAt: time.Now()}
	require.NoError(t, st.AppendSubmission(ctx, rec))
	assert.Error(t, st.AppendSubmission(ctx, rec))
}

func TestSQLite_ListSubmissions_Offset(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, st.AppendSubmission(ctx, model.SubmissionRecord{
			ID: fmt.Sprintf("s%d", i), UserID: "u1", QuestionnaireID: "q1", RouteID: "r1",
			SubmittedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, err := st.ListSubmissions(ctx, SubmissionFilter{UserID: "u1", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "s2", page[0].ID)
	assert.Equal(t, "s1", page[1].ID)

	tail, err := st.ListSubmissions(ctx, SubmissionFilter{UserID: "u1", Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "s0", tail[0].ID)
}

func TestSQLite_ClaimSubmission_Cap(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	claim := func(id, user, route string, maxPerUser int) bool {
		ok, err := st.ClaimSubmission(ctx, model.SubmissionRecord{
			ID: id, UserID: user, QuestionnaireID: "q1", RouteID: route, SubmittedAt: time.Now(),
		}, maxPerUser)
		require.NoError(t, err)
		return ok
	}

	assert.True(t, claim("a", "u1", "r1", 2))
	assert.True(t, claim("b", "u1", "r1", 2))
	assert.False(t, claim("c", "u1", "r1", 2))
	assert.True(t, claim("d", "u2", "r1", 2), "other users are counted separately")
	assert.True(t, claim("e", "u1", "r2", 1), "other routes are counted separately")
	assert.True(t, claim("f", "u1", "r1", 0), "no cap")

	recs, err := st.ListSubmissions(ctx, SubmissionFilter{UserID: "u1", RouteID: "r1"})
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestSQLite_ClaimSubmission_Concurrent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	const racers = 8
	var claimed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := st.ClaimSubmission(ctx, model.SubmissionRecord{
				ID: fmt.Sprintf("s%d", i), UserID: "u1", QuestionnaireID: "q1", RouteID: "r1", SubmittedAt: time.Now(),
			}, 1)
			assert.NoError(t, err)
			if ok {
				claimed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), claimed.Load())
	recs, err := st.ListSubmissions(ctx, SubmissionFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}
