package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/route-quota/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// sqlitePragmas are applied to every pooled connection through the DSN.
// busy_timeout is per-connection, so a one-off PRAGMA exec would only cover
// whichever connection happened to run it.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(ON)",
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	params := make([]string, 0, len(sqlitePragmas)+1)
	for _, p := range sqlitePragmas {
		params = append(params, "_pragma="+p)
	}
	params = append(params, "_txlock=immediate")

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	questionnaire_id    TEXT NOT NULL,
	route_id            TEXT NOT NULL,
	route_name          TEXT NOT NULL DEFAULT '',
	category            TEXT NOT NULL DEFAULT 'other',
	current_completions INTEGER NOT NULL DEFAULT 0,
	completion_limit    INTEGER NOT NULL,
	is_active           INTEGER NOT NULL DEFAULT 1,
	version             INTEGER NOT NULL DEFAULT 0,
	total_submissions   INTEGER NOT NULL DEFAULT 0,
	unique_users        INTEGER NOT NULL DEFAULT 0,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	last_updated        DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (questionnaire_id, route_id),
	CHECK (current_completions >= 0 AND current_completions <= completion_limit)
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_category ON ledger_entries(questionnaire_id, category);

CREATE TABLE IF NOT EXISTS submissions (
	id                 TEXT PRIMARY KEY,
	response_id        TEXT NOT NULL DEFAULT '',
	user_id            TEXT NOT NULL,
	questionnaire_id   TEXT NOT NULL,
	route_id           TEXT NOT NULL,
	submitted_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	is_duplicate       INTEGER NOT NULL DEFAULT 0,
	is_test_submission INTEGER NOT NULL DEFAULT 0,
	requires_review    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_submissions_user ON submissions(user_id, submitted_at);
CREATE INDEX IF NOT EXISTS idx_submissions_pair ON submissions(questionnaire_id, route_id);
CREATE INDEX IF NOT EXISTS idx_submissions_claim ON submissions(user_id, questionnaire_id, route_id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateLedgerEntries(ctx context.Context, entries []model.LedgerEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: create ledger entries: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ledger_entries
		(questionnaire_id, route_id, route_name, category, current_completions, completion_limit,
		 is_active, version, total_submissions, unique_users, created_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (questionnaire_id, route_id) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: create ledger entries: prepare")
	}
	defer stmt.Close() //nolint:errcheck

	created := 0
	for _, e := range entries {
		res, err := stmt.ExecContext(ctx,
			e.QuestionnaireID, e.RouteID, e.RouteName, string(e.Category),
			e.CurrentCompletions, e.CompletionLimit, e.IsActive, e.Version,
			e.Metadata.TotalSubmissions, e.Metadata.UniqueUsers, e.CreatedAt, e.LastUpdated,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: create ledger entry %s/%s", e.QuestionnaireID, e.RouteID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: create ledger entries: rows affected")
		}
		created += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: create ledger entries: commit")
	}
	return created, nil
}

func (s *SQLiteStore) GetLedgerEntry(ctx context.Context, questionnaireID, routeID string) (*model.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE questionnaire_id = ? AND route_id = ?`,
		questionnaireID, routeID,
	)
	e, err := scanLedgerEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get ledger entry %s/%s", questionnaireID, routeID)
	}
	return e, nil
}

func (s *SQLiteStore) ListLedgerEntries(ctx context.Context, questionnaireID string) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE questionnaire_id = ? ORDER BY category, route_id`,
		questionnaireID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ledger entries")
	}
	defer rows.Close() //nolint:errcheck

	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ledger entry")
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list ledger entries iterate")
}

// UpdateLedgerEntry is a single conditional UPDATE; SQLite serializes writers
// so the version check and the write cannot interleave.
func (s *SQLiteStore) UpdateLedgerEntry(ctx context.Context, entry model.LedgerEntry, expectedVersion int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE ledger_entries
		SET current_completions = ?, completion_limit = ?, is_active = ?, total_submissions = ?,
		    unique_users = ?, last_updated = ?, version = version + 1
		WHERE questionnaire_id = ? AND route_id = ? AND version = ?`,
		entry.CurrentCompletions, entry.CompletionLimit, entry.IsActive,
		entry.Metadata.TotalSubmissions, entry.Metadata.UniqueUsers, entry.LastUpdated,
		entry.QuestionnaireID, entry.RouteID, expectedVersion,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update ledger entry %s/%s", entry.QuestionnaireID, entry.RouteID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: update ledger entry: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) AppendSubmission(ctx context.Context, rec model.SubmissionRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO submissions
		(id, response_id, user_id, questionnaire_id, route_id, submitted_at, is_duplicate, is_test_submission, requires_review)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ResponseID, rec.UserID, rec.QuestionnaireID, rec.RouteID, rec.SubmittedAt.UTC(),
		rec.Flags.IsDuplicate, rec.Flags.IsTestSubmission, rec.Flags.RequiresReview,
	)
	return eris.Wrapf(err, "sqlite: append submission %s", rec.ID)
}

// ClaimSubmission runs the count and the insert as one statement. SQLite
// takes the write lock before the statement reads, so two claims for the
// same pair cannot both see the old count.
func (s *SQLiteStore) ClaimSubmission(ctx context.Context, rec model.SubmissionRecord, maxPerUser int) (bool, error) {
	if maxPerUser < 1 {
		return true, s.AppendSubmission(ctx, rec)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO submissions
		(id, response_id, user_id, questionnaire_id, route_id, submitted_at, is_duplicate, is_test_submission, requires_review)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE (SELECT COUNT(*) FROM submissions WHERE user_id = ? AND questionnaire_id = ? AND route_id = ?) < ?`,
		rec.ID, rec.ResponseID, rec.UserID, rec.QuestionnaireID, rec.RouteID, rec.SubmittedAt.UTC(),
		rec.Flags.IsDuplicate, rec.Flags.IsTestSubmission, rec.Flags.RequiresReview,
		rec.UserID, rec.QuestionnaireID, rec.RouteID, maxPerUser,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim submission %s", rec.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: claim submission: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]model.SubmissionRecord, error) {
	query := `SELECT id, response_id, user_id, questionnaire_id, route_id, submitted_at,
		is_duplicate, is_test_submission, requires_review FROM submissions WHERE 1=1`
	var args []any

	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.QuestionnaireID != "" {
		query += ` AND questionnaire_id = ?`
		args = append(args, filter.QuestionnaireID)
	}
	if filter.RouteID != "" {
		query += ` AND route_id = ?`
		args = append(args, filter.RouteID)
	}
	query += ` ORDER BY submitted_at DESC, id LIMIT ? OFFSET ?`
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list submissions")
	}
	defer rows.Close() //nolint:errcheck

	var recs []model.SubmissionRecord
	for rows.Next() {
		var r model.SubmissionRecord
		if err := rows.Scan(&r.ID, &r.ResponseID, &r.UserID, &r.QuestionnaireID, &r.RouteID, &r.SubmittedAt,
			&r.Flags.IsDuplicate, &r.Flags.IsTestSubmission, &r.Flags.RequiresReview); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan submission")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list submissions iterate")
}

func (s *SQLiteStore) SubmissionStats(ctx context.Context, questionnaireID string) (map[string]RouteSubmissionStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT route_id, COUNT(*), COUNT(DISTINCT user_id) FROM submissions
		 WHERE questionnaire_id = ? GROUP BY route_id`,
		questionnaireID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: submission stats")
	}
	defer rows.Close() //nolint:errcheck

	stats := make(map[string]RouteSubmissionStats)
	for rows.Next() {
		var st RouteSubmissionStats
		if err := rows.Scan(&st.RouteID, &st.Records, &st.UniqueUsers); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan submission stats")
		}
		stats[st.RouteID] = st
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: submission stats iterate")
}
