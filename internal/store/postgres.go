package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/route-quota/internal/db"
	"github.com/sells-group/route-quota/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const ledgerColumns = `questionnaire_id, route_id, route_name, category, current_completions, completion_limit,
	is_active, version, total_submissions, unique_users, created_at, last_updated`

// preparedStatements lists the hot-path queries prepared on each new connection.
var preparedStatements = map[string]string{
	"get_ledger_entry":    `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE questionnaire_id = $1 AND route_id = $2`,
	"update_ledger_entry": updateLedgerSQL,
	"insert_submission":   insertSubmissionSQL,
}

const updateLedgerSQL = `UPDATE ledger_entries
	SET current_completions = $1, completion_limit = $2, is_active = $3, total_submissions = $4,
	    unique_users = $5, last_updated = $6, version = version + 1
	WHERE questionnaire_id = $7 AND route_id = $8 AND version = $9`

const insertSubmissionSQL = `INSERT INTO submissions
	(id, response_id, user_id, questionnaire_id, route_id, submitted_at, is_duplicate, is_test_submission, requires_review)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// claimSubmissionSQL inserts only while the user is under the cap. The
// select list is cast explicitly because INSERT ... SELECT does not infer
// parameter types from the target columns.
const claimSubmissionSQL = `INSERT INTO submissions
	(id, response_id, user_id, questionnaire_id, route_id, submitted_at, is_duplicate, is_test_submission, requires_review)
	SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::timestamptz, $7::boolean, $8::boolean, $9::boolean
	WHERE (SELECT COUNT(*) FROM submissions WHERE user_id = $3 AND questionnaire_id = $4 AND route_id = $5) < $10`

const claimLockSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	questionnaire_id    TEXT NOT NULL,
	route_id            TEXT NOT NULL,
	route_name          TEXT NOT NULL DEFAULT '',
	category            TEXT NOT NULL DEFAULT 'other',
	current_completions INTEGER NOT NULL DEFAULT 0,
	completion_limit    INTEGER NOT NULL,
	is_active           BOOLEAN NOT NULL DEFAULT true,
	version             BIGINT NOT NULL DEFAULT 0,
	total_submissions   INTEGER NOT NULL DEFAULT 0,
	unique_users        INTEGER NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_updated        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (questionnaire_id, route_id),
	CONSTRAINT ledger_bounds CHECK (current_completions >= 0 AND current_completions <= completion_limit)
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_category ON ledger_entries(questionnaire_id, category);

CREATE TABLE IF NOT EXISTS submissions (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	response_id        TEXT NOT NULL DEFAULT '',
	user_id            TEXT NOT NULL,
	questionnaire_id   TEXT NOT NULL,
	route_id           TEXT NOT NULL,
	submitted_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_duplicate       BOOLEAN NOT NULL DEFAULT false,
	is_test_submission BOOLEAN NOT NULL DEFAULT false,
	requires_review    BOOLEAN NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_submissions_user ON submissions(user_id, submitted_at DESC);
CREATE INDEX IF NOT EXISTS idx_submissions_pair ON submissions(questionnaire_id, route_id);
CREATE INDEX IF NOT EXISTS idx_submissions_claim ON submissions(user_id, questionnaire_id, route_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateLedgerEntries(ctx context.Context, entries []model.LedgerEntry) (int, error) {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{
			e.QuestionnaireID, e.RouteID, e.RouteName, string(e.Category),
			e.CurrentCompletions, e.CompletionLimit, e.IsActive, e.Version,
			e.Metadata.TotalSubmissions, e.Metadata.UniqueUsers, e.CreatedAt, e.LastUpdated,
		})
	}
	n, err := db.InsertMissing(ctx, s.pool, db.InsertConfig{
		Table: "ledger_entries",
		Columns: []string{
			"questionnaire_id", "route_id", "route_name", "category",
			"current_completions", "completion_limit", "is_active", "version",
			"total_submissions", "unique_users", "created_at", "last_updated",
		},
		ConflictKeys: []string{"questionnaire_id", "route_id"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: create ledger entries")
	}
	return int(n), nil
}

func (s *PostgresStore) GetLedgerEntry(ctx context.Context, questionnaireID, routeID string) (*model.LedgerEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE questionnaire_id = $1 AND route_id = $2`,
		questionnaireID, routeID,
	)
	e, err := scanLedgerEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get ledger entry %s/%s", questionnaireID, routeID)
	}
	return e, nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, questionnaireID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE questionnaire_id = $1 ORDER BY category, route_id`,
		questionnaireID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ledger entries")
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan ledger entry")
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list ledger entries iterate")
}

// UpdateLedgerEntry writes entry only if the stored version still equals
// expectedVersion. A false result means another writer got there first.
// Serialization failures surface as errors that resilience.IsConflict
// recognises.
func (s *PostgresStore) UpdateLedgerEntry(ctx context.Context, entry model.LedgerEntry, expectedVersion int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, updateLedgerSQL,
		entry.CurrentCompletions, entry.CompletionLimit, entry.IsActive,
		entry.Metadata.TotalSubmissions, entry.Metadata.UniqueUsers, entry.LastUpdated,
		entry.QuestionnaireID, entry.RouteID, expectedVersion,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: update ledger entry %s/%s", entry.QuestionnaireID, entry.RouteID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) AppendSubmission(ctx context.Context, rec model.SubmissionRecord) error {
	_, err := s.pool.Exec(ctx, insertSubmissionSQL,
		rec.ID, rec.ResponseID, rec.UserID, rec.QuestionnaireID, rec.RouteID, rec.SubmittedAt,
		rec.Flags.IsDuplicate, rec.Flags.IsTestSubmission, rec.Flags.RequiresReview,
	)
	return eris.Wrapf(err, "postgres: append submission %s", rec.ID)
}

// ClaimSubmission holds a transaction-scoped advisory lock on the
// (user, questionnaire, route) key while it counts and inserts. Under read
// committed the insert statement sees any claim committed before the lock
// was granted.
func (s *PostgresStore) ClaimSubmission(ctx context.Context, rec model.SubmissionRecord, maxPerUser int) (bool, error) {
	if maxPerUser < 1 {
		return true, s.AppendSubmission(ctx, rec)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: claim submission: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, claimLockSQL, claimKey(rec)); err != nil {
		return false, eris.Wrapf(err, "postgres: claim submission: lock %s", claimKey(rec))
	}
	tag, err := tx.Exec(ctx, claimSubmissionSQL,
		rec.ID, rec.ResponseID, rec.UserID, rec.QuestionnaireID, rec.RouteID, rec.SubmittedAt,
		rec.Flags.IsDuplicate, rec.Flags.IsTestSubmission, rec.Flags.RequiresReview, maxPerUser,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim submission %s", rec.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: claim submission: commit tx")
	}
	return tag.RowsAffected() == 1, nil
}

// claimKey names the advisory lock for a user's claims on one route.
func claimKey(rec model.SubmissionRecord) string {
	return "submission-claim/" + rec.UserID + "/" + rec.QuestionnaireID + "/" + rec.RouteID
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]model.SubmissionRecord, error) {
	query := `SELECT id, response_id, user_id, questionnaire_id, route_id, submitted_at,
		is_duplicate, is_test_submission, requires_review FROM submissions WHERE true`
	args := []any{}
	argIdx := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}
	if filter.QuestionnaireID != "" {
		query += fmt.Sprintf(` AND questionnaire_id = $%d`, argIdx)
		args = append(args, filter.QuestionnaireID)
		argIdx++
	}
	if filter.RouteID != "" {
		query += fmt.Sprintf(` AND route_id = $%d`, argIdx)
		args = append(args, filter.RouteID)
		argIdx++
	}
	query += ` ORDER BY submitted_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx+1)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list submissions")
	}
	defer rows.Close()

	var recs []model.SubmissionRecord
	for rows.Next() {
		var r model.SubmissionRecord
		if err := rows.Scan(&r.ID, &r.ResponseID, &r.UserID, &r.QuestionnaireID, &r.RouteID, &r.SubmittedAt,
			&r.Flags.IsDuplicate, &r.Flags.IsTestSubmission, &r.Flags.RequiresReview); err != nil {
			return nil, eris.Wrap(err, "postgres: scan submission")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list submissions iterate")
}

func (s *PostgresStore) SubmissionStats(ctx context.Context, questionnaireID string) (map[string]RouteSubmissionStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT route_id, COUNT(*), COUNT(DISTINCT user_id) FROM submissions
		 WHERE questionnaire_id = $1 GROUP BY route_id`,
		questionnaireID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: submission stats")
	}
	defer rows.Close()

	stats := make(map[string]RouteSubmissionStats)
	for rows.Next() {
		var st RouteSubmissionStats
		if err := rows.Scan(&st.RouteID, &st.Records, &st.UniqueUsers); err != nil {
			return nil, eris.Wrap(err, "postgres: scan submission stats")
		}
		stats[st.RouteID] = st
	}
	return stats, eris.Wrap(rows.Err(), "postgres: submission stats iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanLedgerEntry(row scannable) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var category string
	err := row.Scan(&e.QuestionnaireID, &e.RouteID, &e.RouteName, &category,
		&e.CurrentCompletions, &e.CompletionLimit, &e.IsActive, &e.Version,
		&e.Metadata.TotalSubmissions, &e.Metadata.UniqueUsers, &e.CreatedAt, &e.LastUpdated)
	if err != nil {
		return nil, err
	}
	e.Category = model.Category(category)
	return &e, nil
}
