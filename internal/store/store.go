// Package store persists ledger entries and submission records.
package store

import (
	"context"

	"github.com/sells-group/route-quota/internal/model"
)

// SubmissionFilter specifies criteria for listing submission records.
type SubmissionFilter struct {
	UserID          string `json:"user_id,omitempty"`
	QuestionnaireID string `json:"questionnaire_id,omitempty"`
	RouteID         string `json:"route_id,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	Offset          int    `json:"offset,omitempty"`
}

// RouteSubmissionStats counts accepted submissions for one route.
type RouteSubmissionStats struct {
	RouteID     string `json:"route_id"`
	Records     int    `json:"records"`
	UniqueUsers int    `json:"unique_users"`
}

// Store is the record store behind the quota engine. Ledger entries are only
// ever changed through UpdateLedgerEntry, which is a compare-and-swap on the
// entry version.
type Store interface {
	// Ledger
	CreateLedgerEntries(ctx context.Context, entries []model.LedgerEntry) (int, error)
	GetLedgerEntry(ctx context.Context, questionnaireID, routeID string) (*model.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, questionnaireID string) ([]model.LedgerEntry, error)
	UpdateLedgerEntry(ctx context.Context, entry model.LedgerEntry, expectedVersion int64) (bool, error)

	// Submissions
	AppendSubmission(ctx context.Context, rec model.SubmissionRecord) error
	// ClaimSubmission appends rec only while the user holds fewer than
	// maxPerUser records for rec's questionnaire and route. Concurrent claims
	// for the same user and route are serialized, so the cap holds under
	// parallel submissions. maxPerUser < 1 appends unconditionally. It
	// reports whether rec was stored.
	ClaimSubmission(ctx context.Context, rec model.SubmissionRecord, maxPerUser int) (bool, error)
	ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]model.SubmissionRecord, error)
	SubmissionStats(ctx context.Context, questionnaireID string) (map[string]RouteSubmissionStats, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 1000
