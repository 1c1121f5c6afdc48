// Package history is the per-user submission index used for duplicate
// detection and cooldowns.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/route-quota/internal/model"
	"github.com/sells-group/route-quota/internal/store"
)

// DefaultPageSize is how many records are read per store query.
const DefaultPageSize = 500

// Index reads and appends submission records.
type Index struct {
	store    store.Store
	pageSize int
	nowFunc  func() time.Time
}

// New creates an Index over st.
func New(st store.Store) *Index {
	return &Index{store: st, pageSize: DefaultPageSize, nowFunc: time.Now}
}

// ForUser returns every submission the user made in questionnaireID, newest
// first, reading as many pages as needed. The user's most recent submission
// in any other questionnaire is put in front so cooldowns see it.
func (i *Index) ForUser(ctx context.Context, userID, questionnaireID string) ([]model.SubmissionRecord, error) {
	if userID == "" {
		return nil, nil
	}

	var recs []model.SubmissionRecord
	seen := make(map[string]bool)
	for offset := 0; ; offset += i.pageSize {
		page, err := i.store.ListSubmissions(ctx, store.SubmissionFilter{
			UserID:          userID,
			QuestionnaireID: questionnaireID,
			Limit:           i.pageSize,
			Offset:          offset,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "history: load user %s", userID)
		}
		for _, rec := range page {
			if !seen[rec.ID] {
				seen[rec.ID] = true
				recs = append(recs, rec)
			}
		}
		if len(page) < i.pageSize {
			break
		}
	}
	if questionnaireID == "" {
		return recs, nil
	}

	latest, err := i.store.ListSubmissions(ctx, store.SubmissionFilter{UserID: userID, Limit: 1})
	if err != nil {
		return nil, eris.Wrapf(err, "history: load latest for user %s", userID)
	}
	if len(latest) == 1 && !seen[latest[0].ID] {
		recs = append([]model.SubmissionRecord{latest[0]}, recs...)
	}
	return recs, nil
}

// Claim records rec only while the user holds fewer than maxPerUser
// submissions for the same route. The check is enforced by the store, so
// concurrent claims by one user cannot exceed the cap. maxPerUser < 1 means
// no cap. It reports whether rec was stored.
func (i *Index) Claim(ctx context.Context, rec model.SubmissionRecord, maxPerUser int) (model.SubmissionRecord, bool, error) {
	rec, err := i.prepare(rec)
	if err != nil {
		return rec, false, err
	}
	ok, err := i.store.ClaimSubmission(ctx, rec, maxPerUser)
	if err != nil {
		return rec, false, eris.Wrapf(err, "history: claim %s/%s for %s", rec.QuestionnaireID, rec.RouteID, rec.UserID)
	}
	return rec, ok, nil
}

func (i *Index) prepare(rec model.SubmissionRecord) (model.SubmissionRecord, error) {
	if rec.UserID == "" || rec.QuestionnaireID == "" || rec.RouteID == "" {
		return rec, eris.New("history: user, questionnaire and route are required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = i.nowFunc().UTC()
	}
	return rec, nil
}

// ForRoute lists submissions recorded against one route.
func (i *Index) ForRoute(ctx context.Context, questionnaireID, routeID string, limit int) ([]model.SubmissionRecord, error) {
	recs, err := i.store.ListSubmissions(ctx, store.SubmissionFilter{
		QuestionnaireID: questionnaireID,
		RouteID:         routeID,
		Limit:           limit,
	})
	return recs, eris.Wrap(err, "history: list route submissions")
}
