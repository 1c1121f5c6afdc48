// Package report aggregates ledger entries into read-only summaries.
package report

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/route-quota/internal/model"
)

// EntryLister returns every ledger entry for a questionnaire.
type EntryLister interface {
	Entries(ctx context.Context, questionnaireID string) ([]model.LedgerEntry, error)
}

// Reporter computes summaries on demand. Nothing is cached or written.
type Reporter struct {
	entries EntryLister
}

// New creates a Reporter.
func New(entries EntryLister) *Reporter {
	return &Reporter{entries: entries}
}

// Summarize returns per-category rollups in canonical category order.
// Categories without routes are omitted.
func (r *Reporter) Summarize(ctx context.Context, questionnaireID string) ([]model.CategoryQuotaSummary, error) {
	entries, err := r.entries.Entries(ctx, questionnaireID)
	if err != nil {
		return nil, eris.Wrapf(err, "report: summarize %s", questionnaireID)
	}
	return SummarizeEntries(entries), nil
}

// Routes returns the per-route view, ordered by category then route id.
func (r *Reporter) Routes(ctx context.Context, questionnaireID string) ([]model.RouteQuotaInfo, error) {
	entries, err := r.entries.Entries(ctx, questionnaireID)
	if err != nil {
		return nil, eris.Wrapf(err, "report: routes %s", questionnaireID)
	}
	sortEntries(entries)
	out := make([]model.RouteQuotaInfo, len(entries))
	for i, e := range entries {
		out[i] = model.QuotaInfo(e)
	}
	return out, nil
}

// Questionnaire returns the questionnaire-wide rollup including categories.
func (r *Reporter) Questionnaire(ctx context.Context, questionnaireID string) (*model.QuestionnaireQuotaSummary, error) {
	entries, err := r.entries.Entries(ctx, questionnaireID)
	if err != nil {
		return nil, eris.Wrapf(err, "report: questionnaire %s", questionnaireID)
	}
	return Rollup(questionnaireID, entries), nil
}

// QuestionnaireAll computes Questionnaire for several ids concurrently and
// returns the results in input order.
func (r *Reporter) QuestionnaireAll(ctx context.Context, questionnaireIDs []string) ([]*model.QuestionnaireQuotaSummary, error) {
	out := make([]*model.QuestionnaireQuotaSummary, len(questionnaireIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, id := range questionnaireIDs {
		g.Go(func() error {
			s, err := r.Questionnaire(gctx, id)
			if err != nil {
				return err
			}
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// SummarizeEntries groups entries by category.
func SummarizeEntries(entries []model.LedgerEntry) []model.CategoryQuotaSummary {
	byCat := make(map[model.Category]*model.CategoryQuotaSummary)
	for _, e := range entries {
		cat := e.Category
		if !cat.Valid() {
			cat = model.CategoryOther
		}
		s, ok := byCat[cat]
		if !ok {
			s = &model.CategoryQuotaSummary{Category: cat}
			byCat[cat] = s
		}
		s.Add(e)
	}

	out := make([]model.CategoryQuotaSummary, 0, len(byCat))
	for _, cat := range model.Categories {
		if s, ok := byCat[cat]; ok {
			out = append(out, *s)
		}
	}
	return out
}

// Rollup builds the questionnaire-wide summary from entries.
func Rollup(questionnaireID string, entries []model.LedgerEntry) *model.QuestionnaireQuotaSummary {
	cats := SummarizeEntries(entries)
	s := &model.QuestionnaireQuotaSummary{QuestionnaireID: questionnaireID, Categories: cats}
	for _, c := range cats {
		s.TotalRoutes += c.TotalRoutes
		s.TotalLimit += c.TotalLimit
		s.TotalCompletions += c.TotalCompletions
		s.TotalRemaining += c.TotalRemaining
	}
	if s.TotalLimit > 0 {
		s.PercentComplete = float64(s.TotalCompletions) / float64(s.TotalLimit) * 100
	}
	return s
}

func sortEntries(entries []model.LedgerEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := entries[i].Category.Rank(), entries[j].Category.Rank()
		if ri != rj {
			return ri < rj
		}
		return entries[i].RouteID < entries[j].RouteID
	})
}
