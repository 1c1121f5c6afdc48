package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/route-quota/internal/model"
)

// MinReconcileGrace is the shortest grace Reconcile accepts. A submission
// between its reservation and its record write looks exactly like a leak, so
// a shorter window could release a live reservation and let the route
// overfill.
const MinReconcileGrace = 30 * time.Second

// ErrGraceTooShort rejects a Reconcile call with grace below MinReconcileGrace.
var ErrGraceTooShort = eris.New("ledger: reconcile grace below minimum")

var errSettled = eris.New("ledger: settled")

// ReconcileResult describes what Reconcile did for one route.
type ReconcileResult struct {
	RouteID  string `json:"route_id"`
	Counter  int    `json:"counter"`
	Records  int    `json:"records"`
	Released int    `json:"released"`
	// Skipped is set when the counter was ahead of the records but the entry
	// was written inside the grace window.
	Skipped bool `json:"skipped,omitempty"`
	// Drift is set when there are more records than the counter allows for.
	// Counters are never raised by reconciliation.
	Drift bool `json:"drift,omitempty"`
}

// Reconcile releases reservations that never produced a submission record.
// A counter ahead of its record count is lowered to that count once the entry
// has been quiet for at least grace, so in-flight submissions are left alone.
// Only routes that needed attention are returned. grace must be at least
// MinReconcileGrace.
func (l *Ledger) Reconcile(ctx context.Context, questionnaireID string, grace time.Duration) ([]ReconcileResult, error) {
	if grace < MinReconcileGrace {
		return nil, eris.Wrapf(ErrGraceTooShort, "ledger: reconcile: grace %s is below %s", grace, MinReconcileGrace)
	}
	entries, err := l.store.ListLedgerEntries(ctx, questionnaireID)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: reconcile: list entries")
	}
	stats, err := l.store.SubmissionStats(ctx, questionnaireID)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: reconcile: submission stats")
	}

	var results []ReconcileResult
	for _, e := range entries {
		st := stats[e.RouteID]
		res := ReconcileResult{RouteID: e.RouteID, Counter: e.CurrentCompletions, Records: st.Records}

		switch {
		case e.CurrentCompletions < st.Records:
			res.Drift = true
			zap.L().Warn("ledger counter behind submission records",
				zap.String("questionnaire_id", questionnaireID),
				zap.String("route_id", e.RouteID),
				zap.Int("counter", e.CurrentCompletions),
				zap.Int("records", st.Records),
			)
			results = append(results, res)
			continue
		case e.CurrentCompletions == st.Records && e.Metadata.UniqueUsers == st.UniqueUsers:
			continue
		}

		updated, err := l.update(ctx, questionnaireID, e.RouteID, "reconcile", func(cur *model.LedgerEntry) error {
			if cur.CurrentCompletions > st.Records && l.now().Sub(cur.LastUpdated) < grace {
				return errSettled
			}
			if cur.CurrentCompletions < st.Records {
				return errSettled
			}
			if cur.CurrentCompletions == st.Records && cur.Metadata.UniqueUsers == st.UniqueUsers {
				return errSettled
			}
			cur.CurrentCompletions = st.Records
			cur.Metadata.UniqueUsers = st.UniqueUsers
			return nil
		})
		if errors.Is(err, errSettled) {
			if e.CurrentCompletions > st.Records {
				res.Skipped = true
				results = append(results, res)
			}
			continue
		}
		if err != nil {
			return results, eris.Wrapf(err, "ledger: reconcile %s/%s", questionnaireID, e.RouteID)
		}

		res.Released = res.Counter - updated.CurrentCompletions
		if res.Released < 0 {
			res.Released = 0
		}
		if res.Released > 0 {
			zap.L().Info("released leaked reservations",
				zap.String("questionnaire_id", questionnaireID),
				zap.String("route_id", e.RouteID),
				zap.Int("released", res.Released),
			)
			results = append(results, res)
		}
	}
	return results, nil
}
