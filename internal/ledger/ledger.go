// Package ledger maintains per-route completion counters. Every write is a
// compare-and-swap on the entry version, so concurrent reservations can never
// push a counter past its limit or below zero.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/route-quota/internal/cache"
	"github.com/sells-group/route-quota/internal/model"
	"github.com/sells-group/route-quota/internal/resilience"
	"github.com/sells-group/route-quota/internal/store"
)

var (
	// ErrTransientContention means the retry budget ran out while other
	// writers kept winning the race. Callers may retry later.
	ErrTransientContention = eris.New("ledger: transient contention")
	// ErrNotFound means no entry exists for the (questionnaire, route) pair.
	ErrNotFound = eris.New("ledger: entry not found")
	// ErrNothingToRelease means a release was attempted on a zero counter.
	ErrNothingToRelease = eris.New("ledger: nothing to release")
	// ErrLimitBelowCompletions rejects a limit lower than the current count.
	ErrLimitBelowCompletions = eris.New("ledger: limit below current completions")
	// ErrInvalidLimit rejects a non-positive limit.
	ErrInvalidLimit = eris.New("ledger: limit must be positive")

	errQuotaExceeded = eris.New("ledger: quota exceeded")
	errUnchanged     = eris.New("ledger: unchanged")
)

// ReserveOutcome is the result of TryReserve.
type ReserveOutcome int

const (
	// Reserved means one completion was claimed.
	Reserved ReserveOutcome = iota
	// QuotaExceeded means the route is full or inactive; nothing changed.
	QuotaExceeded
	// NotFound means the route has no ledger entry for the questionnaire.
	NotFound
)

func (o ReserveOutcome) String() string {
	switch o {
	case Reserved:
		return "reserved"
	case QuotaExceeded:
		return "quota_exceeded"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Ledger is the quota ledger.
type Ledger struct {
	store     store.Store
	snapshots *cache.Snapshots
	retry     resilience.RetryConfig
	nowFunc   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSnapshots sets the read-path snapshot cache.
func WithSnapshots(s *cache.Snapshots) Option {
	return func(l *Ledger) { l.snapshots = s }
}

// WithRetry overrides the CAS retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(l *Ledger) { l.retry = cfg }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.nowFunc = now }
}

// New creates a Ledger backed by st.
func New(st store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   st,
		retry:   resilience.DefaultRetryConfig(),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) now() time.Time {
	return l.nowFunc().UTC()
}

// InitializeTracking creates a ledger entry for every route that does not
// have one yet. Existing entries keep their counters. It returns how many
// entries were created.
func (l *Ledger) InitializeTracking(ctx context.Context, questionnaireID string, routes []model.Route, limits model.CategoryLimits) (int, error) {
	if questionnaireID == "" {
		return 0, eris.New("ledger: questionnaire id is required")
	}
	if limits == nil {
		limits = model.DefaultCategoryLimits()
	}

	now := l.now()
	seen := make(map[string]bool, len(routes))
	entries := make([]model.LedgerEntry, 0, len(routes))
	for _, r := range routes {
		if r.ID == "" || seen[r.ID] {
			continue
		}
		seen[r.ID] = true

		limit := limits.LimitFor(r)
		if limit <= 0 {
			return 0, eris.Wrapf(ErrInvalidLimit, "ledger: no completion limit for route %s (category %s)", r.ID, r.Category)
		}
		if !r.Category.Valid() {
			r.Category = model.CategoryOther
		}
		entries = append(entries, model.NewLedgerEntry(questionnaireID, r, limit, now))
	}

	created, err := l.store.CreateLedgerEntries(ctx, entries)
	if err != nil {
		return 0, eris.Wrapf(err, "ledger: initialize tracking for %s", questionnaireID)
	}
	zap.L().Info("ledger tracking initialized",
		zap.String("questionnaire_id", questionnaireID),
		zap.Int("routes", len(entries)),
		zap.Int("created", created),
	)
	return created, nil
}

// TryReserve claims one completion on the route if it is active and below
// its limit.
func (l *Ledger) TryReserve(ctx context.Context, questionnaireID, routeID string) (ReserveOutcome, error) {
	_, err := l.update(ctx, questionnaireID, routeID, "reserve", func(e *model.LedgerEntry) error {
		if !e.CanReserve() {
			return errQuotaExceeded
		}
		e.CurrentCompletions++
		e.Metadata.TotalSubmissions++
		return nil
	})
	switch {
	case err == nil:
		return Reserved, nil
	case errors.Is(err, errQuotaExceeded):
		return QuotaExceeded, nil
	case errors.Is(err, ErrNotFound):
		return NotFound, nil
	default:
		return QuotaExceeded, err
	}
}

// Release undoes one reservation. The counter never drops below zero.
func (l *Ledger) Release(ctx context.Context, questionnaireID, routeID string) error {
	_, err := l.update(ctx, questionnaireID, routeID, "release", func(e *model.LedgerEntry) error {
		if e.CurrentCompletions <= 0 {
			return ErrNothingToRelease
		}
		e.CurrentCompletions--
		return nil
	})
	return err
}

// SetActive activates or deactivates a route. Entries are never deleted.
func (l *Ledger) SetActive(ctx context.Context, questionnaireID, routeID string, active bool) (*model.LedgerEntry, error) {
	e, err := l.update(ctx, questionnaireID, routeID, "set-active", func(e *model.LedgerEntry) error {
		if e.IsActive == active {
			return errUnchanged
		}
		e.IsActive = active
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return l.store.GetLedgerEntry(ctx, questionnaireID, routeID)
	}
	return e, err
}

// SetLimit overrides the completion limit of a route.
func (l *Ledger) SetLimit(ctx context.Context, questionnaireID, routeID string, limit int) (*model.LedgerEntry, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	return l.update(ctx, questionnaireID, routeID, "set-limit", func(e *model.LedgerEntry) error {
		if limit < e.CurrentCompletions {
			return eris.Wrapf(ErrLimitBelowCompletions, "ledger: limit %d < %d completions", limit, e.CurrentCompletions)
		}
		e.CompletionLimit = limit
		return nil
	})
}

// Snapshot returns the current entry, reading through the snapshot cache.
// It returns nil when the pair is not tracked.
func (l *Ledger) Snapshot(ctx context.Context, questionnaireID, routeID string) (*model.LedgerEntry, error) {
	if e, ok := l.snapshots.Get(ctx, questionnaireID, routeID); ok {
		return e, nil
	}
	e, err := l.store.GetLedgerEntry(ctx, questionnaireID, routeID)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: snapshot")
	}
	if e != nil {
		l.snapshots.Put(ctx, *e)
	}
	return e, nil
}

// Entries returns every entry for questionnaireID straight from the store.
func (l *Ledger) Entries(ctx context.Context, questionnaireID string) ([]model.LedgerEntry, error) {
	entries, err := l.store.ListLedgerEntries(ctx, questionnaireID)
	return entries, eris.Wrap(err, "ledger: entries")
}

// update reads the entry, applies fn to a copy and writes it back if the
// version is unchanged. Lost races are retried per l.retry. Errors returned
// by fn stop the loop and are passed through unchanged.
func (l *Ledger) update(ctx context.Context, questionnaireID, routeID, op string, fn func(e *model.LedgerEntry) error) (*model.LedgerEntry, error) {
	cfg := l.retry
	cfg.ShouldRetry = resilience.IsConflict
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("ledger", op)
	}

	e, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.LedgerEntry, error) {
		cur, err := l.store.GetLedgerEntry(ctx, questionnaireID, routeID)
		if err != nil {
			return nil, err
		}
		if cur == nil {
			return nil, ErrNotFound
		}

		expected := cur.Version
		next := *cur
		if err := fn(&next); err != nil {
			return nil, err
		}
		next.LastUpdated = l.now()

		ok, err := l.store.UpdateLedgerEntry(ctx, next, expected)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, resilience.NewConflictError(op + " " + questionnaireID + "/" + routeID)
		}
		next.Version = expected + 1
		return &next, nil
	})
	if err != nil {
		if resilience.IsExhausted(err) {
			zap.L().Warn("ledger write gave up under contention",
				zap.String("op", op),
				zap.String("questionnaire_id", questionnaireID),
				zap.String("route_id", routeID),
				zap.Error(err),
			)
			return nil, eris.Wrapf(ErrTransientContention, "ledger: %s %s/%s", op, questionnaireID, routeID)
		}
		return nil, err
	}

	l.snapshots.Invalidate(ctx, questionnaireID, routeID)
	return e, nil
}
