package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/route-quota/internal/model"
)

const keyPrefix = "quota:ledger:"

// Snapshots caches ledger entries for the read path. Failures are logged and
// treated as misses; the ledger remains the source of truth.
type Snapshots struct {
	c   Cache
	ttl time.Duration
}

// NewSnapshots wraps c. A non-positive ttl disables caching.
func NewSnapshots(c Cache, ttl time.Duration) *Snapshots {
	return &Snapshots{c: c, ttl: ttl}
}

// Key returns the cache key for a (questionnaire, route) pair.
func Key(questionnaireID, routeID string) string {
	return keyPrefix + questionnaireID + ":" + routeID
}

func (s *Snapshots) enabled() bool {
	return s != nil && s.c != nil && s.ttl > 0
}

// Get returns the cached entry, or false on a miss.
func (s *Snapshots) Get(ctx context.Context, questionnaireID, routeID string) (*model.LedgerEntry, bool) {
	if !s.enabled() {
		return nil, false
	}
	raw, err := s.c.Get(ctx, Key(questionnaireID, routeID))
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			zap.L().Debug("snapshot cache get failed", zap.String("questionnaire_id", questionnaireID),
				zap.String("route_id", routeID), zap.Error(err))
		}
		return nil, false
	}
	var e model.LedgerEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		zap.L().Warn("dropping undecodable snapshot", zap.String("route_id", routeID), zap.Error(err))
		_ = s.c.Del(ctx, Key(questionnaireID, routeID))
		return nil, false
	}
	return &e, true
}

// Put stores e for the configured TTL.
func (s *Snapshots) Put(ctx context.Context, e model.LedgerEntry) {
	if !s.enabled() {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := s.c.Set(ctx, Key(e.QuestionnaireID, e.RouteID), string(raw), s.ttl); err != nil {
		zap.L().Debug("snapshot cache set failed", zap.String("route_id", e.RouteID), zap.Error(err))
	}
}

// Invalidate drops the cached entry after a write.
func (s *Snapshots) Invalidate(ctx context.Context, questionnaireID, routeID string) {
	if !s.enabled() {
		return
	}
	if err := s.c.Del(ctx, Key(questionnaireID, routeID)); err != nil {
		zap.L().Warn("snapshot cache invalidate failed", zap.String("questionnaire_id", questionnaireID),
			zap.String("route_id", routeID), zap.Error(err))
	}
}
