package availability

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/route-quota/internal/model"
)

// --- History Mock ---

type mockHistory struct {
	mock.Mock
}

func (m *mockHistory) ForUser(ctx context.Context, userID, questionnaireID string) ([]model.SubmissionRecord, error) {
	args := m.Called(ctx, userID, questionnaireID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.SubmissionRecord), args.Error(1)
}

// --- Ledger fake ---

type fakeLedger struct {
	mu      sync.Mutex
	entries map[string]model.LedgerEntry
	err     error
	reads   atomic.Int32
}

func newFakeLedger(entries ...model.LedgerEntry) *fakeLedger {
	f := &fakeLedger{entries: map[string]model.LedgerEntry{}}
	for _, e := range entries {
		f.entries[e.QuestionnaireID+"/"+e.RouteID] = e
	}
	return f
}

func (f *fakeLedger) Snapshot(_ context.Context, questionnaireID, routeID string) (*model.LedgerEntry, error) {
	f.reads.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[questionnaireID+"/"+routeID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}
