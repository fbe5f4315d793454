package ledger

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
)

// Memory is an in-process Ledger.
type Memory struct {
	records *xsync.MapOf[string, ProcessedEvent]
}

func NewMemory() *Memory {
	return &Memory{records: xsync.NewMapOf[string, ProcessedEvent]()}
}

func (m *Memory) Lookup(_ context.Context, eventID string) (*ProcessedEvent, error) {
	rec, ok := m.records.Load(eventID)
	if !ok {
		return nil, errs.Errorf(errs.NotFound, "ledger.Lookup", "event %s not processed", eventID)
	}
	return &rec, nil
}

func (m *Memory) Record(_ context.Context, e *ProcessedEvent) error {
	if _, loaded := m.records.LoadOrStore(e.EventID, *e); loaded {
		return errs.Errorf(errs.Duplicate, "ledger.Record", "event %s already recorded", e.EventID)
	}
	return nil
}

// Len returns the number of records.
func (m *Memory) Len() int {
	return m.records.Size()
}
