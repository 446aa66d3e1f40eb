package report

import (
	"context"
	"sync"
)

// MemoryStore keeps the newest reports in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	reports []CycleReport // oldest first
	max     int
}

// NewMemoryStore keeps at most max reports. A max <= 0 keeps 1000.
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 1000
	}
	return &MemoryStore{max: max}
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, r CycleReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reports = append(m.reports, r)
	if len(m.reports) > m.max {
		m.reports = append([]CycleReport(nil), m.reports[len(m.reports)-m.max:]...)
	}
	return nil
}

// Latest implements Store.
func (m *MemoryStore) Latest(ctx context.Context) (CycleReport, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.reports) == 0 {
		return CycleReport{}, false, nil
	}
	return m.reports[len(m.reports)-1], true, nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context, limit int) ([]CycleReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = listLimit(limit)
	out := make([]CycleReport, 0, min(limit, len(m.reports)))
	for i := len(m.reports) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.reports[i])
	}
	return out, nil
}
