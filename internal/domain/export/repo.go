package export

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/onkostar/mtbexport/pkg/pagination"
)

// RunRepository keeps the history of export runs.
type RunRepository interface {
	Save(ctx context.Context, r *RunReport) error
	GetByID(ctx context.Context, id uuid.UUID) (*RunReport, error)
	List(ctx context.Context, limit, offset int) ([]*RunReport, int, error)
}

// MemoryRunRepo holds the most recent runs in memory. Saving a new run
// beyond capacity evicts the oldest one.
type MemoryRunRepo struct {
	mu       sync.RWMutex
	capacity int
	order    []uuid.UUID
	runs     map[uuid.UUID]*RunReport
}

func NewMemoryRunRepo(capacity int) *MemoryRunRepo {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryRunRepo{capacity: capacity, runs: make(map[uuid.UUID]*RunReport)}
}

func (m *MemoryRunRepo) Save(_ context.Context, r *RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		m.order = append(m.order, r.ID)
		if len(m.order) > m.capacity {
			delete(m.runs, m.order[0])
			m.order = m.order[1:]
		}
	}
	m.runs[r.ID] = r.clone()
	return nil
}

func (m *MemoryRunRepo) GetByID(_ context.Context, id uuid.UUID) (*RunReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r.clone(), nil
}

// List returns runs newest first.
func (m *MemoryRunRepo) List(_ context.Context, limit, offset int) ([]*RunReport, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := len(m.order)
	newest := make([]*RunReport, total)
	for i, id := range m.order {
		newest[total-1-i] = m.runs[id]
	}
	page := pagination.Page(newest, pagination.Params{Limit: limit, Offset: offset})
	out := make([]*RunReport, len(page))
	for i, r := range page {
		out[i] = r.clone()
	}
	return out, total, nil
}
