package prescriptions

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps prescriptions in process for tests and local runs.
type MemoryStore struct {
	mu    sync.RWMutex
	items []Prescription
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, p *Prescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := prepare(p, s.now()); err != nil {
		return err
	}
	s.items = append(s.items, *p)
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(strings.TrimSpace(filter.PatientName))
	var out []Prescription
	for _, p := range s.items {
		if needle == "" || strings.Contains(strings.ToLower(p.PatientName), needle) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
