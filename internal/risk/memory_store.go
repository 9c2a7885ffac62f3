package risk

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string][]*Result // sender address → results
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results: make(map[string][]*Result),
	}
}

func (s *MemoryStore) Record(ctx context.Context, res *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := ""
	if res.Record != nil {
		from = strings.ToLower(res.Record.From)
	}
	s.results[from] = append(s.results[from], copyResult(res))
	return nil
}

func (s *MemoryStore) ListByAddress(ctx context.Context, from string, limit int) ([]*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.results[strings.ToLower(from)]
	if len(all) == 0 {
		return nil, nil
	}

	// Most recent first, up to limit
	start := len(all) - limit
	if start < 0 {
		start = 0
	}

	out := make([]*Result, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		out = append(out, copyResult(all[i]))
	}
	return out, nil
}

// copyResult deep-copies the mutable parts so callers cannot alias stored state.
func copyResult(res *Result) *Result {
	r := *res
	r.Flags = append([]Flag(nil), res.Flags...)
	if res.ExternalProbability != nil {
		p := *res.ExternalProbability
		r.ExternalProbability = &p
	}
	if res.Record != nil {
		rec := *res.Record
		r.Record = &rec
	}
	return &r
}
