package api

import "sync"

// DefaultMaxResults bounds the number of results a store keeps.
const DefaultMaxResults = 1024

// ResultStore keeps computed attention results in memory by id. Once it
// holds max results, saving a new one evicts the oldest.
type ResultStore struct {
	mu      sync.Mutex
	results map[string]AttentionResult
	order   []string
	max     int
}

func NewResultStore() *ResultStore {
	return NewResultStoreWithLimit(DefaultMaxResults)
}

// NewResultStoreWithLimit returns a store holding at most max results.
// max <= 0 selects DefaultMaxResults.
func NewResultStoreWithLimit(max int) *ResultStore {
	if max <= 0 {
		max = DefaultMaxResults
	}
	return &ResultStore{
		results: make(map[string]AttentionResult),
		max:     max,
	}
}

func (s *ResultStore) Save(r AttentionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	s.results[r.ID] = r
	for len(s.results) > s.max {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.results, oldest)
	}
}

func (s *ResultStore) Get(id string) (AttentionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	return r, ok
}

func (s *ResultStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[id]; !ok {
		return false
	}
	delete(s.results, id)
	if i := indexOf(s.order, id); i >= 0 {
		s.order = append(s.order[:i], s.order[i+1:]...)
	}
	return true
}

func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
