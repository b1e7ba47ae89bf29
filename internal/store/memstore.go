package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tributary-ai/crew-core/internal/types"
)

// MemStore is an in-memory implementation of RequestStore and
// MemoryStore. It backs tests and single-process deployments that do not
// configure a database path.
type MemStore struct {
	mu       sync.RWMutex
	requests map[string]*types.TrackedRequest
	memories map[string]*Memory
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		requests: make(map[string]*types.TrackedRequest),
		memories: make(map[string]*Memory),
	}
}

func (s *MemStore) InsertRequest(_ context.Context, req *types.TrackedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

func (s *MemStore) GetRequest(_ context.Context, id string) (*types.TrackedRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *MemStore) UpdateRequest(_ context.Context, req *types.TrackedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; !ok {
		return ErrNotFound
	}
	cp := *req
	cp.UpdatedAt = time.Now().UTC()
	s.requests[req.ID] = &cp
	return nil
}

func (s *MemStore) DeleteRequest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[id]; !ok {
		return ErrNotFound
	}
	delete(s.requests, id)
	return nil
}

func (s *MemStore) ActiveRequests(_ context.Context) ([]*types.TrackedRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []*types.TrackedRequest
	for _, req := range s.requests {
		if !req.Status.Terminal() {
			cp := *req
			active = append(active, &cp)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

func (s *MemStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, req := range s.requests {
		if !req.Status.Terminal() && req.Expired(now) {
			delete(s.requests, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemStore) InsertMemory(_ context.Context, m *Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.memories[m.ID] = &cp
	return nil
}

func (s *MemStore) QueryMemories(_ context.Context, q MemoryQuery) ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []*Memory
	for _, m := range s.memories {
		if q.CrewID != "" && m.CrewID != q.CrewID {
			continue
		}
		if q.Tag != "" && !hasTag(m, q.Tag) {
			continue
		}
		cp := *m
		results = append(results, &cp)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

func (s *MemStore) DeleteMemory(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[id]; !ok {
		return ErrNotFound
	}
	delete(s.memories, id)
	return nil
}

func hasTag(m *Memory, tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
