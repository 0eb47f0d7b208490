package memstore

import (
	"context"
	"sync"

	"github.com/gholt/mqstore/internal/mqlog"
	"github.com/gholt/mqstore/storage"
	"github.com/gholt/mqstore/storage/stats"
)

// smallStore is the "small" MemoryStore flavor: one map plus one
// insertion-ordered id slice. claim_and_retrieve scans the slice in
// order, which is correct and simple at the cost of an O(n) scan per
// claim. Intended for destinations with modest backlog.
type smallStore struct {
	log mqlog.Logger

	mu   sync.Mutex
	byID map[string]*storage.Message
	ids  []string // insertion order, oldest first
}

func newSmall(log mqlog.Logger) *smallStore {
	return &smallStore{
		log:  log.Named("MEMSTORE-SMALL"),
		byID: make(map[string]*storage.Message),
	}
}

func (s *smallStore) Store(ctx context.Context, m storage.Message, cb func(error)) {
	s.mu.Lock()
	clone := m.Clone()
	if _, exists := s.byID[m.ID]; !exists {
		s.ids = append(s.ids, m.ID)
	}
	s.byID[m.ID] = clone
	s.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
}

func (s *smallStore) Remove(ctx context.Context, ids []string, cb func([]*storage.Message)) {
	s.mu.Lock()
	out := make([]*storage.Message, len(ids))
	for i, id := range ids {
		if m, ok := s.byID[id]; ok {
			out[i] = m
			delete(s.byID, id)
			s.ids = sortedRemove(s.ids, id)
		}
	}
	s.mu.Unlock()
	if cb != nil {
		cb(storage.CloneMessages(out))
	}
}

func (s *smallStore) Empty(ctx context.Context, cb func([]*storage.Message)) {
	s.mu.Lock()
	out := make([]*storage.Message, 0, len(s.byID))
	for _, m := range s.byID {
		out = append(out, m)
	}
	s.byID = make(map[string]*storage.Message)
	s.ids = nil
	s.mu.Unlock()
	if cb != nil {
		cb(storage.CloneMessages(out))
	}
}

func (s *smallStore) ClaimAndRetrieve(ctx context.Context, destination, claimant string, cb func(*storage.Message, string, string)) {
	s.mu.Lock()
	var found *storage.Message
	for _, id := range s.ids {
		m := s.byID[id]
		if m.Destination == destination && m.Claimant == "" {
			m.Claimant = claimant
			found = m
			break
		}
	}
	s.mu.Unlock()
	if cb != nil {
		cb(found.Clone(), destination, claimant)
	}
}

func (s *smallStore) Disown(ctx context.Context, destination, claimant string, cb func()) {
	s.mu.Lock()
	for _, id := range s.ids {
		m := s.byID[id]
		if m.Destination == destination && m.Claimant == claimant {
			m.Claimant = ""
		}
	}
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *smallStore) Peek(ctx context.Context, ids []string, cb func([]*storage.Message)) {
	s.mu.Lock()
	out := make([]*storage.Message, len(ids))
	for i, id := range ids {
		out[i] = s.byID[id]
	}
	s.mu.Unlock()
	if cb != nil {
		cb(storage.CloneMessages(out))
	}
}

func (s *smallStore) PeekOldest(ctx context.Context, cb func(*storage.Message)) {
	s.mu.Lock()
	var oldest *storage.Message
	for _, m := range s.byID {
		if oldest == nil || m.Timestamp < oldest.Timestamp ||
			(m.Timestamp == oldest.Timestamp && m.ID < oldest.ID) {
			oldest = m
		}
	}
	s.mu.Unlock()
	if cb != nil {
		cb(oldest.Clone())
	}
}

func (s *smallStore) Shutdown(ctx context.Context, cb func()) {
	if cb != nil {
		cb()
	}
}

func (s *smallStore) Stats() stats.Counters {
	s.mu.Lock()
	n := len(s.byID)
	s.mu.Unlock()
	return stats.Counters{
		Component: "memstore-small",
		Values:    [][2]string{{"messages", stats.I(n)}},
	}
}
