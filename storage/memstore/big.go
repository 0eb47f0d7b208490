package memstore

import (
	"context"
	"sync"

	"github.com/gholt/mqstore/internal/mqlog"
	"github.com/gholt/mqstore/storage"
	"github.com/gholt/mqstore/storage/stats"
)

// bigStore is the "big" MemoryStore flavor: a primary id index plus a
// destination index (ids sorted oldest-first, so claim_and_retrieve
// only has to walk past already-claimed entries near the head rather
// than the whole destination) and a claimant index (so disown costs
// one lookup per claimed id rather than a full scan). A single
// timestamp-ordered id list makes peek_oldest a head read.
//
// The three indexes and the oldest list are kept in lock-step under one mutex; nothing in
// this engine suspends, so a single mutex is sufficient instead of the
// per-shard locking a concurrent-map version would need.
type bigStore struct {
	log mqlog.Logger

	mu            sync.Mutex
	byID          map[string]*storage.Message
	byDestination map[string][]string // ids, oldest first
	byClaimant    map[string]map[string]struct{}
	oldest        []string // all ids, oldest first, ties by id
}

func newBig(log mqlog.Logger) *bigStore {
	return &bigStore{
		log:           log.Named("MEMSTORE-BIG"),
		byID:          make(map[string]*storage.Message),
		byDestination: make(map[string][]string),
		byClaimant:    make(map[string]map[string]struct{}),
	}
}

func (s *bigStore) less(a, b string) bool {
	ma, mb := s.byID[a], s.byID[b]
	if ma.Timestamp != mb.Timestamp {
		return ma.Timestamp < mb.Timestamp
	}
	return a < b
}

func (s *bigStore) Store(ctx context.Context, m storage.Message, cb func(error)) {
	s.mu.Lock()
	clone := m.Clone()
	if _, exists := s.byID[m.ID]; exists {
		s.removeLocked(m.ID)
	}
	s.byID[m.ID] = clone
	s.byDestination[m.Destination] = sortedInsert(s.byDestination[m.Destination], m.ID, s.less)
	s.oldest = sortedInsert(s.oldest, m.ID, s.less)
	if clone.Claimant != "" {
		s.addClaimLocked(clone.Claimant, m.ID)
	}
	s.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
}

// removeLocked deletes id from every index. Caller holds s.mu.
func (s *bigStore) removeLocked(id string) *storage.Message {
	m, ok := s.byID[id]
	if !ok {
		return nil
	}
	delete(s.byID, id)
	s.byDestination[m.Destination] = sortedRemove(s.byDestination[m.Destination], id)
	if len(s.byDestination[m.Destination]) == 0 {
		delete(s.byDestination, m.Destination)
	}
	s.oldest = sortedRemove(s.oldest, id)
	if m.Claimant != "" {
		s.removeClaimLocked(m.Claimant, id)
	}
	return m
}

func (s *bigStore) addClaimLocked(claimant, id string) {
	set, ok := s.byClaimant[claimant]
	if !ok {
		set = make(map[string]struct{})
		s.byClaimant[claimant] = set
	}
	set[id] = struct{}{}
}

func (s *bigStore) removeClaimLocked(claimant, id string) {
	if set, ok := s.byClaimant[claimant]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(s.byClaimant, claimant)
		}
	}
}

func (s *bigStore) Remove(ctx context.Context, ids []string, cb func([]*storage.Message)) {
	s.mu.Lock()
	out := make([]*storage.Message, len(ids))
	for i, id := range ids {
		out[i] = s.removeLocked(id)
	}
	s.mu.Unlock()
	if cb != nil {
		cb(storage.CloneMessages(out))
	}
}

func (s *bigStore) Empty(ctx context.Context, cb func([]*storage.Message)) {
	s.mu.Lock()
	out := make([]*storage.Message, 0, len(s.byID))
	for _, m := range s.byID {
		out = append(out, m)
	}
	s.byID = make(map[string]*storage.Message)
	s.byDestination = make(map[string][]string)
	s.byClaimant = make(map[string]map[string]struct{})
	s.oldest = nil
	s.mu.Unlock()
	if cb != nil {
		cb(storage.CloneMessages(out))
	}
}

func (s *bigStore) ClaimAndRetrieve(ctx context.Context, destination, claimant string, cb func(*storage.Message, string, string)) {
	s.mu.Lock()
	var found *storage.Message
	for _, id := range s.byDestination[destination] {
		m := s.byID[id]
		if m.Claimant == "" {
			m.Claimant = claimant
			s.addClaimLocked(claimant, id)
			found = m
			break
		}
	}
	s.mu.Unlock()
	if cb != nil {
		cb(found.Clone(), destination, claimant)
	}
}

func (s *bigStore) Disown(ctx context.Context, destination, claimant string, cb func()) {
	s.mu.Lock()
	for id := range s.byClaimant[claimant] {
		m := s.byID[id]
		if m != nil && m.Destination == destination {
			m.Claimant = ""
			s.removeClaimLocked(claimant, id)
		}
	}
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *bigStore) Peek(ctx context.Context, ids []string, cb func([]*storage.Message)) {
	s.mu.Lock()
	out := cloneResults(ids, func(id string) *storage.Message { return s.byID[id] })
	s.mu.Unlock()
	if cb != nil {
		cb(out)
	}
}

func (s *bigStore) PeekOldest(ctx context.Context, cb func(*storage.Message)) {
	s.mu.Lock()
	var oldest *storage.Message
	if len(s.oldest) > 0 {
		oldest = s.byID[s.oldest[0]]
	}
	s.mu.Unlock()
	if cb != nil {
		cb(oldest.Clone())
	}
}

func (s *bigStore) Shutdown(ctx context.Context, cb func()) {
	if cb != nil {
		cb()
	}
}

func (s *bigStore) Stats() stats.Counters {
	s.mu.Lock()
	n := len(s.byID)
	destinations := len(s.byDestination)
	claimants := len(s.byClaimant)
	s.mu.Unlock()
	return stats.Counters{
		Component: "memstore-big",
		Values: [][2]string{
			{"messages", stats.I(n)},
			{"destinations", stats.I(destinations)},
			{"claimants", stats.I(claimants)},
		},
	}
}
