// Package memstore implements the MemoryStore leaf engine: a pure
// in-memory, volatile map from id to Message with no persistence.
// Shutdown is a no-op callback. Two flavors share this file's plumbing
// but differ in their claim_and_retrieve algorithmic profile: Small
// does a single ordered scan, Big keeps destination and claimant
// secondary indexes.
package memstore

import (
	"sort"

	"github.com/gholt/mqstore/internal/mqlog"
	"github.com/gholt/mqstore/storage"
)

// Kind selects which flavor New builds.
type Kind int

const (
	Small Kind = iota
	Big
)

func (k Kind) String() string {
	if k == Big {
		return "big"
	}
	return "small"
}

// New builds a MemoryStore of the requested kind.
func New(kind Kind, log mqlog.Logger) storage.Storage {
	switch kind {
	case Big:
		return newBig(log)
	default:
		return newSmall(log)
	}
}

func cloneResults(ids []string, get func(string) *storage.Message) []*storage.Message {
	out := make([]*storage.Message, len(ids))
	for i, id := range ids {
		out[i] = get(id).Clone()
	}
	return out
}

// sortedInsert inserts id into ids, which is kept sorted by the less
// function, and returns the updated slice.
func sortedInsert(ids []string, id string, less func(a, b string) bool) []string {
	i := sort.Search(len(ids), func(i int) bool { return !less(ids[i], id) })
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func sortedRemove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
