// Package claimqueue implements the per-destination claim serializer:
// it guarantees at most one claim_and_retrieve is in flight for any
// given destination at a time, which is what lets MetadataStore's
// two-statement claim protocol (select the oldest unclaimed row, then
// update it) run safely without two concurrent claims both reading
// the same row.
//
// This is an application-level lock rather than a database lock: it
// is cheaper and avoids holding a DB transaction open across the gap
// between the select and the update.
package claimqueue

import (
	"context"
	"sync"

	"github.com/gholt/mqstore/internal/mqlog"
	"github.com/gholt/mqstore/storage"
)

// ClaimQueue wraps inner, serializing ClaimAndRetrieve per destination
// and passing every other operation straight through.
type ClaimQueue struct {
	log   mqlog.Logger
	inner storage.Storage

	mu       sync.Mutex
	inFlight map[string]bool
	queued   map[string][]func()
}

// Wrap returns inner decorated with per-destination claim
// serialization.
func Wrap(log mqlog.Logger, inner storage.Storage) *ClaimQueue {
	return &ClaimQueue{
		log:      log.Named("CLAIMQUEUE"),
		inner:    inner,
		inFlight: make(map[string]bool),
		queued:   make(map[string][]func()),
	}
}

var _ storage.Storage = (*ClaimQueue)(nil)

func (q *ClaimQueue) ClaimAndRetrieve(ctx context.Context, destination, claimant string, cb func(*storage.Message, string, string)) {
	run := func() {
		q.inner.ClaimAndRetrieve(ctx, destination, claimant, func(m *storage.Message, d, c string) {
			if cb != nil {
				cb(m, d, c)
			}
			q.complete(destination)
		})
	}

	q.mu.Lock()
	if q.inFlight[destination] {
		q.queued[destination] = append(q.queued[destination], run)
		q.mu.Unlock()
		return
	}
	q.inFlight[destination] = true
	q.mu.Unlock()
	run()
}

// complete dispatches the next queued claim for destination, FIFO by
// arrival, or clears the in-flight marker if none are waiting.
func (q *ClaimQueue) complete(destination string) {
	q.mu.Lock()
	pending := q.queued[destination]
	if len(pending) == 0 {
		delete(q.inFlight, destination)
		delete(q.queued, destination)
		q.mu.Unlock()
		return
	}
	next := pending[0]
	q.queued[destination] = pending[1:]
	q.mu.Unlock()
	next()
}

func (q *ClaimQueue) Store(ctx context.Context, m storage.Message, cb func(error)) {
	q.inner.Store(ctx, m, cb)
}

func (q *ClaimQueue) Remove(ctx context.Context, ids []string, cb func([]*storage.Message)) {
	q.inner.Remove(ctx, ids, cb)
}

func (q *ClaimQueue) Empty(ctx context.Context, cb func([]*storage.Message)) {
	q.inner.Empty(ctx, cb)
}

func (q *ClaimQueue) Disown(ctx context.Context, destination, claimant string, cb func()) {
	q.inner.Disown(ctx, destination, claimant, cb)
}

func (q *ClaimQueue) Peek(ctx context.Context, ids []string, cb func([]*storage.Message)) {
	q.inner.Peek(ctx, ids, cb)
}

func (q *ClaimQueue) PeekOldest(ctx context.Context, cb func(*storage.Message)) {
	q.inner.PeekOldest(ctx, cb)
}

func (q *ClaimQueue) Shutdown(ctx context.Context, cb func()) {
	q.inner.Shutdown(ctx, cb)
}
