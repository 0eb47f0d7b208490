// Package throttle implements the Throttle engine: it wraps one inner
// Storage and bounds how many of its Store calls can be outstanding at
// once, queuing the rest. Every other operation passes through
// unthrottled — the bottleneck this guards against is back-store
// writes (BodyStore's disk I/O under a metadata transaction), not
// reads or removes.
package throttle

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/gholt/mqstore/internal/mqlog"
	"github.com/gholt/mqstore/storage"
	"github.com/gholt/mqstore/storage/stats"
)

// DefaultMaxInFlight is used when Options.MaxInFlight is zero.
const DefaultMaxInFlight = 2

type queuedStore struct {
	ctx context.Context
	m   storage.Message
	cb  func(error)
}

// Throttle wraps inner and bounds its concurrent Store calls to
// MaxInFlight. The bound itself is a weighted semaphore; the overflow
// queue is a plain FIFO list since its depth is intentionally
// unbounded (the design's stated tradeoff: absorb bursts in the queue
// rather than let them pile up as kernel-level write buffering).
type Throttle struct {
	log   mqlog.Logger
	inner storage.Storage
	sem   *semaphore.Weighted

	mu           sync.Mutex
	queue        *list.List // of *queuedStore
	draining     bool
	drainWaiters []chan struct{}
}

// Options configures a Throttle.
type Options struct {
	MaxInFlight int
}

// New wraps inner with a throttle bounding concurrent Store calls to
// opts.MaxInFlight (DefaultMaxInFlight if zero or negative).
func New(log mqlog.Logger, inner storage.Storage, opts Options) *Throttle {
	max := opts.MaxInFlight
	if max <= 0 {
		max = DefaultMaxInFlight
	}
	return &Throttle{
		log:   log.Named("THROTTLE"),
		inner: inner,
		sem:   semaphore.NewWeighted(int64(max)),
		queue: list.New(),
	}
}

var _ storage.Storage = (*Throttle)(nil)

// Store decides whether to dispatch immediately or enqueue under a
// single t.mu critical section: the TryAcquire here and advance's
// empty-queue Release must never straddle a lock release, or a Store
// that lost the race for a slot can enqueue after the last in-flight
// completion has already found the queue empty and released — leaving
// the item stranded with a free slot nobody will ever hand it.
func (t *Throttle) Store(ctx context.Context, m storage.Message, cb func(error)) {
	t.mu.Lock()
	if t.sem.TryAcquire(1) {
		t.mu.Unlock()
		t.dispatch(ctx, m, cb)
		return
	}
	t.queue.PushBack(&queuedStore{ctx: ctx, m: m, cb: cb})
	t.mu.Unlock()
}

func (t *Throttle) dispatch(ctx context.Context, m storage.Message, cb func(error)) {
	t.inner.Store(ctx, m, func(err error) {
		if cb != nil {
			cb(err)
		}
		t.advance()
	})
}

// advance runs after one Store completes: it either hands its freed
// slot straight to the next queued Store (the in-flight count never
// actually changes) or, if the queue is empty, releases the slot.
func (t *Throttle) advance() {
	t.mu.Lock()
	front := t.queue.Front()
	if front == nil {
		t.sem.Release(1)
		t.mu.Unlock()
		t.notifyIfDrained()
		return
	}
	t.queue.Remove(front)
	t.mu.Unlock()
	qs := front.Value.(*queuedStore)
	t.dispatch(qs.ctx, qs.m, qs.cb)
}

// Stats reports the queue depth, satisfying stats.Provider.
func (t *Throttle) Stats() stats.Counters {
	t.mu.Lock()
	depth := t.queue.Len()
	t.mu.Unlock()
	return stats.Counters{
		Component: "throttle",
		Values:    [][2]string{{"queued", stats.I(depth)}},
	}
}

func (t *Throttle) notifyIfDrained() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queue.Len() == 0 {
		for _, w := range t.drainWaiters {
			close(w)
		}
		t.drainWaiters = nil
	}
}

func (t *Throttle) Remove(ctx context.Context, ids []string, cb func([]*storage.Message)) {
	t.inner.Remove(ctx, ids, cb)
}

func (t *Throttle) Empty(ctx context.Context, cb func([]*storage.Message)) {
	t.inner.Empty(ctx, cb)
}

func (t *Throttle) ClaimAndRetrieve(ctx context.Context, destination, claimant string, cb func(*storage.Message, string, string)) {
	t.inner.ClaimAndRetrieve(ctx, destination, claimant, cb)
}

func (t *Throttle) Disown(ctx context.Context, destination, claimant string, cb func()) {
	t.inner.Disown(ctx, destination, claimant, cb)
}

func (t *Throttle) Peek(ctx context.Context, ids []string, cb func([]*storage.Message)) {
	t.inner.Peek(ctx, ids, cb)
}

func (t *Throttle) PeekOldest(ctx context.Context, cb func(*storage.Message)) {
	t.inner.PeekOldest(ctx, cb)
}

// Shutdown waits for the queue to drain — every queued Store dispatched
// to inner, up to the completion that finds the queue empty — or for
// ctx to be done, then shuts inner down. Stores still in flight on
// other slots at that moment, or when Shutdown finds the queue already
// empty, are not waited for.
func (t *Throttle) Shutdown(ctx context.Context, cb func()) {
	t.mu.Lock()
	if t.queue.Len() > 0 {
		wait := make(chan struct{})
		t.drainWaiters = append(t.drainWaiters, wait)
		t.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
		}
	} else {
		t.mu.Unlock()
	}
	t.inner.Shutdown(ctx, cb)
}
