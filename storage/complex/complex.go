// Package complex implements the Complex engine: the two-tier
// coordinator that holds a fast volatile front and a slow durable
// back, plus a per-message timer that drains an unclaimed message from
// front to back after a configurable delay.
package complex

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gholt/mqstore/internal/mqlog"
	"github.com/gholt/mqstore/storage"
	"github.com/gholt/mqstore/storage/stats"
)

// DefaultTimeout is the front-to-back drain delay used when
// Options.Timeout is zero, matching the documented default.
const DefaultTimeout = 4 * time.Second

// Complex composes front and back into one Storage: stores land in
// front immediately, claims try front then back, and removes/empties/
// disowns fan out to both.
type Complex struct {
	log     mqlog.Logger
	front   storage.Storage
	back    storage.Storage
	timeout time.Duration

	mu           sync.Mutex
	timers       map[string]*time.Timer
	shuttingDown bool
}

// Options configures a Complex.
type Options struct {
	Timeout time.Duration
}

// New builds a Complex coordinating front and back.
func New(log mqlog.Logger, front, back storage.Storage, opts Options) *Complex {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Complex{
		log:     log.Named("COMPLEX"),
		front:   front,
		back:    back,
		timeout: timeout,
		timers:  make(map[string]*time.Timer),
	}
}

var _ storage.Storage = (*Complex)(nil)

// Store inserts m into front immediately and arms its drain timer; the
// back tier is untouched until the timer fires.
func (c *Complex) Store(ctx context.Context, m storage.Message, cb func(error)) {
	c.front.Store(ctx, m, func(err error) {
		if err == nil {
			c.armTimer(m.ID)
		}
		if cb != nil {
			cb(err)
		}
	})
}

// armTimer deliberately does not carry the Store caller's ctx forward:
// ctx governs only the caller's wait on Store's own callback, which has
// already fired by the time this timer goes off. Draining runs on
// context.Background() so a caller cancelling its request context
// after Store returns can never abort work already accepted into front.
func (c *Complex) armTimer(id string) {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return
	}
	c.timers[id] = time.AfterFunc(c.timeout, func() { c.fireTimer(context.Background(), id) })
	c.mu.Unlock()
}

func (c *Complex) cancelTimer(id string) {
	c.mu.Lock()
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()
}

func (c *Complex) fireTimer(ctx context.Context, id string) {
	c.mu.Lock()
	delete(c.timers, id)
	c.mu.Unlock()
	c.drainOne(ctx, id)
}

// drainOne moves id from front to back if it is still in front: a
// persistent message is stored to back then removed from front; a
// non-persistent one is simply dropped. If id is no longer in front
// (claimed and removed, already drained, or removed outright) this is
// a no-op — used both for a normal timer fire and for the synchronous
// drain Shutdown performs on every still-timered id.
func (c *Complex) drainOne(ctx context.Context, id string) {
	c.front.Peek(ctx, []string{id}, func(ms []*storage.Message) {
		if len(ms) == 0 || ms[0] == nil {
			return
		}
		m := ms[0]
		if !m.Persistent {
			c.front.Remove(ctx, []string{id}, nil)
			return
		}
		c.back.Store(ctx, *m, func(err error) {
			if err != nil {
				c.log.Errorf(err, "drain to back failed for %s", id)
				return
			}
			c.front.Remove(ctx, []string{id}, nil)
		})
	})
}

// ClaimAndRetrieve tries front first, then back. This preserves
// age-order within a tier but may deliver a younger front message
// before an older back message — the tier boundary is deliberately
// treated as an ordering boundary, not a total order across tiers.
func (c *Complex) ClaimAndRetrieve(ctx context.Context, destination, claimant string, cb func(*storage.Message, string, string)) {
	c.front.ClaimAndRetrieve(ctx, destination, claimant, func(m *storage.Message, d, cl string) {
		if m != nil {
			if cb != nil {
				cb(m, d, cl)
			}
			return
		}
		c.back.ClaimAndRetrieve(ctx, destination, claimant, cb)
	})
}

func (c *Complex) Remove(ctx context.Context, ids []string, cb func([]*storage.Message)) {
	for _, id := range ids {
		c.cancelTimer(id)
	}
	if cb == nil {
		c.front.Remove(ctx, ids, nil)
		c.back.Remove(ctx, ids, nil)
		return
	}
	var frontOut, backOut []*storage.Message
	c.front.Remove(ctx, ids, func(ms []*storage.Message) { frontOut = ms })
	c.back.Remove(ctx, ids, func(ms []*storage.Message) { backOut = ms })
	merged := make([]*storage.Message, len(ids))
	for i := range ids {
		if i < len(frontOut) && frontOut[i] != nil {
			merged[i] = frontOut[i]
		} else if i < len(backOut) {
			merged[i] = backOut[i]
		}
	}
	cb(merged)
}

func (c *Complex) Empty(ctx context.Context, cb func([]*storage.Message)) {
	c.mu.Lock()
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[string]*time.Timer)
	c.mu.Unlock()

	if cb == nil {
		c.front.Empty(ctx, nil)
		c.back.Empty(ctx, nil)
		return
	}
	var frontOut, backOut []*storage.Message
	c.front.Empty(ctx, func(ms []*storage.Message) { frontOut = ms })
	c.back.Empty(ctx, func(ms []*storage.Message) { backOut = ms })
	cb(append(frontOut, backOut...))
}

func (c *Complex) Disown(ctx context.Context, destination, claimant string, cb func()) {
	if cb == nil {
		c.front.Disown(ctx, destination, claimant, nil)
		c.back.Disown(ctx, destination, claimant, nil)
		return
	}
	var wg sync.WaitGroup
	wg.Add(2)
	c.front.Disown(ctx, destination, claimant, func() { wg.Done() })
	c.back.Disown(ctx, destination, claimant, func() { wg.Done() })
	wg.Wait()
	cb()
}

func (c *Complex) Peek(ctx context.Context, ids []string, cb func([]*storage.Message)) {
	if cb == nil {
		c.front.Peek(ctx, ids, nil)
		c.back.Peek(ctx, ids, nil)
		return
	}
	var frontOut, backOut []*storage.Message
	c.front.Peek(ctx, ids, func(ms []*storage.Message) { frontOut = ms })
	c.back.Peek(ctx, ids, func(ms []*storage.Message) { backOut = ms })
	merged := make([]*storage.Message, len(ids))
	for i := range ids {
		if i < len(frontOut) && frontOut[i] != nil {
			merged[i] = frontOut[i]
		} else if i < len(backOut) {
			merged[i] = backOut[i]
		}
	}
	cb(merged)
}

func (c *Complex) PeekOldest(ctx context.Context, cb func(*storage.Message)) {
	c.front.PeekOldest(ctx, func(f *storage.Message) {
		c.back.PeekOldest(ctx, func(b *storage.Message) {
			if cb != nil {
				cb(pickOldest(f, b))
			}
		})
	})
}

func pickOldest(a, b *storage.Message) *storage.Message {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.Timestamp != b.Timestamp:
		if a.Timestamp < b.Timestamp {
			return a
		}
		return b
	case a.ID <= b.ID:
		return a
	default:
		return b
	}
}

// Shutdown stops arming new timers, synchronously drains every
// still-timered message (persistent ones move to back, the rest are
// dropped), then shuts front down followed by back.
func (c *Complex) Shutdown(ctx context.Context, cb func()) {
	c.mu.Lock()
	c.shuttingDown = true
	ids := make([]string, 0, len(c.timers))
	for id, t := range c.timers {
		t.Stop()
		ids = append(ids, id)
	}
	c.timers = make(map[string]*time.Timer)
	c.mu.Unlock()

	var eg errgroup.Group
	for _, id := range ids {
		id := id
		eg.Go(func() error {
			c.drainOne(ctx, id)
			return nil
		})
	}
	_ = eg.Wait() // drainOne never returns an error

	c.front.Shutdown(ctx, func() {
		c.back.Shutdown(ctx, cb)
	})
}

// Stats reports the number of messages with a pending drain timer,
// satisfying stats.Provider.
func (c *Complex) Stats() stats.Counters {
	c.mu.Lock()
	pending := len(c.timers)
	c.mu.Unlock()
	return stats.Counters{
		Component: "complex",
		Values:    [][2]string{{"pendingDrains", stats.I(pending)}},
	}
}
