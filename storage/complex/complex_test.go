package complex

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gholt/mqstore/internal/mqlog"
	"github.com/gholt/mqstore/storage"
)

func testLogger() mqlog.Logger {
	return mqlog.New(mqlog.Config{Level: mqlog.Warning})
}

// fakeTier is a simple in-memory Storage used as both front and back in
// these tests, with an optional onStore hook so tests can observe when
// a drain actually reaches the back tier.
type fakeTier struct {
	name    string
	onStore func(storage.Message)

	mu   sync.Mutex
	byID map[string]*storage.Message
}

func newFakeTier(name string) *fakeTier {
	return &fakeTier{name: name, byID: make(map[string]*storage.Message)}
}

var _ storage.Storage = (*fakeTier)(nil)

func (f *fakeTier) Store(ctx context.Context, m storage.Message, cb func(error)) {
	f.mu.Lock()
	f.byID[m.ID] = m.Clone()
	f.mu.Unlock()
	if f.onStore != nil {
		f.onStore(m)
	}
	if cb != nil {
		cb(nil)
	}
}

func (f *fakeTier) Remove(ctx context.Context, ids []string, cb func([]*storage.Message)) {
	f.mu.Lock()
	out := make([]*storage.Message, len(ids))
	for i, id := range ids {
		if m, ok := f.byID[id]; ok {
			out[i] = m
			delete(f.byID, id)
		}
	}
	f.mu.Unlock()
	if cb != nil {
		cb(out)
	}
}

func (f *fakeTier) Empty(ctx context.Context, cb func([]*storage.Message)) {
	f.mu.Lock()
	out := make([]*storage.Message, 0, len(f.byID))
	for _, m := range f.byID {
		out = append(out, m)
	}
	f.byID = make(map[string]*storage.Message)
	f.mu.Unlock()
	if cb != nil {
		cb(out)
	}
}

func (f *fakeTier) ClaimAndRetrieve(ctx context.Context, destination, claimant string, cb func(*storage.Message, string, string)) {
	f.mu.Lock()
	var found *storage.Message
	for _, m := range f.byID {
		if m.Destination == destination && m.Claimant == "" {
			m.Claimant = claimant
			found = m
			break
		}
	}
	f.mu.Unlock()
	if cb != nil {
		cb(found.Clone(), destination, claimant)
	}
}

func (f *fakeTier) Disown(ctx context.Context, destination, claimant string, cb func()) {
	f.mu.Lock()
	for _, m := range f.byID {
		if m.Destination == destination && m.Claimant == claimant {
			m.Claimant = ""
		}
	}
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (f *fakeTier) Peek(ctx context.Context, ids []string, cb func([]*storage.Message)) {
	f.mu.Lock()
	out := make([]*storage.Message, len(ids))
	for i, id := range ids {
		if m, ok := f.byID[id]; ok {
			out[i] = m.Clone()
		}
	}
	f.mu.Unlock()
	if cb != nil {
		cb(out)
	}
}

func (f *fakeTier) PeekOldest(ctx context.Context, cb func(*storage.Message)) {
	f.mu.Lock()
	var oldest *storage.Message
	for _, m := range f.byID {
		if oldest == nil || m.Timestamp < oldest.Timestamp {
			oldest = m
		}
	}
	f.mu.Unlock()
	if cb != nil {
		cb(oldest.Clone())
	}
}

func (f *fakeTier) Shutdown(ctx context.Context, cb func()) {
	if cb != nil {
		cb()
	}
}

func (f *fakeTier) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.byID[id]
	return ok
}

func TestDrainTimerMovesPersistentMessageToBack(t *testing.T) {
	front, back := newFakeTier("front"), newFakeTier("back")
	c := New(testLogger(), front, back, Options{Timeout: 20 * time.Millisecond})
	ctx := context.Background()

	c.Store(ctx, storage.Message{ID: "1", Destination: "/queue/a", Persistent: true}, nil)
	require.True(t, front.has("1"))
	require.False(t, back.has("1"))

	require.Eventually(t, func() bool { return back.has("1") }, time.Second, 5*time.Millisecond)
	assert.False(t, front.has("1"), "message must be removed from front once drained to back")
}

func TestNonPersistentMessageIsDroppedNotDrained(t *testing.T) {
	front, back := newFakeTier("front"), newFakeTier("back")
	c := New(testLogger(), front, back, Options{Timeout: 10 * time.Millisecond})
	ctx := context.Background()

	c.Store(ctx, storage.Message{ID: "1", Destination: "/queue/a", Persistent: false}, nil)

	require.Eventually(t, func() bool { return !front.has("1") }, time.Second, 5*time.Millisecond)
	assert.False(t, back.has("1"), "a non-persistent message must never reach back")
}

func TestClaimTriesFrontThenBack(t *testing.T) {
	front, back := newFakeTier("front"), newFakeTier("back")
	c := New(testLogger(), front, back, Options{Timeout: time.Hour})
	ctx := context.Background()

	back.Store(ctx, storage.Message{ID: "1", Destination: "/queue/a"}, nil)

	var claimed *storage.Message
	c.ClaimAndRetrieve(ctx, "/queue/a", "client-1", func(m *storage.Message, d, cl string) { claimed = m })
	require.NotNil(t, claimed)
	assert.Equal(t, "1", claimed.ID)
}

func TestClaimPrefersFrontOverBack(t *testing.T) {
	front, back := newFakeTier("front"), newFakeTier("back")
	c := New(testLogger(), front, back, Options{Timeout: time.Hour})
	ctx := context.Background()

	front.Store(ctx, storage.Message{ID: "1", Destination: "/queue/a"}, nil)
	back.Store(ctx, storage.Message{ID: "2", Destination: "/queue/a"}, nil)

	var claimed *storage.Message
	c.ClaimAndRetrieve(ctx, "/queue/a", "client-1", func(m *storage.Message, d, cl string) { claimed = m })
	require.NotNil(t, claimed)
	assert.Equal(t, "1", claimed.ID)
}

func TestRemoveCancelsPendingDrainTimer(t *testing.T) {
	front, back := newFakeTier("front"), newFakeTier("back")
	c := New(testLogger(), front, back, Options{Timeout: 15 * time.Millisecond})
	ctx := context.Background()

	c.Store(ctx, storage.Message{ID: "1", Destination: "/queue/a", Persistent: true}, nil)
	c.Remove(ctx, []string{"1"}, nil)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, back.has("1"), "a removed message must not reappear in back once its timer fires")
}

func TestShutdownDrainsRemainingPersistentMessages(t *testing.T) {
	front, back := newFakeTier("front"), newFakeTier("back")
	c := New(testLogger(), front, back, Options{Timeout: time.Hour})
	ctx := context.Background()

	c.Store(ctx, storage.Message{ID: "1", Destination: "/queue/a", Persistent: true}, nil)
	c.Store(ctx, storage.Message{ID: "2", Destination: "/queue/a", Persistent: false}, nil)

	done := make(chan struct{})
	c.Shutdown(ctx, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete")
	}

	assert.True(t, back.has("1"), "persistent message must be drained to back on shutdown")
	assert.False(t, back.has("2"), "non-persistent message must not be drained on shutdown")
}

func TestPeekOldestAcrossTiers(t *testing.T) {
	front, back := newFakeTier("front"), newFakeTier("back")
	c := New(testLogger(), front, back, Options{Timeout: time.Hour})
	ctx := context.Background()

	front.Store(ctx, storage.Message{ID: "new", Destination: "/queue/a", Timestamp: 10}, nil)
	back.Store(ctx, storage.Message{ID: "old", Destination: "/queue/a", Timestamp: 1}, nil)

	var oldest *storage.Message
	c.PeekOldest(ctx, func(m *storage.Message) { oldest = m })
	require.NotNil(t, oldest)
	assert.Equal(t, "old", oldest.ID)
}
