// Package stacktest exercises the default storage composition
// end-to-end, the way the storage design's literal scenarios (§8) are
// written: against the assembled Complex(front, Throttle(BodyStore(
// ClaimQueue(MetadataStore)))) stack rather than any single engine in
// isolation.
package stacktest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gholt/mqstore/internal/config"
	"github.com/gholt/mqstore/internal/mqlog"
	"github.com/gholt/mqstore/storage"
	"github.com/gholt/mqstore/storage/assemble"
)

func newStack(t *testing.T, timeout time.Duration) (storage.Storage, string) {
	t.Helper()
	dir := t.TempDir()
	log := mqlog.New(mqlog.Config{Level: mqlog.Warning})
	cfg := config.Defaults()
	cfg.DataDir = dir
	cfg.Timeout = timeout
	st, err := assemble.Default(context.Background(), log, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		done := make(chan struct{})
		st.Shutdown(context.Background(), func() { close(done) })
		<-done
	})
	return st, dir
}

func store(t *testing.T, st storage.Storage, m storage.Message) {
	t.Helper()
	done := make(chan struct{})
	var storeErr error
	st.Store(context.Background(), m, func(err error) {
		storeErr = err
		close(done)
	})
	<-done
	require.NoError(t, storeErr)
}

func claim(t *testing.T, st storage.Storage, destination, claimant string) *storage.Message {
	t.Helper()
	done := make(chan struct{})
	var out *storage.Message
	st.ClaimAndRetrieve(context.Background(), destination, claimant, func(m *storage.Message, d, c string) {
		out = m
		close(done)
	})
	<-done
	return out
}

func peek(t *testing.T, st storage.Storage, ids ...string) []*storage.Message {
	t.Helper()
	done := make(chan struct{})
	var out []*storage.Message
	st.Peek(context.Background(), ids, func(ms []*storage.Message) {
		out = ms
		close(done)
	})
	<-done
	return out
}

func disown(t *testing.T, st storage.Storage, destination, claimant string) {
	t.Helper()
	done := make(chan struct{})
	st.Disown(context.Background(), destination, claimant, func() { close(done) })
	<-done
}

func remove(t *testing.T, st storage.Storage, ids ...string) []*storage.Message {
	t.Helper()
	done := make(chan struct{})
	var out []*storage.Message
	st.Remove(context.Background(), ids, func(ms []*storage.Message) {
		out = ms
		close(done)
	})
	<-done
	return out
}

// Scenario 1: store and claim.
func TestStoreAndClaim(t *testing.T) {
	st, _ := newStack(t, time.Hour)
	store(t, st, storage.Message{ID: "m1", Destination: "/q/a", Persistent: true, Body: []byte("hello"), Timestamp: 100})

	m := claim(t, st, "/q/a", "42")
	require.NotNil(t, m)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "42", m.Claimant)
	assert.Equal(t, []byte("hello"), m.Body)

	m2 := claim(t, st, "/q/a", "43")
	assert.Nil(t, m2)
}

// Scenario 2: disown makes the message claimable again.
func TestDisownMakesAvailableAgain(t *testing.T) {
	st, _ := newStack(t, time.Hour)
	store(t, st, storage.Message{ID: "m1", Destination: "/q/a", Persistent: true, Body: []byte("hello"), Timestamp: 100})
	require.NotNil(t, claim(t, st, "/q/a", "42"))

	disown(t, st, "/q/a", "42")

	m := claim(t, st, "/q/a", "43")
	require.NotNil(t, m)
	assert.Equal(t, "43", m.Claimant)
}

// Scenario 4: the drain timer moves a persistent message from front to
// back once the timeout elapses: its body file appears in the data
// directory and the stack keeps serving the message.
func TestDrainTimerMovesFrontToBack(t *testing.T) {
	st, dir := newStack(t, 100*time.Millisecond)
	store(t, st, storage.Message{ID: "m3", Destination: "/q/a", Persistent: true, Body: []byte("X"), Timestamp: 1})

	ms := peek(t, st, "m3")
	require.Len(t, ms, 1)
	require.NotNil(t, ms[0])
	assert.Equal(t, []byte("X"), ms[0].Body)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "msg-m3"))
		return err == nil
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		ms := peek(t, st, "m3")
		return len(ms) == 1 && ms[0] != nil && string(ms[0].Body) == "X"
	}, time.Second, 5*time.Millisecond)
}

// Scenario 5: a non-persistent message is dropped, not drained, once
// its timer fires.
func TestNonPersistentDroppedAtDrain(t *testing.T) {
	st, _ := newStack(t, 100*time.Millisecond)
	store(t, st, storage.Message{ID: "m3", Destination: "/q/a", Persistent: false, Body: []byte("X"), Timestamp: 1})

	require.Eventually(t, func() bool {
		ms := peek(t, st, "m3")
		return len(ms) == 1 && ms[0] == nil
	}, time.Second, 5*time.Millisecond)
}

// Scenario 6: a crash between metadata commit and body flush leaves a
// metadata row with no body file on disk; claim_and_retrieve must not
// hand out a bodyless message, and the stale row must be cleaned up.
func TestCrashRecoveryWithMissingBodyFile(t *testing.T) {
	st, dir := newStack(t, 50*time.Millisecond)
	store(t, st, storage.Message{ID: "m4", Destination: "/q/x", Persistent: true, Body: []byte("payload"), Timestamp: 1})

	// Wait for the drain timer to push m4 into the durable back tier,
	// so its body file exists on disk, then delete the file directly:
	// a metadata commit with no corresponding body flush, the same
	// state a crash between the two writes would leave behind.
	path := filepath.Join(dir, "msg-m4")
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, os.Remove(path))

	m := claim(t, st, "/q/x", "1")
	assert.Nil(t, m)

	ms := peek(t, st, "m4")
	require.Len(t, ms, 1)
	assert.Nil(t, ms[0])
}

// Durability: a persistent message survives a clean shutdown and
// restart of the metadata/body tiers (the front tier is volatile by
// design, so the message is driven into back first via a short
// timeout before shutdown).
func TestDurabilityAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	log := mqlog.New(mqlog.Config{Level: mqlog.Warning})
	cfg := config.Defaults()
	cfg.DataDir = dir
	cfg.Timeout = 50 * time.Millisecond

	st, err := assemble.Default(context.Background(), log, cfg)
	require.NoError(t, err)
	store(t, st, storage.Message{ID: "m5", Destination: "/q/a", Persistent: true, Body: []byte("durable"), Timestamp: 1})

	require.Eventually(t, func() bool {
		ms := peek(t, st, "m5")
		return len(ms) == 1 && ms[0] != nil
	}, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	st.Shutdown(context.Background(), func() { close(done) })
	<-done

	st2, err := assemble.Default(context.Background(), log, cfg)
	require.NoError(t, err)
	defer func() {
		done := make(chan struct{})
		st2.Shutdown(context.Background(), func() { close(done) })
		<-done
	}()

	ms := peek(t, st2, "m5")
	require.Len(t, ms, 1)
	require.NotNil(t, ms[0])
	assert.Equal(t, []byte("durable"), ms[0].Body)
}

// Claim independence across destinations: concurrent claims for two
// distinct destinations both proceed, and each receives the message
// stored under its own destination.
func TestClaimExclusivityAcrossDestinations(t *testing.T) {
	st, _ := newStack(t, time.Hour)
	store(t, st, storage.Message{ID: "a1", Destination: "/q/a", Persistent: true, Body: []byte("a"), Timestamp: 1})
	store(t, st, storage.Message{ID: "b1", Destination: "/q/b", Persistent: true, Body: []byte("b"), Timestamp: 1})

	done := make(chan struct{}, 2)
	var got [2]*storage.Message
	go func() {
		got[0] = claim(t, st, "/q/a", "c1")
		done <- struct{}{}
	}()
	go func() {
		got[1] = claim(t, st, "/q/b", "c2")
		done <- struct{}{}
	}()
	<-done
	<-done

	require.NotNil(t, got[0])
	require.NotNil(t, got[1])
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "b1", got[1].ID)
}

// Remove-after-store idempotence: storing and immediately removing
// leaves nothing behind in either tier.
func TestRemoveAfterStoreLeavesNothing(t *testing.T) {
	st, _ := newStack(t, time.Hour)
	store(t, st, storage.Message{ID: "m6", Destination: "/q/a", Persistent: true, Body: []byte("gone"), Timestamp: 1})
	remove(t, st, "m6")

	ms := peek(t, st, "m6")
	require.Len(t, ms, 1)
	assert.Nil(t, ms[0])
}

// Body round-trip: an empty body and a multi-megabyte body both
// survive store/peek unchanged once drained through to the durable
// BodyStore's on-disk files, not just the volatile front tier.
func TestBodyRoundTrip(t *testing.T) {
	st, dir := newStack(t, 50*time.Millisecond)

	store(t, st, storage.Message{ID: "empty", Destination: "/q/a", Persistent: true, Body: []byte{}, Timestamp: 1})
	big := make([]byte, 4*1024*1024)
	for i := range big {
		big[i] = byte(i)
	}
	store(t, st, storage.Message{ID: "big", Destination: "/q/a", Persistent: true, Body: big, Timestamp: 2})

	require.Eventually(t, func() bool {
		e, errE := os.Stat(filepath.Join(dir, "msg-empty"))
		b, errB := os.Stat(filepath.Join(dir, "msg-big"))
		return errE == nil && errB == nil && e.Size() == 0 && b.Size() == int64(len(big))
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		ms := peek(t, st, "empty", "big")
		return len(ms) == 2 && ms[0] != nil && ms[1] != nil
	}, time.Second, 5*time.Millisecond)

	ms := peek(t, st, "empty", "big")
	require.Len(t, ms, 2)
	require.NotNil(t, ms[0])
	require.NotNil(t, ms[1])
	assert.Equal(t, []byte{}, ms[0].Body)
	assert.Equal(t, big, ms[1].Body)
}
