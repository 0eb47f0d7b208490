// Package bodystore implements the BodyStore engine: it wraps a
// MetadataStore (its "info store"), storing each message body as one
// file on disk and delegating the bodyless record to the info store.
//
// The race-critical state is the two tables named in the storage
// design: pendingWrites (a body is present iff its write has been
// accepted but not yet flushed) and wheels (the active I/O operation
// for an id, if any). The source's third table, a wheel-id reverse
// index, existed to let an external event loop dispatch a completion
// event back to the registration that started it; in this translation
// each wheel is a goroutine whose closure already knows which id it
// belongs to; a goroutine already owns the only state an id's own
// wheel entry holds, so the reverse index carried no information the
// id-keyed wheels map didn't already have. Dropped.
package bodystore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gholt/brimutil"

	"github.com/gholt/mqstore/internal/mqlog"
	"github.com/gholt/mqstore/internal/storageerr"
	"github.com/gholt/mqstore/storage"
	"github.com/gholt/mqstore/storage/stats"
)

// wheelKind distinguishes the one active I/O operation a wheel can
// represent for a given id.
type wheelKind int

const (
	wheelWrite wheelKind = iota
	wheelRead
)

type wheel struct {
	kind     wheelKind
	id       string
	deleteMe bool
}

// BodyStore wraps info (normally a *metastore.MetadataStore, but any
// Storage that leaves Body unset is acceptable) and adds on-disk body
// storage.
type BodyStore struct {
	log     mqlog.Logger
	info    storage.Storage
	dataDir string

	accumulatorSize int

	mu            sync.Mutex
	pendingWrites map[string][]byte
	wheels        map[string]*wheel
	shuttingDown  bool

	wg sync.WaitGroup // tracks in-flight wheels for Shutdown's drain
}

// Options configures a BodyStore.
type Options struct {
	DataDir string
	// MaxBodySize sizes the read/write accumulator buffer; defaults
	// to 1MiB rounded up to the next power of two, matching the
	// teacher's page-sizing convention.
	MaxBodySize int
}

// New wraps info with on-disk body storage rooted at opts.DataDir,
// creating the directory if it does not exist.
func New(log mqlog.Logger, info storage.Storage, opts Options) (*BodyStore, error) {
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, storageerr.New(storageerr.Startup, "bodystore.New", err)
	}
	maxBody := opts.MaxBodySize
	if maxBody <= 0 {
		maxBody = 1024 * 1024
	}
	accumulatorSize := 1 << brimutil.PowerOfTwoNeeded(uint64(maxBody))
	return &BodyStore{
		log:             log.Named("BODYSTORE"),
		info:            info,
		dataDir:         opts.DataDir,
		accumulatorSize: accumulatorSize,
		pendingWrites:   make(map[string][]byte),
		wheels:          make(map[string]*wheel),
	}, nil
}

var _ storage.Storage = (*BodyStore)(nil)

// Stats reports the pending-write and active-wheel counts, satisfying
// stats.Provider.
func (bs *BodyStore) Stats() stats.Counters {
	bs.mu.Lock()
	pending := len(bs.pendingWrites)
	wheels := len(bs.wheels)
	bs.mu.Unlock()
	return stats.Counters{
		Component: "bodystore",
		Values: [][2]string{
			{"pendingWrites", stats.I(pending)},
			{"activeWheels", stats.I(wheels)},
		},
	}
}

func (bs *BodyStore) path(id string) string {
	return filepath.Join(bs.dataDir, "msg-"+id)
}

// Store splits the body out, registers it in pendingWrites
// synchronously (before this function returns, closing the
// remove-before-write race window), starts a background write wheel,
// and delegates the bodyless message to the info store. cb fires once
// the info store's own cb does, i.e. once the message is durably
// indexed — the body write itself may still be in flight.
func (bs *BodyStore) Store(ctx context.Context, m storage.Message, cb func(error)) {
	bs.mu.Lock()
	if bs.shuttingDown {
		bs.mu.Unlock()
		if cb != nil {
			cb(storageerr.New(storageerr.ProgrammerError, "bodystore.Store", errors.New("store after shutdown")))
		}
		return
	}
	body := append([]byte(nil), m.Body...)
	bs.pendingWrites[m.ID] = body
	bs.mu.Unlock()

	bs.wg.Add(1)
	go bs.runWriteWheel(m.ID, body)

	bodyless := m
	bodyless.Body = nil
	bs.info.Store(ctx, bodyless, cb)
}

// runWriteWheel is the background write task for one id. It aborts
// before opening the file if the id's pendingWrites entry was already
// cleared out from under it — that clearing out is Remove's
// remove-before-write signal.
func (bs *BodyStore) runWriteWheel(id string, body []byte) {
	defer bs.wg.Done()

	bs.mu.Lock()
	if _, ok := bs.pendingWrites[id]; !ok {
		bs.mu.Unlock()
		return
	}
	bs.wheels[id] = &wheel{kind: wheelWrite, id: id}
	bs.mu.Unlock()

	err := writeBodyFile(bs.path(id), body, bs.accumulatorSize)

	bs.mu.Lock()
	w := bs.wheels[id]
	deleteMe := w != nil && w.deleteMe
	delete(bs.wheels, id)
	delete(bs.pendingWrites, id) // same causal step as the wheel clear above
	bs.mu.Unlock()

	if err != nil {
		bs.log.Errorf(err, "body write failed for %s", id)
		return
	}
	if deleteMe {
		if err := os.Remove(bs.path(id)); err != nil && !os.IsNotExist(err) {
			bs.log.Alertf(err, "deferred delete of %s failed", id)
		}
	}
}

// Remove deletes the body (immediately, in flight, or never-started)
// and the metadata row for each id.
func (bs *BodyStore) Remove(ctx context.Context, ids []string, cb func([]*storage.Message)) {
	out := make([]*storage.Message, len(ids))
	for i, id := range ids {
		out[i] = bs.removeOne(ctx, id, cb != nil)
	}
	if cb != nil {
		cb(out)
	}
}

// clearBodyState cancels or defers the on-disk cleanup for id
// depending on what's in flight for it: an active write wheel gets its
// deleteMe flag set so the wheel's own completion performs the unlink
// (the same deferred-delete path runWriteWheel already has), a pending
// write that hasn't started its wheel yet is aborted by clearing
// pendingWrites (the signal the writer goroutine checks for), and
// anything already flushed reports deleteNow so the caller unlinks the
// file itself. Callers of this method — removeOne and Empty — share it
// so the three named races are handled identically in both places.
func (bs *BodyStore) clearBodyState(id string) (body []byte, hadBody, deleteNow bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if w, ok := bs.wheels[id]; ok {
		if w.kind == wheelWrite {
			w.deleteMe = true
		}
		if b, ok := bs.pendingWrites[id]; ok {
			body, hadBody = b, true
		}
		return body, hadBody, false
	}
	if b, ok := bs.pendingWrites[id]; ok {
		delete(bs.pendingWrites, id)
		return b, true, false
	}
	return nil, false, true
}

func (bs *BodyStore) removeOne(ctx context.Context, id string, needBody bool) *storage.Message {
	body, hadBody, deleteNow := bs.clearBodyState(id)
	if deleteNow {
		if needBody {
			if b, found, err := bs.readBodyFile(id); err == nil && found {
				body, hadBody = b, true
			}
		}
		if err := os.Remove(bs.path(id)); err != nil && !os.IsNotExist(err) {
			bs.log.Alertf(err, "remove of body file %s failed", id)
		}
	}

	var removed *storage.Message
	bs.info.Remove(ctx, []string{id}, func(ms []*storage.Message) {
		if len(ms) > 0 {
			removed = ms[0]
		}
	})
	if removed != nil && hadBody {
		removed.Body = body
	}
	return removed
}

// Empty removes every message, reading bodies first when cb is
// non-nil. File cleanup goes through clearBodyState so an in-flight
// write wheel is told to delete itself on completion rather than
// having its output file unlinked out from under it and then
// recreated once the flush finishes.
func (bs *BodyStore) Empty(ctx context.Context, cb func([]*storage.Message)) {
	var out []*storage.Message
	bs.info.Empty(ctx, func(ms []*storage.Message) {
		out = make([]*storage.Message, len(ms))
		for i, m := range ms {
			body, hadBody, deleteNow := bs.clearBodyState(m.ID)
			if deleteNow {
				if b, found, err := bs.readBodyFile(m.ID); err == nil && found {
					body, hadBody = b, true
				}
				if err := os.Remove(bs.path(m.ID)); err != nil && !os.IsNotExist(err) {
					bs.log.Alertf(err, "empty: remove of body file %s failed", m.ID)
				}
			}
			if hadBody {
				m.Body = body
			}
			out[i] = m
		}
	})
	if cb != nil {
		cb(out)
	}
}

func (bs *BodyStore) ClaimAndRetrieve(ctx context.Context, destination, claimant string, cb func(*storage.Message, string, string)) {
	bs.info.ClaimAndRetrieve(ctx, destination, claimant, func(m *storage.Message, d, c string) {
		m = bs.rehydrateOrRepair(ctx, m)
		if cb != nil {
			cb(m, d, c)
		}
	})
}

func (bs *BodyStore) Disown(ctx context.Context, destination, claimant string, cb func()) {
	bs.info.Disown(ctx, destination, claimant, cb)
}

func (bs *BodyStore) Peek(ctx context.Context, ids []string, cb func([]*storage.Message)) {
	bs.info.Peek(ctx, ids, func(ms []*storage.Message) {
		for i, m := range ms {
			ms[i] = bs.rehydrateOrRepair(ctx, m)
		}
		if cb != nil {
			cb(ms)
		}
	})
}

func (bs *BodyStore) PeekOldest(ctx context.Context, cb func(*storage.Message)) {
	bs.info.PeekOldest(ctx, func(m *storage.Message) {
		m = bs.rehydrateOrRepair(ctx, m)
		if cb != nil {
			cb(m)
		}
	})
}

// Shutdown stops accepting stores, waits for every wheel (and every
// read in flight) to drain, then shuts the info store down.
func (bs *BodyStore) Shutdown(ctx context.Context, cb func()) {
	bs.mu.Lock()
	bs.shuttingDown = true
	bs.mu.Unlock()

	bs.wg.Wait()

	bs.info.Shutdown(ctx, cb)
}

// rehydrate consults pendingWrites before touching disk: a claim or
// read that lands while the body write is still in flight must not
// wait for or cancel that write, it just serves the in-memory copy.
func (bs *BodyStore) rehydrate(id string) (body []byte, found bool, err error) {
	bs.mu.Lock()
	if b, ok := bs.pendingWrites[id]; ok {
		bs.mu.Unlock()
		return append([]byte(nil), b...), true, nil
	}
	bs.mu.Unlock()
	return bs.readBodyFile(id)
}

// rehydrateOrRepair fills in m's body, or — if the metadata row claims
// a body that isn't on disk and isn't pending — logs the integrity
// violation, removes the stale metadata row, and reports the message
// as gone, per invariant 6's lazy repair.
func (bs *BodyStore) rehydrateOrRepair(ctx context.Context, m *storage.Message) *storage.Message {
	if m == nil {
		return nil
	}
	body, found, err := bs.rehydrate(m.ID)
	if err != nil {
		bs.log.Errorf(err, "body read failed for %s", m.ID)
		return nil
	}
	if !found {
		bs.log.Alertf(nil, "body file missing for %s, repairing metadata", m.ID)
		bs.info.Remove(ctx, []string{m.ID}, nil)
		return nil
	}
	m.Body = body
	return m
}

func (bs *BodyStore) readBodyFile(id string) (body []byte, found bool, err error) {
	bs.mu.Lock()
	bs.wheels[id] = &wheel{kind: wheelRead, id: id}
	bs.mu.Unlock()
	bs.wg.Add(1)
	defer func() {
		bs.mu.Lock()
		delete(bs.wheels, id)
		bs.mu.Unlock()
		bs.wg.Done()
	}()

	f, openErr := os.Open(bs.path(id))
	if openErr != nil {
		if os.IsNotExist(openErr) {
			return nil, false, nil
		}
		return nil, false, storageerr.New(storageerr.Transient, "bodystore.read", openErr)
	}
	defer f.Close()

	var buf bytes.Buffer
	chunk := make([]byte, bs.accumulatorSize)
	for {
		n, readErr := f.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, false, storageerr.New(storageerr.Transient, "bodystore.read", readErr)
		}
	}
	return buf.Bytes(), true, nil
}
