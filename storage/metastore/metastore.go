// Package metastore implements the MetadataStore engine: the durable
// index of message records (destination, persistent flag, claimant,
// timestamp, size — body excluded by default, BodyStore supplies it).
// It is backed by a relational store, SQLite by default via
// modernc.org/sqlite so the module stays free of cgo.
//
// All database access happens on a single worker goroutine, mirroring
// the "one worker with a request queue, completions serialized back
// onto the main loop" model: SQLite only benefits from one writer at a
// time anyway, so a single goroutine reading off a request channel
// gives us that for free instead of fighting for it with connection
// pooling and retries.
package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/gholt/mqstore/internal/mqlog"
	"github.com/gholt/mqstore/internal/storageerr"
	"github.com/gholt/mqstore/storage"
)

// Options configures a MetadataStore. DSN defaults to a file named
// mq.db inside DataDir; Username/Password are accepted for parity with
// non-SQLite backends and folded into DSN by the caller when needed.
type Options struct {
	DataDir  string
	DSN      string
	Username string
	Password string

	// OpenRetries bounds how many times a transient error at open time
	// (e.g. the data directory not mounted yet) is retried with
	// backoff before the store gives up and returns a startup error.
	// Runtime connection loss after a successful open is always fatal,
	// per the storage design: this only softens the initial race.
	OpenRetries int
	OpenBackoff time.Duration
}

// MetadataStore is a Storage engine over a relational table of message
// records.
type MetadataStore struct {
	log mqlog.Logger
	db  *sql.DB

	jobs     chan func()
	done     chan struct{}
	shutdown chan struct{}

	nextNumericID int64 // seeded from max(id) for callers that want sequential ids
}

// Open creates the database if absent, migrates it to the current
// schema version if present but stale, clears residual claims (the
// broker is the only claim authority and no clients exist yet on
// restart), and seeds the id allocator from the existing rows.
func Open(ctx context.Context, log mqlog.Logger, opts Options) (*MetadataStore, error) {
	dsn := opts.DSN
	if dsn == "" {
		dsn = opts.DataDir + "/mq.db"
	}

	var db *sql.DB
	var err error
	retries := opts.OpenRetries
	backoff := opts.OpenBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	for attempt := 0; ; attempt++ {
		db, err = sql.Open("sqlite", dsn)
		if err == nil {
			db.SetMaxOpenConns(1)
			err = db.PingContext(ctx)
		}
		if err == nil {
			break
		}
		if attempt >= retries {
			return nil, storageerr.New(storageerr.Startup, "metastore.Open", err)
		}
		log.Warningf("open attempt %d/%d failed, retrying: %v", attempt+1, retries, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, storageerr.New(storageerr.Startup, "metastore.Open", ctx.Err())
		}
	}

	ms := &MetadataStore{
		log:      log.Named("METASTORE"),
		db:       db,
		jobs:     make(chan func(), 64),
		done:     make(chan struct{}),
		shutdown: make(chan struct{}),
	}
	go ms.worker()

	if err := ms.initSchema(ctx); err != nil {
		db.Close()
		return nil, storageerr.New(storageerr.Startup, "metastore.Open", err)
	}
	if err := ms.clearResidualClaims(ctx); err != nil {
		db.Close()
		return nil, storageerr.New(storageerr.Startup, "metastore.Open", err)
	}
	if err := ms.seedIDAllocator(ctx); err != nil {
		db.Close()
		return nil, storageerr.New(storageerr.Startup, "metastore.Open", err)
	}
	return ms, nil
}

// worker runs on its own goroutine and is the only thing that touches
// ms.db, serializing every SQL statement issued by this engine.
func (ms *MetadataStore) worker() {
	defer close(ms.done)
	for {
		select {
		case job, ok := <-ms.jobs:
			if !ok {
				return
			}
			job()
		case <-ms.shutdown:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case job := <-ms.jobs:
					job()
				default:
					return
				}
			}
		}
	}
}

// submit enqueues fn to run on the worker goroutine and blocks until
// it has run. Safe to call from any goroutine.
func (ms *MetadataStore) submit(fn func()) {
	result := make(chan struct{})
	ms.jobs <- func() {
		fn()
		close(result)
	}
	<-result
}

func (ms *MetadataStore) clearResidualClaims(ctx context.Context) error {
	var execErr error
	ms.submit(func() {
		_, execErr = ms.db.ExecContext(ctx, `UPDATE messages SET claimant = NULL WHERE claimant IS NOT NULL`)
	})
	return execErr
}

func (ms *MetadataStore) seedIDAllocator(ctx context.Context) error {
	var ids []string
	var queryErr error
	ms.submit(func() {
		rows, err := ms.db.QueryContext(ctx, `SELECT id FROM messages`)
		if err != nil {
			queryErr = err
			return
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				queryErr = err
				return
			}
			ids = append(ids, id)
		}
		queryErr = rows.Err()
	})
	if queryErr != nil {
		return queryErr
	}
	sort.Strings(ids)
	var max int64
	for _, id := range ids {
		var n int64
		if _, err := fmt.Sscanf(id, "%d", &n); err == nil && n > max {
			max = n
		}
	}
	ms.nextNumericID = max
	return nil
}

// NewID mints a globally unique opaque id for callers that want the
// store to assign one rather than supplying their own.
func (ms *MetadataStore) NewID() string {
	return uuid.NewString()
}

// NextNumericID hands out a monotonically increasing integer id,
// seeded on Open from the highest numeric-looking id already present,
// for callers migrating off a legacy sequential-id scheme.
func (ms *MetadataStore) NextNumericID() int64 {
	var id int64
	ms.submit(func() {
		ms.nextNumericID++
		id = ms.nextNumericID
	})
	return id
}
