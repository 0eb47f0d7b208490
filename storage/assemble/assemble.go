// Package assemble wires the five storage engines into the default
// composition described in the storage design's external interfaces
// section: Complex(front=MemoryStore, back=Throttle(BodyStore(ClaimQueue(MetadataStore)))).
//
// This is the one place in the module that knows the concrete engine
// types; everything above it (cmd/mqstore-server, internal/stacktest,
// cmd/mqstore-bench) only sees storage.Storage.
package assemble

import (
	"context"

	"github.com/gholt/mqstore/internal/config"
	"github.com/gholt/mqstore/internal/mqlog"
	"github.com/gholt/mqstore/storage"
	"github.com/gholt/mqstore/storage/bodystore"
	"github.com/gholt/mqstore/storage/claimqueue"
	"github.com/gholt/mqstore/storage/complex"
	"github.com/gholt/mqstore/storage/memstore"
	"github.com/gholt/mqstore/storage/metastore"
	"github.com/gholt/mqstore/storage/throttle"
)

// Default builds the documented default stack from cfg, opening the
// metadata database at cfg.DataDir. The returned Storage's Shutdown
// closes the database in turn; callers do not need to reach into the
// individual engines.
func Default(ctx context.Context, log mqlog.Logger, cfg config.Config) (storage.Storage, error) {
	frontKind := memstore.Small
	if cfg.FrontStore == config.FrontStoreMemoryBig {
		frontKind = memstore.Big
	}
	front := memstore.New(frontKind, log)

	ms, err := metastore.Open(ctx, log, metastore.Options{
		DataDir:  cfg.DataDir,
		DSN:      cfg.DBDSN,
		Username: cfg.DBUsername,
		Password: cfg.DBPassword,
	})
	if err != nil {
		return nil, err
	}

	// ClaimQueue wraps MetadataStore directly: it is MetadataStore's
	// select-then-update claim protocol that needs per-destination
	// serialization, not anything BodyStore or Throttle add on top.
	serialized := claimqueue.Wrap(log, ms)

	body, err := bodystore.New(log, serialized, bodystore.Options{DataDir: cfg.DataDir})
	if err != nil {
		return nil, err
	}

	back := throttle.New(log, body, throttle.Options{MaxInFlight: cfg.ThrottleMax})

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = complex.DefaultTimeout
	}
	return complex.New(log, front, back, complex.Options{Timeout: timeout}), nil
}

// DefaultTimeout re-exports complex.DefaultTimeout for callers that
// build Options by hand instead of going through Default.
const DefaultTimeout = complex.DefaultTimeout
