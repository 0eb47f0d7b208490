package metastore

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaVersion is the current schema version this build writes into
// meta on a fresh database and migrates existing databases up to.
const schemaVersion = "0.1.8"

// initSchema creates the database from scratch if meta is absent, or
// runs in-place migrations in version order if it already exists.
// Every step, fresh-create or migration, commits in a single
// transaction; a failure rolls back and aborts startup.
func (ms *MetadataStore) initSchema(ctx context.Context) error {
	var err error
	ms.submit(func() {
		err = ms.initSchemaLocked(ctx)
	})
	return err
}

func (ms *MetadataStore) initSchemaLocked(ctx context.Context) error {
	hasMeta, err := tableExists(ctx, ms.db, "meta")
	if err != nil {
		return fmt.Errorf("probing meta table: %w", err)
	}
	hasMessages, err := tableExists(ctx, ms.db, "messages")
	if err != nil {
		return fmt.Errorf("probing messages table: %w", err)
	}

	if !hasMeta && !hasMessages {
		return ms.createFresh(ctx)
	}

	version, err := ms.readVersion(ctx, hasMeta)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, step := range migrationSteps {
		if !step.appliesFrom(version) {
			continue
		}
		ms.log.Infof("migrating schema %s -> %s", version, step.to)
		if err := ms.runInTx(ctx, step.up); err != nil {
			return fmt.Errorf("migration %s -> %s: %w", version, step.to, err)
		}
		version = step.to
	}
	return nil
}

func (ms *MetadataStore) createFresh(ctx context.Context) error {
	return ms.runInTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range currentSchemaDDL {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec %q: %w", stmt, err)
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO meta(key, value) VALUES ('version', ?)`, schemaVersion)
		return err
	})
}

func (ms *MetadataStore) runInTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := ms.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (ms *MetadataStore) readVersion(ctx context.Context, hasMeta bool) (string, error) {
	if !hasMeta {
		return "pre-0.1.7", nil
	}
	var version string
	row := ms.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'version'`)
	if err := row.Scan(&version); err != nil {
		if err == sql.ErrNoRows {
			return "pre-0.1.7", nil
		}
		return "", err
	}
	return version, nil
}

func tableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	row := db.QueryRowContext(ctx,
		`SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, name)
	var dummy int
	if err := row.Scan(&dummy); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// currentSchemaDDL is what a brand-new database is created with:
// messages with a TEXT primary key, the documented indexes, and the
// meta table used for the version row.
var currentSchemaDDL = []string{
	`CREATE TABLE messages (
		id          TEXT PRIMARY KEY,
		destination TEXT NOT NULL,
		persistent  CHAR(1) NOT NULL DEFAULT '0',
		claimant    TEXT,
		body        TEXT,
		timestamp   INTEGER NOT NULL,
		size        INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX idx_messages_destination ON messages(destination)`,
	`CREATE INDEX idx_messages_timestamp ON messages(timestamp)`,
	`CREATE INDEX idx_messages_claimant ON messages(claimant)`,
	`CREATE INDEX idx_messages_id_prefix ON messages(id)`,
	`CREATE TABLE meta (
		key   TEXT PRIMARY KEY,
		value TEXT
	)`,
}

// migrationStep is one registered upgrade. appliesFrom reports whether
// this step should run given the database's current recorded version;
// up performs the DDL/DML inside the transaction initSchemaLocked
// opened, and must not commit or rollback itself.
type migrationStep struct {
	from, to string
	up       func(tx *sql.Tx) error
}

func (s migrationStep) appliesFrom(version string) bool {
	return version == s.from
}

// migrationSteps preserves the documented upgrade history. Future
// migrations must be appended here in order, each probing for its own
// precondition so re-running initSchema against an already-migrated
// database is a no-op.
var migrationSteps = []migrationStep{
	{
		from: "pre-0.1.7",
		to:   "0.1.7",
		up: func(tx *sql.Tx) error {
			has, err := columnExistsTx(tx, "messages", "timestamp")
			if err != nil {
				return err
			}
			if !has {
				if _, err := tx.Exec(`ALTER TABLE messages ADD COLUMN timestamp INTEGER NOT NULL DEFAULT 0`); err != nil {
					return err
				}
			}
			has, err = columnExistsTx(tx, "messages", "size")
			if err != nil {
				return err
			}
			if !has {
				if _, err := tx.Exec(`ALTER TABLE messages ADD COLUMN size INTEGER NOT NULL DEFAULT 0`); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		from: "0.1.7",
		to:   "0.1.8",
		up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT)`,
				`ALTER TABLE messages RENAME TO old_messages`,
				`CREATE TABLE messages (
					id          TEXT PRIMARY KEY,
					destination TEXT NOT NULL,
					persistent  CHAR(1) NOT NULL DEFAULT '0',
					claimant    TEXT,
					body        TEXT,
					timestamp   INTEGER NOT NULL,
					size        INTEGER NOT NULL DEFAULT 0
				)`,
				`INSERT INTO messages(id, destination, persistent, claimant, body, timestamp, size)
					SELECT CAST(id AS TEXT), destination, persistent, claimant, body, timestamp, size FROM old_messages`,
				`DROP TABLE old_messages`,
				`CREATE INDEX idx_messages_destination ON messages(destination)`,
				`CREATE INDEX idx_messages_timestamp ON messages(timestamp)`,
				`CREATE INDEX idx_messages_claimant ON messages(claimant)`,
				`CREATE INDEX idx_messages_id_prefix ON messages(id)`,
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("exec %q: %w", stmt, err)
				}
			}
			_, err := tx.Exec(
				`INSERT INTO meta(key, value) VALUES ('version', '0.1.8')
					ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
			return err
		},
	},
}

func columnExistsTx(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
