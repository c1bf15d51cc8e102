package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/fernweh-app/fernweh-core/internal/errors"
)

// migration is one versioned schema step. Steps are built into the binary so
// the engine never depends on an external SQL directory.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "create cached_entities",
		SQL: `
CREATE TABLE cached_entities (
	entity_type    TEXT    NOT NULL,
	local_id       TEXT    NOT NULL,
	remote_id      TEXT    NOT NULL DEFAULT '',
	payload        BLOB    NOT NULL,
	version        INTEGER NOT NULL DEFAULT 0,
	dirty          INTEGER NOT NULL DEFAULT 0,
	last_synced_at INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	PRIMARY KEY (entity_type, local_id)
);
CREATE INDEX idx_cached_entities_dirty ON cached_entities(entity_type, dirty);
`,
	},
	{
		Version:     2,
		Description: "create mutation_queue",
		SQL: `
CREATE TABLE mutation_queue (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type   TEXT    NOT NULL,
	local_id      TEXT    NOT NULL,
	remote_id     TEXT    NOT NULL DEFAULT '',
	operation     TEXT    NOT NULL CHECK(operation IN ('create','update','delete')),
	payload       BLOB,
	status        TEXT    NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','in_flight','failed')),
	attempts      INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT    NOT NULL DEFAULT '',
	next_retry_at INTEGER NOT NULL DEFAULT 0,
	permanent     INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX idx_mutation_queue_ready ON mutation_queue(status, next_retry_at);
CREATE INDEX idx_mutation_queue_local ON mutation_queue(entity_type, local_id);
CREATE UNIQUE INDEX idx_mutation_queue_inflight ON mutation_queue(local_id) WHERE status = 'in_flight';
`,
	},
	{
		Version:     3,
		Description: "create conflict_log",
		SQL: `
CREATE TABLE conflict_log (
	id             TEXT    PRIMARY KEY,
	entity_type    TEXT    NOT NULL,
	local_id       TEXT    NOT NULL,
	local_version  INTEGER NOT NULL,
	remote_version INTEGER NOT NULL,
	resolution     TEXT    NOT NULL,
	detected_at    INTEGER NOT NULL
);
CREATE INDEX idx_conflict_log_entity ON conflict_log(entity_type, local_id);
`,
	},
}

// migrate applies any outstanding schema steps. Each applied step records a
// SHA-256 checksum; a checksum mismatch on a previously applied step means
// the binary and the database disagree about history and migration aborts.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at  INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT    NOT NULL CHECK(length(description) > 0),
		checksum    TEXT    NOT NULL CHECK(length(checksum) = 64)
	);`); err != nil {
		return errors.Wrap(errors.ErrMigration, "create schema_migrations", err)
	}

	applied := make(map[int]string)
	rows, err := db.Query("SELECT version, checksum FROM schema_migrations")
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "read applied migrations", err)
	}
	for rows.Next() {
		var version int
		var checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			rows.Close()
			return errors.Wrap(errors.ErrMigration, "scan applied migration", err)
		}
		applied[version] = checksum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(errors.ErrMigration, "iterate applied migrations", err)
	}

	for _, m := range migrations {
		checksum := migrationChecksum(m.SQL)

		if existing, ok := applied[m.Version]; ok {
			if existing != checksum {
				return errors.New(errors.ErrMigration,
					"checksum mismatch for migration "+m.Description)
			}
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrap(errors.ErrMigration, "begin migration", err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return errors.Wrap(errors.ErrMigration, "apply migration "+m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
			m.Version, time.Now().Unix(), m.Description, checksum,
		); err != nil {
			tx.Rollback()
			return errors.Wrap(errors.ErrMigration, "record migration "+m.Description, err)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrap(errors.ErrMigration, "commit migration "+m.Description, err)
		}
	}

	return nil
}

// schemaVersion returns the highest applied migration version.
func schemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

func migrationChecksum(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])
}
