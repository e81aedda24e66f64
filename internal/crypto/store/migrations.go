package store

import (
	"bytes"
	"database/sql"
	"errors"
	"io"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
)

// migrationsTable is deliberately distinct from any application-level
// migrations table so this module never contends with a relational schema
// owned by an external collaborator.
const migrationsTable = "_crypto_migrations"

// cryptoMigration is one in-binary schema batch, applied in version
// order.
type cryptoMigration struct {
	version int
	sql     string
}

var cryptoMigrations = []cryptoMigration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS crypto_identity_keys (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    public_key  BLOB NOT NULL,
    private_key BLOB NOT NULL,
    created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS crypto_trusted_identities (
    address       TEXT NOT NULL,
    device_id     INTEGER NOT NULL DEFAULT 1,
    identity_key  BLOB NOT NULL,
    first_seen_at INTEGER NOT NULL,
    verified_at   INTEGER,
    PRIMARY KEY (address, device_id)
);

CREATE TABLE IF NOT EXISTS crypto_pre_keys (
    key_id     INTEGER PRIMARY KEY,
    record     BLOB NOT NULL,
    uploaded   INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS crypto_signed_pre_keys (
    key_id     INTEGER PRIMARY KEY,
    record     BLOB NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS crypto_sessions (
    address      TEXT NOT NULL,
    device_id    INTEGER NOT NULL DEFAULT 1,
    session_data BLOB NOT NULL,
    created_at   INTEGER NOT NULL,
    last_used_at INTEGER NOT NULL,
    PRIMARY KEY (address, device_id)
);

CREATE TABLE IF NOT EXISTS crypto_skipped_message_keys (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    session_address   TEXT NOT NULL,
    session_device_id INTEGER NOT NULL DEFAULT 1,
    ratchet_key       BLOB NOT NULL,
    message_number    INTEGER NOT NULL,
    message_key       BLOB NOT NULL,
    created_at        INTEGER NOT NULL,
    UNIQUE (session_address, session_device_id, ratchet_key, message_number)
);

CREATE TABLE IF NOT EXISTS crypto_config (
    key   TEXT PRIMARY KEY,
    value BLOB NOT NULL
);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS crypto_kyber_pre_keys (
    key_id     INTEGER PRIMARY KEY,
    record     BLOB NOT NULL,
    created_at INTEGER NOT NULL
);
`,
	},
}

// memorySource implements golang-migrate's source.Driver over the
// in-binary migration batches above — there is no migrations/ directory
// to embed, so the migrations travel as Go string literals instead.
type memorySource struct {
	idx int
}

func newMemorySource() source.Driver { return &memorySource{idx: -1} }

func (m *memorySource) Open(url string) (source.Driver, error) { return newMemorySource(), nil }
func (m *memorySource) Close() error                            { return nil }

func (m *memorySource) First() (uint, error) {
	if len(cryptoMigrations) == 0 {
		return 0, migrate.ErrNilVersion
	}
	m.idx = 0
	return uint(cryptoMigrations[0].version), nil
}

func (m *memorySource) Prev(version uint) (uint, error) {
	idx := indexForVersion(version)
	if idx <= 0 {
		return 0, errors.New("no previous migration")
	}
	m.idx = idx - 1
	return uint(cryptoMigrations[idx-1].version), nil
}

func (m *memorySource) Next(version uint) (uint, error) {
	idx := indexForVersion(version)
	if idx < 0 || idx+1 >= len(cryptoMigrations) {
		return 0, os.ErrNotExist
	}
	m.idx = idx + 1
	return uint(cryptoMigrations[idx+1].version), nil
}

func (m *memorySource) ReadUp(version uint) (io.ReadCloser, string, error) {
	idx := indexForVersion(version)
	if idx < 0 {
		return nil, "", os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader([]byte(cryptoMigrations[idx].sql))), "up", nil
}

func (m *memorySource) ReadDown(version uint) (io.ReadCloser, string, error) {
	return nil, "", os.ErrNotExist
}

func indexForVersion(version uint) int {
	for i, mg := range cryptoMigrations {
		if uint(mg.version) == version {
			return i
		}
	}
	return -1
}

// runMigrations brings db up to the latest crypto schema version using
// golang-migrate's sqlite3 driver, tracked in migrationsTable rather than
// the default schema_migrations table.
func runMigrations(db *sql.DB) error {
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("memory", newMemorySource(), "sqlite3", dbDriver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
