// Package store (imported as authstore) is the server-side durable store
// behind authentication: user accounts, device bindings, the pre-key bundles
// clients publish, and refresh-token families. It is deliberately
// separate from internal/crypto/store, which is the client's own local
// encrypted key store — this package never sees private key material,
// only the opaque public bundle a client chooses to publish.
//
// Like internal/crypto/store it is a single SQLite connection guarded
// by a mutex, migrated with golang-migrate under its own tracking table
// so it never collides with the client key store's _crypto_migrations
// or with the guild/channel/message schema another service might own in
// the same physical database.
package store

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/mattn/go-sqlite3"

	"openconv/go-core/internal/apperr"
)

const migrationsTable = "_auth_migrations"

const schemaV1 = `
CREATE TABLE IF NOT EXISTS auth_users (
    id                  TEXT PRIMARY KEY,
    email               TEXT NOT NULL UNIQUE,
    display_name        TEXT NOT NULL,
    identity_public_key BLOB NOT NULL UNIQUE,
    created_at          INTEGER NOT NULL,
    recovered_at        INTEGER
);

CREATE TABLE IF NOT EXISTS auth_devices (
    id          TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    device_name TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    PRIMARY KEY (user_id, id)
);

CREATE TABLE IF NOT EXISTS auth_prekey_bundles (
    user_id     TEXT NOT NULL,
    device_id   TEXT NOT NULL,
    bundle_json BLOB NOT NULL,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (user_id, device_id)
);

CREATE TABLE IF NOT EXISTS auth_refresh_families (
    family_id   TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    device_id   TEXT NOT NULL,
    current_jti TEXT NOT NULL,
    issued_at   INTEGER NOT NULL,
    revoked_at  INTEGER
);
`

// Store is the server's user/device/refresh-family persistence layer.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates (if needed) and migrates the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindServiceUnavailable, "open auth database", err)
	}
	db.SetMaxOpenConns(1)
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.KindServiceUnavailable, "migrate auth database", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return err
	}
	src := &singleVersionSource{sql: schemaV1}
	m, err := migrate.NewWithInstance("memory", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// User is the durable record created at registration.
type User struct {
	ID                string
	Email             string
	DisplayName       string
	IdentityPublicKey []byte
	CreatedAt         time.Time
	RecoveredAt       *time.Time
}

// ErrAlreadyExists is returned by CreateUser on a duplicate email or
// identity key.
var ErrAlreadyExists = errors.New("already exists")

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("not found")

// CreateUser inserts a new user row, failing with ErrAlreadyExists if
// the email or identity key is already registered.
func (s *Store) CreateUser(id, email, displayName string, identityPublicKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO auth_users (id, email, display_name, identity_public_key, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, email, displayName, identityPublicKey, time.Now().Unix(),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "create user", err)
	}
	return nil
}

func (s *Store) GetUserByEmail(email string) (*User, error) {
	return s.queryUser(`SELECT id, email, display_name, identity_public_key, created_at, recovered_at FROM auth_users WHERE email = ?`, email)
}

func (s *Store) GetUserByID(id string) (*User, error) {
	return s.queryUser(`SELECT id, email, display_name, identity_public_key, created_at, recovered_at FROM auth_users WHERE id = ?`, id)
}

func (s *Store) GetUserByIdentityKey(key []byte) (*User, error) {
	return s.queryUser(`SELECT id, email, display_name, identity_public_key, created_at, recovered_at FROM auth_users WHERE identity_public_key = ?`, key)
}

func (s *Store) queryUser(query string, arg any) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var u User
	var createdAt int64
	var recoveredAt sql.NullInt64
	row := s.db.QueryRow(query, arg)
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.IdentityPublicKey, &createdAt, &recoveredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, apperr.Wrap(apperr.KindServiceUnavailable, "load user", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	if recoveredAt.Valid {
		t := time.Unix(recoveredAt.Int64, 0).UTC()
		u.RecoveredAt = &t
	}
	return &u, nil
}

// UpdateIdentityKey replaces a user's identity public key (account
// recovery) and stamps recovered_at.
func (s *Store) UpdateIdentityKey(userID string, newKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE auth_users SET identity_public_key = ?, recovered_at = ? WHERE id = ?`,
		newKey, time.Now().Unix(), userID,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "update identity key", err)
	}
	return nil
}

// UpsertDevice records or refreshes a device binding for userID.
func (s *Store) UpsertDevice(userID, deviceID, deviceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO auth_devices (id, user_id, device_name, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, id) DO UPDATE SET device_name = excluded.device_name`,
		deviceID, userID, deviceName, time.Now().Unix(),
	)
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "upsert device", err)
	}
	return nil
}

// SavePreKeyBundle stores the opaque pre-key bundle a device published.
func (s *Store) SavePreKeyBundle(userID, deviceID string, bundleJSON []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO auth_prekey_bundles (user_id, device_id, bundle_json, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, device_id) DO UPDATE SET bundle_json = excluded.bundle_json, updated_at = excluded.updated_at`,
		userID, deviceID, bundleJSON, time.Now().Unix(),
	)
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "save pre-key bundle", err)
	}
	return nil
}

// GetPreKeyBundle returns the most recently published bundle for
// (userID, deviceID).
func (s *Store) GetPreKeyBundle(userID, deviceID string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var raw []byte
	err := s.db.QueryRow(
		`SELECT bundle_json FROM auth_prekey_bundles WHERE user_id = ? AND device_id = ?`,
		userID, deviceID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindServiceUnavailable, "load pre-key bundle", err)
	}
	return raw, true, nil
}

// RefreshFamily is one rotation chain of refresh tokens.
type RefreshFamily struct {
	FamilyID   string
	UserID     string
	DeviceID   string
	CurrentJTI string
	IssuedAt   time.Time
	RevokedAt  *time.Time
}

// CreateRefreshFamily starts a new rotation chain.
func (s *Store) CreateRefreshFamily(familyID, userID, deviceID, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO auth_refresh_families (family_id, user_id, device_id, current_jti, issued_at) VALUES (?, ?, ?, ?, ?)`,
		familyID, userID, deviceID, jti, time.Now().Unix(),
	)
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "create refresh family", err)
	}
	return nil
}

// GetRefreshFamily returns a family by id.
func (s *Store) GetRefreshFamily(familyID string) (*RefreshFamily, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var f RefreshFamily
	var issuedAt int64
	var revokedAt sql.NullInt64
	err := s.db.QueryRow(
		`SELECT family_id, user_id, device_id, current_jti, issued_at, revoked_at FROM auth_refresh_families WHERE family_id = ?`,
		familyID,
	).Scan(&f.FamilyID, &f.UserID, &f.DeviceID, &f.CurrentJTI, &issuedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindServiceUnavailable, "load refresh family", err)
	}
	f.IssuedAt = time.Unix(issuedAt, 0).UTC()
	if revokedAt.Valid {
		t := time.Unix(revokedAt.Int64, 0).UTC()
		f.RevokedAt = &t
	}
	return &f, nil
}

// RotateRefreshFamily advances a family's current_jti, refusing if the
// family has been revoked.
func (s *Store) RotateRefreshFamily(familyID, newJTI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE auth_refresh_families SET current_jti = ?, issued_at = ? WHERE family_id = ? AND revoked_at IS NULL`,
		newJTI, time.Now().Unix(), familyID,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "rotate refresh family", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(apperr.KindUnauthorized, "refresh family is revoked")
	}
	return nil
}

// RevokeRefreshFamily burns an entire rotation chain (reuse detection).
func (s *Store) RevokeRefreshFamily(familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE auth_refresh_families SET revoked_at = ? WHERE family_id = ? AND revoked_at IS NULL`, time.Now().Unix(), familyID)
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "revoke refresh family", err)
	}
	return nil
}

// RevokeAllFamiliesForUser burns every rotation chain belonging to
// userID, used by account recovery to force reauthentication on every
// device.
func (s *Store) RevokeAllFamiliesForUser(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE auth_refresh_families SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL`, time.Now().Unix(), userID)
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "revoke user refresh families", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && sqliteErrContains(err, "UNIQUE constraint failed")
}

func sqliteErrContains(err error, substr string) bool {
	type stringer interface{ Error() string }
	var se stringer = err
	s := se.Error()
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
