// Package store implements the local, encrypted-at-rest key store: the
// single SQLite database holding the identity key pair, trusted-identity
// fingerprints, pre-key pools, ratchet sessions and skipped message keys.
//
// Whole-file encryption (SQLCipher) is not available through
// github.com/mattn/go-sqlite3 without a separate cgo build, so sensitive
// BLOB columns (private keys, session state, pre-key records) are
// individually wrapped with internal/securestore's
// Argon2id+XChaCha20-Poly1305 envelope before they reach SQLite, keyed
// by the caller-supplied passphrase.
package store

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"openconv/go-core/internal/crypto/cryptoerr"
	"openconv/go-core/internal/securestore"
)

// Store is the single entry point for all local key material
// persistence. Every exported method is safe for concurrent use; writes
// are serialized behind mu.
type Store struct {
	mu         sync.Mutex
	db         *sql.DB
	passphrase string
}

// Open creates (if needed) and opens the SQLite database at path, running
// the crypto migrations, and binds passphrase as the field-level
// encryption key for subsequent reads/writes.
func Open(path, passphrase string) (*Store, error) {
	if passphrase == "" {
		return nil, cryptoerr.New(cryptoerr.KindPassphraseRequired, "store passphrase is required")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "open sqlite database", err)
	}
	db.SetMaxOpenConns(1)
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "run crypto migrations", err)
	}
	return &Store{db: db, passphrase: passphrase}, nil
}

// Close releases the underlying database handle and wipes the in-memory
// passphrase.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passphrase = ""
	return s.db.Close()
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	return securestore.Encrypt(s.passphrase, plaintext)
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	plain, err := securestore.Decrypt(s.passphrase, sealed)
	if err != nil {
		if errors.Is(err, securestore.ErrAuthFailed) {
			return nil, cryptoerr.Wrap(cryptoerr.KindDecryptionFailed, "wrong passphrase for stored record", err)
		}
		return nil, cryptoerr.Wrap(cryptoerr.KindDecryptionFailed, "decrypt stored record", err)
	}
	return plain, nil
}

// SaveIdentity stores the local identity key pair exactly once: the
// CHECK(id = 1) constraint plus this existence check reject any attempt
// to create a second local identity.
func (s *Store) SaveIdentity(publicKey, privateKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM crypto_identity_keys WHERE id = 1`).Scan(&count); err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "check existing identity", err)
	}
	if count > 0 {
		return cryptoerr.New(cryptoerr.KindIdentityAlreadyExists, "identity already exists")
	}

	sealedPriv, err := s.seal(privateKey)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "seal private key", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO crypto_identity_keys (id, public_key, private_key, created_at) VALUES (1, ?, ?, ?)`,
		publicKey, sealedPriv, time.Now().Unix(),
	)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "insert identity", err)
	}
	return nil
}

// LoadIdentity returns the local identity key pair, or
// KindIdentityNotFound if none has been created yet.
func (s *Store) LoadIdentity() (publicKey, privateKey []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sealedPriv []byte
	row := s.db.QueryRow(`SELECT public_key, private_key FROM crypto_identity_keys WHERE id = 1`)
	if scanErr := row.Scan(&publicKey, &sealedPriv); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil, nil, cryptoerr.New(cryptoerr.KindIdentityNotFound, "identity not found")
		}
		return nil, nil, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "load identity", scanErr)
	}
	privateKey, err = s.open(sealedPriv)
	if err != nil {
		return nil, nil, err
	}
	return publicKey, privateKey, nil
}

// TrustedIdentity is a pinned, TOFU-verified identity key for a remote
// address/device pair.
type TrustedIdentity struct {
	Address      string
	DeviceID     int
	IdentityKey  []byte
	FirstSeenAt  time.Time
	VerifiedAt   *time.Time
}

// GetTrustedIdentity returns the pinned identity key for address/deviceID,
// if one has been recorded.
func (s *Store) GetTrustedIdentity(address string, deviceID int) (*TrustedIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var key []byte
	var firstSeen int64
	var verifiedAt sql.NullInt64
	row := s.db.QueryRow(
		`SELECT identity_key, first_seen_at, verified_at FROM crypto_trusted_identities WHERE address = ? AND device_id = ?`,
		address, deviceID,
	)
	if err := row.Scan(&key, &firstSeen, &verifiedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "load trusted identity", err)
	}
	ti := &TrustedIdentity{
		Address:     address,
		DeviceID:    deviceID,
		IdentityKey: key,
		FirstSeenAt: time.Unix(firstSeen, 0).UTC(),
	}
	if verifiedAt.Valid {
		t := time.Unix(verifiedAt.Int64, 0).UTC()
		ti.VerifiedAt = &t
	}
	return ti, nil
}

// SaveTrustedIdentity pins identityKey as trusted (TOFU) for
// address/deviceID, recording the first-seen timestamp only on first
// insert.
func (s *Store) SaveTrustedIdentity(address string, deviceID int, identityKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO crypto_trusted_identities (address, device_id, identity_key, first_seen_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(address, device_id) DO UPDATE SET identity_key = excluded.identity_key`,
		address, deviceID, identityKey, time.Now().Unix(),
	)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "save trusted identity", err)
	}
	return nil
}

// MarkTrustedIdentityVerified records that the operator confirmed
// identityKey out-of-band (fingerprint comparison).
func (s *Store) MarkTrustedIdentityVerified(address string, deviceID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE crypto_trusted_identities SET verified_at = ? WHERE address = ? AND device_id = ?`,
		time.Now().Unix(), address, deviceID,
	)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "mark trusted identity verified", err)
	}
	return nil
}

// GetConfig reads a single crypto_config value, such as the local
// registration id or PQXDH capability flags.
func (s *Store) GetConfig(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM crypto_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "load config", err)
	}
	return value, true, nil
}

// SetConfig upserts a single crypto_config value.
func (s *Store) SetConfig(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO crypto_config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "save config", err)
	}
	return nil
}
