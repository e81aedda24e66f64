package store

import (
	"database/sql"
	"errors"
	"time"

	"openconv/go-core/internal/crypto/cryptoerr"
)

// SavePreKey inserts or replaces a one-time pre-key record. New records
// always start unuploaded; a re-save resets the uploaded flag.
func (s *Store) SavePreKey(keyID uint32, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, err := s.seal(record)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "seal pre-key", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO crypto_pre_keys (key_id, record, uploaded, created_at) VALUES (?, ?, 0, ?)`,
		keyID, sealed, time.Now().Unix(),
	)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "save pre-key", err)
	}
	return nil
}

// GetPreKey returns the one-time pre-key record for keyID.
func (s *Store) GetPreKey(keyID uint32) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sealed []byte
	err := s.db.QueryRow(`SELECT record FROM crypto_pre_keys WHERE key_id = ?`, keyID).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "load pre-key", err)
	}
	plain, err := s.open(sealed)
	if err != nil {
		return nil, false, err
	}
	return plain, true, nil
}

// MarkPreKeyUploaded flips the uploaded flag once a pre-key has been
// published to the server's pre-key bundle endpoint.
func (s *Store) MarkPreKeyUploaded(keyID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE crypto_pre_keys SET uploaded = 1 WHERE key_id = ?`, keyID)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "mark pre-key uploaded", err)
	}
	return nil
}

// CountUnuploadedPreKeys reports the local pre-key reserve not yet known
// to be on the server, used to decide whether a refill batch is due.
func (s *Store) CountUnuploadedPreKeys() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM crypto_pre_keys WHERE uploaded = 0`).Scan(&count); err != nil {
		return 0, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "count pre-keys", err)
	}
	return count, nil
}

// RemovePreKey deletes a consumed one-time pre-key. Deleting a key that
// does not exist is not an error.
func (s *Store) RemovePreKey(keyID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM crypto_pre_keys WHERE key_id = ?`, keyID); err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "remove pre-key", err)
	}
	return nil
}

// SaveSignedPreKey inserts or replaces the signed pre-key record.
func (s *Store) SaveSignedPreKey(keyID uint32, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, err := s.seal(record)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "seal signed pre-key", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO crypto_signed_pre_keys (key_id, record, created_at) VALUES (?, ?, ?)`,
		keyID, sealed, time.Now().Unix(),
	)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "save signed pre-key", err)
	}
	return nil
}

// GetSignedPreKey returns the signed pre-key record for keyID.
func (s *Store) GetSignedPreKey(keyID uint32) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sealed []byte
	err := s.db.QueryRow(`SELECT record FROM crypto_signed_pre_keys WHERE key_id = ?`, keyID).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "load signed pre-key", err)
	}
	plain, err := s.open(sealed)
	if err != nil {
		return nil, false, err
	}
	return plain, true, nil
}

// SaveKyberPreKey inserts or replaces a Kyber (ML-KEM-768) last-resort
// pre-key record.
func (s *Store) SaveKyberPreKey(keyID uint32, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, err := s.seal(record)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "seal kyber pre-key", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO crypto_kyber_pre_keys (key_id, record, created_at) VALUES (?, ?, ?)`,
		keyID, sealed, time.Now().Unix(),
	)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "save kyber pre-key", err)
	}
	return nil
}

// GetKyberPreKey returns the Kyber pre-key record for keyID.
func (s *Store) GetKyberPreKey(keyID uint32) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sealed []byte
	err := s.db.QueryRow(`SELECT record FROM crypto_kyber_pre_keys WHERE key_id = ?`, keyID).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "load kyber pre-key", err)
	}
	plain, err := s.open(sealed)
	if err != nil {
		return nil, false, err
	}
	return plain, true, nil
}

// PickUnuploadedPreKey atomically returns and reserves (marks uploaded)
// one not-yet-handed-out one-time pre-key, so concurrent bundle requests
// never hand out the same key twice. Returns ok=false if the pool is
// empty, in which case callers fall back to the Kyber last-resort key.
func (s *Store) PickUnuploadedPreKey() (keyID uint32, record []byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT key_id, record FROM crypto_pre_keys WHERE uploaded = 0 ORDER BY key_id LIMIT 1`)
	var sealed []byte
	if scanErr := row.Scan(&keyID, &sealed); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return 0, nil, false, nil
		}
		return 0, nil, false, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "pick pre-key", scanErr)
	}
	if _, execErr := s.db.Exec(`UPDATE crypto_pre_keys SET uploaded = 1 WHERE key_id = ?`, keyID); execErr != nil {
		return 0, nil, false, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "reserve pre-key", execErr)
	}
	plain, err := s.open(sealed)
	if err != nil {
		return 0, nil, false, err
	}
	return keyID, plain, true, nil
}

// RemoveSignedPreKey deletes a signed pre-key once its rotation grace
// window has elapsed.
func (s *Store) RemoveSignedPreKey(keyID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM crypto_signed_pre_keys WHERE key_id = ?`, keyID); err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "remove signed pre-key", err)
	}
	return nil
}

// MarkKyberPreKeyUsed is intentionally a no-op. Kyber last-resort keys
// are never deleted after use in this version: unlike Curve25519
// one-time pre-keys, a last-resort KEM key must stay available for
// every future handshake that finds the one-time pool empty.
func (s *Store) MarkKyberPreKeyUsed(keyID uint32) error {
	return nil
}
