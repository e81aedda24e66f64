package store

import (
	"database/sql"
	"errors"
	"time"

	"openconv/go-core/internal/crypto/cryptoerr"
)

// LoadSession returns the persisted ratchet session state for
// address/deviceID.
func (s *Store) LoadSession(address string, deviceID int) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sealed []byte
	err := s.db.QueryRow(
		`SELECT session_data FROM crypto_sessions WHERE address = ? AND device_id = ?`,
		address, deviceID,
	).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "load session", err)
	}
	plain, err := s.open(sealed)
	if err != nil {
		return nil, false, err
	}
	return plain, true, nil
}

// StoreSession upserts the ratchet session state for address/deviceID,
// bumping last_used_at on every call, including updates to an existing
// row.
func (s *Store) StoreSession(address string, deviceID int, sessionData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, err := s.seal(sessionData)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "seal session", err)
	}
	now := time.Now().Unix()
	_, err = s.db.Exec(
		`INSERT INTO crypto_sessions (address, device_id, session_data, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(address, device_id) DO UPDATE SET
		   session_data = excluded.session_data,
		   last_used_at = excluded.last_used_at`,
		address, deviceID, sealed, now, now,
	)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "store session", err)
	}
	return nil
}

// DeleteSession removes a ratchet session, e.g. on explicit reset.
func (s *Store) DeleteSession(address string, deviceID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM crypto_sessions WHERE address = ? AND device_id = ?`, address, deviceID); err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "delete session", err)
	}
	return nil
}

// SaveSkippedMessageKey persists a single out-of-order message key so it
// survives a process restart, complementing the session engine's
// in-memory skipped-key cache.
func (s *Store) SaveSkippedMessageKey(sessionAddress string, sessionDeviceID int, ratchetKey []byte, messageNumber uint64, messageKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, err := s.seal(messageKey)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "seal skipped key", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO crypto_skipped_message_keys
		   (session_address, session_device_id, ratchet_key, message_number, message_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionAddress, sessionDeviceID, ratchetKey, messageNumber, sealed, time.Now().Unix(),
	)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "save skipped key", err)
	}
	return nil
}

// SkippedMessageKey is one row of the crypto_skipped_message_keys table.
type SkippedMessageKey struct {
	RatchetKey     []byte
	MessageNumber  uint64
	MessageKey     []byte
}

// LoadSkippedMessageKeys returns every skipped key recorded for a session.
func (s *Store) LoadSkippedMessageKeys(sessionAddress string, sessionDeviceID int) ([]SkippedMessageKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT ratchet_key, message_number, message_key FROM crypto_skipped_message_keys
		 WHERE session_address = ? AND session_device_id = ?`,
		sessionAddress, sessionDeviceID,
	)
	if err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "load skipped keys", err)
	}
	defer rows.Close()

	var out []SkippedMessageKey
	for rows.Next() {
		var ratchetKey, sealed []byte
		var number uint64
		if err := rows.Scan(&ratchetKey, &number, &sealed); err != nil {
			return nil, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "scan skipped key", err)
		}
		plain, err := s.open(sealed)
		if err != nil {
			return nil, err
		}
		out = append(out, SkippedMessageKey{RatchetKey: ratchetKey, MessageNumber: number, MessageKey: plain})
	}
	return out, rows.Err()
}

// CountSkippedMessageKeys reports how many skipped keys are stored for
// a session, used to enforce the per-peer hard cap.
func (s *Store) CountSkippedMessageKeys(sessionAddress string, sessionDeviceID int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM crypto_skipped_message_keys WHERE session_address = ? AND session_device_id = ?`,
		sessionAddress, sessionDeviceID,
	).Scan(&count)
	if err != nil {
		return 0, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "count skipped keys", err)
	}
	return count, nil
}

// EvictOldestSkippedMessageKey deletes the single oldest skipped key for a
// session, used to enforce the hard cap with oldest-first eviction.
func (s *Store) EvictOldestSkippedMessageKey(sessionAddress string, sessionDeviceID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`DELETE FROM crypto_skipped_message_keys WHERE id = (
		   SELECT id FROM crypto_skipped_message_keys
		   WHERE session_address = ? AND session_device_id = ?
		   ORDER BY created_at ASC LIMIT 1
		 )`,
		sessionAddress, sessionDeviceID,
	)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "evict oldest skipped key", err)
	}
	return nil
}

// DeleteExpiredSkippedMessageKeys removes skipped keys older than the
// TTL bound, called by periodic maintenance.
func (s *Store) DeleteExpiredSkippedMessageKeys(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM crypto_skipped_message_keys WHERE created_at < ?`, olderThan.Unix())
	if err != nil {
		return 0, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "delete expired skipped keys", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteSkippedMessageKey removes a single consumed skipped key.
func (s *Store) DeleteSkippedMessageKey(sessionAddress string, sessionDeviceID int, ratchetKey []byte, messageNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`DELETE FROM crypto_skipped_message_keys
		 WHERE session_address = ? AND session_device_id = ? AND ratchet_key = ? AND message_number = ?`,
		sessionAddress, sessionDeviceID, ratchetKey, messageNumber,
	)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "delete skipped key", err)
	}
	return nil
}
