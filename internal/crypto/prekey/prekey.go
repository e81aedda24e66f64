// Package prekey manages the local pool of one-time pre-keys, the signed
// pre-key and the Kyber (ML-KEM-768) last-resort pre-key that together
// form the PQXDH bundle published to the server.
package prekey

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/curve25519"

	"openconv/go-core/internal/crypto/cryptoerr"
	"openconv/go-core/internal/crypto/identity"
	"openconv/go-core/internal/crypto/store"
)

// LowWaterMark is the unuploaded one-time pre-key count below which a
// refill batch should be generated.
const LowWaterMark = 20

// RefillBatchSize is how many one-time pre-keys a refill generates.
const RefillBatchSize = 100

// SignedPreKeyLifetime is how long a signed pre-key remains the active
// one before rotation is due.
const SignedPreKeyLifetime = 7 * 24 * time.Hour

// SignedPreKeyGraceWindow is how long a rotated-out signed pre-key stays
// readable so in-flight X3DH sessions against it still complete.
const SignedPreKeyGraceWindow = 48 * time.Hour

const (
	configCurrentSPKID   = "prekey_current_spk_id"
	configCurrentKyberID = "prekey_current_kyber_id"
	configNextOTPKID     = "prekey_next_otpk_id"
	configNextSPKID      = "prekey_next_spk_id"
	configNextKyberID    = "prekey_next_kyber_id"
	configStaleSPKs      = "prekey_stale_spk_ids"
)

type staleSignedPreKey struct {
	KeyID     uint32    `json:"key_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OneTimeRecord is the persisted shape of a single one-time pre-key.
type OneTimeRecord struct {
	KeyID      uint32    `json:"key_id"`
	PrivateKey []byte    `json:"private_key"`
	PublicKey  []byte    `json:"public_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// SignedRecord is the persisted shape of the signed pre-key.
type SignedRecord struct {
	KeyID      uint32    `json:"key_id"`
	PrivateKey []byte    `json:"private_key"`
	PublicKey  []byte    `json:"public_key"`
	Signature  []byte    `json:"signature"`
	CreatedAt  time.Time `json:"created_at"`
}

// KyberRecord is the persisted shape of a Kyber last-resort pre-key.
type KyberRecord struct {
	KeyID          uint32    `json:"key_id"`
	PrivateKeyBlob []byte    `json:"private_key_blob"`
	PublicKeyBlob  []byte    `json:"public_key_blob"`
	Signature      []byte    `json:"signature"`
	CreatedAt      time.Time `json:"created_at"`
}

// Bundle is the public pre-key bundle published to the server for
// peers to run X3DH/PQXDH against.
type Bundle struct {
	IdentityKey        []byte  `json:"identity_key"`
	IdentitySigningKey []byte  `json:"identity_signing_key"`
	RegistrationID     uint16  `json:"registration_id"`
	DeviceID           uint32  `json:"device_id"`
	SignedPreKeyID     uint32  `json:"signed_pre_key_id"`
	SignedPreKey       []byte  `json:"signed_pre_key"`
	SignedPreKeySig    []byte  `json:"signed_pre_key_signature"`
	OneTimeKeyID       *uint32 `json:"one_time_pre_key_id,omitempty"`
	OneTimePreKey      []byte  `json:"one_time_pre_key,omitempty"`
	KyberKeyID         uint32  `json:"kyber_pre_key_id"`
	KyberPreKey        []byte  `json:"kyber_pre_key"`
	KyberPreKeySig     []byte  `json:"kyber_pre_key_signature"`
}

// Manager owns the local pre-key pools backed by a Store.
type Manager struct {
	store *store.Store
}

func NewManager(s *store.Store) *Manager {
	return &Manager{store: s}
}

// GenerateOneTimeBatch creates count fresh Curve25519 one-time pre-keys
// starting at startID and persists them, unuploaded.
func (m *Manager) GenerateOneTimeBatch(startID uint32, count int) ([]OneTimeRecord, error) {
	out := make([]OneTimeRecord, 0, count)
	for i := 0; i < count; i++ {
		priv := make([]byte, 32)
		if _, err := rand.Read(priv); err != nil {
			return nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "generate one-time pre-key", err)
		}
		pub, err := curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil {
			return nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "derive one-time pre-key public", err)
		}
		rec := OneTimeRecord{KeyID: startID + uint32(i), PrivateKey: priv, PublicKey: pub, CreatedAt: time.Now().UTC()}
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		if err := m.store.SavePreKey(rec.KeyID, raw); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// NeedsRefill reports whether the unuploaded one-time pre-key reserve has
// dropped below LowWaterMark.
func (m *Manager) NeedsRefill() (bool, error) {
	count, err := m.store.CountUnuploadedPreKeys()
	if err != nil {
		return false, err
	}
	return count < LowWaterMark, nil
}

// ConsumeOneTimePreKey returns and deletes the one-time pre-key for keyID,
// as happens once a peer's X3DH handshake consumes it.
func (m *Manager) ConsumeOneTimePreKey(keyID uint32) (*OneTimeRecord, error) {
	raw, ok, err := m.store.GetPreKey(keyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var rec OneTimeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "decode one-time pre-key", err)
	}
	if err := m.store.RemovePreKey(keyID); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RotateSignedPreKey generates a new signed pre-key, signed with the
// local identity key, and persists it.
func (m *Manager) RotateSignedPreKey(keyID uint32, idKeys *identity.KeyPair) (*SignedRecord, error) {
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "generate signed pre-key", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "derive signed pre-key public", err)
	}
	sig := idKeys.SignBundle(SignedPreKeySigningBytes(keyID, pub))

	rec := SignedRecord{KeyID: keyID, PrivateKey: priv, PublicKey: pub, Signature: sig, CreatedAt: time.Now().UTC()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveSignedPreKey(keyID, raw); err != nil {
		return nil, err
	}
	return &rec, nil
}

// LoadSignedPreKey returns the persisted signed pre-key for keyID.
func (m *Manager) LoadSignedPreKey(keyID uint32) (*SignedRecord, error) {
	raw, ok, err := m.store.GetSignedPreKey(keyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var rec SignedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "decode signed pre-key", err)
	}
	return &rec, nil
}

// GenerateKyberLastResort creates a fresh ML-KEM-768 last-resort
// pre-key, signed with the local identity key, and persists it. Unlike
// one-time pre-keys these are never deleted after use (see
// store.MarkKyberPreKeyUsed).
func (m *Manager) GenerateKyberLastResort(keyID uint32, idKeys *identity.KeyPair) (*KyberRecord, error) {
	pub, priv, err := mlkem768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "generate kyber pre-key", err)
	}
	pubBlob := make([]byte, mlkem768.PublicKeySize)
	privBlob := make([]byte, mlkem768.PrivateKeySize)
	pub.Pack(pubBlob)
	priv.Pack(privBlob)
	sig := idKeys.SignBundle(KyberPreKeySigningBytes(keyID, pubBlob))

	rec := KyberRecord{KeyID: keyID, PrivateKeyBlob: privBlob, PublicKeyBlob: pubBlob, Signature: sig, CreatedAt: time.Now().UTC()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveKyberPreKey(keyID, raw); err != nil {
		return nil, err
	}
	return &rec, nil
}

// LoadKyberPreKey returns the persisted Kyber pre-key for keyID.
func (m *Manager) LoadKyberPreKey(keyID uint32) (*KyberRecord, error) {
	raw, ok, err := m.store.GetKyberPreKey(keyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var rec KyberRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "decode kyber pre-key", err)
	}
	return &rec, nil
}

// SignedPreKeySigningBytes returns the canonical bytes a signed pre-key's
// signature is computed over, exported so the session package can verify a
// remote bundle's signature the same way it was produced.
func SignedPreKeySigningBytes(keyID uint32, pub []byte) []byte {
	b := make([]byte, 0, 4+len(pub))
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], keyID)
	b = append(b, idBuf[:]...)
	b = append(b, pub...)
	return b
}

// Bootstrap generates the initial one-time pre-key pool, signed pre-key
// and Kyber last-resort key for a freshly created identity, called once
// right after identity.Manager.GenerateIdentity.
func (m *Manager) Bootstrap(idKeys *identity.KeyPair) (*SignedRecord, *KyberRecord, error) {
	if _, err := m.GenerateOneTimeBatch(1, RefillBatchSize); err != nil {
		return nil, nil, err
	}
	if err := m.store.SetConfig(configNextOTPKID, encodeUint32(RefillBatchSize+1)); err != nil {
		return nil, nil, err
	}

	spk, err := m.RotateSignedPreKey(1, idKeys)
	if err != nil {
		return nil, nil, err
	}
	if err := m.store.SetConfig(configNextSPKID, encodeUint32(2)); err != nil {
		return nil, nil, err
	}

	kyber, err := m.GenerateKyberLastResort(1, idKeys)
	if err != nil {
		return nil, nil, err
	}
	if err := m.store.SetConfig(configCurrentKyberID, encodeUint32(1)); err != nil {
		return nil, nil, err
	}
	if err := m.store.SetConfig(configNextKyberID, encodeUint32(2)); err != nil {
		return nil, nil, err
	}
	return spk, kyber, nil
}

// EnsureOneTimePool refills the one-time pre-key reserve up to
// RefillBatchSize whenever it has dropped below LowWaterMark, returning
// the number of keys generated (0 if no refill was needed).
func (m *Manager) EnsureOneTimePool() (int, error) {
	needs, err := m.NeedsRefill()
	if err != nil {
		return 0, err
	}
	if !needs {
		return 0, nil
	}
	start, err := m.nextID(configNextOTPKID)
	if err != nil {
		return 0, err
	}
	recs, err := m.GenerateOneTimeBatch(start, RefillBatchSize)
	if err != nil {
		return 0, err
	}
	if err := m.store.SetConfig(configNextOTPKID, encodeUint32(start+uint32(len(recs)))); err != nil {
		return 0, err
	}
	return len(recs), nil
}

// PickBundleOneTimePreKey returns an unreserved one-time pre-key for
// inclusion in a publishable bundle, or nil if the pool is empty (the
// PQXDH path then falls back to the Kyber last-resort key alone).
func (m *Manager) PickBundleOneTimePreKey() (*OneTimeRecord, error) {
	keyID, raw, ok, err := m.store.PickUnuploadedPreKey()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var rec OneTimeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "decode reserved pre-key", err)
	}
	_ = keyID
	return &rec, nil
}

// RotateCurrentSignedPreKey generates a fresh signed pre-key, makes it
// current, and retains the previous current key for SignedPreKeyGraceWindow
// before it becomes eligible for deletion by PruneStaleSignedPreKeys.
func (m *Manager) RotateCurrentSignedPreKey(idKeys *identity.KeyPair) (*SignedRecord, error) {
	newID, err := m.nextID(configNextSPKID)
	if err != nil {
		return nil, err
	}
	if oldIDRaw, ok, err := m.store.GetConfig(configCurrentSPKID); err != nil {
		return nil, err
	} else if ok {
		oldID := decodeUint32(oldIDRaw)
		if err := m.markSignedPreKeyStale(oldID); err != nil {
			return nil, err
		}
	}

	rec, err := m.RotateSignedPreKey(newID, idKeys)
	if err != nil {
		return nil, err
	}
	if err := m.store.SetConfig(configCurrentSPKID, encodeUint32(newID)); err != nil {
		return nil, err
	}
	if err := m.store.SetConfig(configNextSPKID, encodeUint32(newID+1)); err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Manager) markSignedPreKeyStale(keyID uint32) error {
	var list []staleSignedPreKey
	if raw, ok, err := m.store.GetConfig(configStaleSPKs); err != nil {
		return err
	} else if ok {
		if err := json.Unmarshal(raw, &list); err != nil {
			return cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "decode stale spk list", err)
		}
	}
	list = append(list, staleSignedPreKey{KeyID: keyID, ExpiresAt: time.Now().UTC().Add(SignedPreKeyGraceWindow)})
	raw, err := json.Marshal(list)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindSerializationError, "encode stale spk list", err)
	}
	return m.store.SetConfig(configStaleSPKs, raw)
}

// PruneStaleSignedPreKeys deletes any rotated-out signed pre-keys whose
// grace window has elapsed as of now.
func (m *Manager) PruneStaleSignedPreKeys(now time.Time) (int, error) {
	raw, ok, err := m.store.GetConfig(configStaleSPKs)
	if err != nil || !ok {
		return 0, err
	}
	var list []staleSignedPreKey
	if err := json.Unmarshal(raw, &list); err != nil {
		return 0, cryptoerr.Wrap(cryptoerr.KindStorageUnavailable, "decode stale spk list", err)
	}
	var remaining []staleSignedPreKey
	removed := 0
	for _, s := range list {
		if !now.Before(s.ExpiresAt) {
			if err := m.store.RemoveSignedPreKey(s.KeyID); err != nil {
				return removed, err
			}
			removed++
			continue
		}
		remaining = append(remaining, s)
	}
	if removed == 0 {
		return 0, nil
	}
	newRaw, err := json.Marshal(remaining)
	if err != nil {
		return removed, cryptoerr.Wrap(cryptoerr.KindSerializationError, "encode stale spk list", err)
	}
	return removed, m.store.SetConfig(configStaleSPKs, newRaw)
}

// CurrentSignedPreKey returns the signed pre-key currently published in
// outgoing bundles.
func (m *Manager) CurrentSignedPreKey() (*SignedRecord, error) {
	idRaw, ok, err := m.store.GetConfig(configCurrentSPKID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cryptoerr.New(cryptoerr.KindInvalidKeyMaterial, "no current signed pre-key; call Bootstrap first")
	}
	return m.LoadSignedPreKey(decodeUint32(idRaw))
}

// CurrentKyberPreKey returns the Kyber last-resort pre-key currently
// published in outgoing bundles.
func (m *Manager) CurrentKyberPreKey() (*KyberRecord, error) {
	idRaw, ok, err := m.store.GetConfig(configCurrentKyberID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cryptoerr.New(cryptoerr.KindInvalidKeyMaterial, "no current kyber pre-key; call Bootstrap first")
	}
	return m.LoadKyberPreKey(decodeUint32(idRaw))
}

// AssembleBundle builds the publishable pre-key bundle for the local
// identity: current signed pre-key, current Kyber last-resort key, and
// (if the pool is not empty) one reserved one-time pre-key.
func (m *Manager) AssembleBundle(idRecord *identity.Record, deviceID uint32) (*Bundle, error) {
	spk, err := m.CurrentSignedPreKey()
	if err != nil {
		return nil, err
	}
	kyber, err := m.CurrentKyberPreKey()
	if err != nil {
		return nil, err
	}
	otpk, err := m.PickBundleOneTimePreKey()
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{
		IdentityKey:        idRecord.DHPublicKey,
		IdentitySigningKey: idRecord.SigningPublicKey,
		RegistrationID:     idRecord.RegistrationID,
		DeviceID:           deviceID,
		SignedPreKeyID:     spk.KeyID,
		SignedPreKey:       spk.PublicKey,
		SignedPreKeySig:    spk.Signature,
		KyberKeyID:         kyber.KeyID,
		KyberPreKey:        kyber.PublicKeyBlob,
		KyberPreKeySig:     kyber.Signature,
	}
	if otpk != nil {
		id := otpk.KeyID
		bundle.OneTimeKeyID = &id
		bundle.OneTimePreKey = otpk.PublicKey
	}
	return bundle, nil
}

func (m *Manager) nextID(configKey string) (uint32, error) {
	raw, ok, err := m.store.GetConfig(configKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	return decodeUint32(raw), nil
}

func encodeUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func decodeUint32(buf []byte) uint32 {
	if len(buf) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(buf)
}

// KyberPreKeySigningBytes returns the canonical bytes a Kyber last-resort
// pre-key's signature is computed over.
func KyberPreKeySigningBytes(keyID uint32, pubBlob []byte) []byte {
	b := make([]byte, 0, 4+len(pubBlob))
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], keyID)
	b = append(b, idBuf[:]...)
	b = append(b, pubBlob...)
	return b
}
