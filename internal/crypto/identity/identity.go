// Package identity manages the single local identity key pair: its
// creation, its Curve25519 DH key and Ed25519 signing key (both derived
// from one seed via domain-separated HKDF expansion), and its canonical
// string id.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"openconv/go-core/internal/crypto/cryptoerr"
	"openconv/go-core/internal/crypto/store"
)

const (
	hkdfInfoSigning = "openconv/identity/signing/v1"
	hkdfInfoDH      = "openconv/identity/dh/v1"

	// MinRegistrationID and MaxRegistrationID bound the random
	// registration id assigned at identity creation.
	MinRegistrationID = 1
	MaxRegistrationID = 16380

	idPrefix = "oc1"

	// publicKeyTypeDJB prefixes the exported DH public key, yielding the
	// 33-byte compressed form the wire protocol carries.
	publicKeyTypeDJB = 0x05
)

// KeyPair holds the local identity's private material. SigningPrivateKey
// signs pre-key bundles and device certificates; DHPrivateKey is the
// Curve25519 scalar used directly in X3DH/PQXDH key agreement.
type KeyPair struct {
	SigningPrivateKey ed25519.PrivateKey
	SigningPublicKey  ed25519.PublicKey
	DHPrivateKey      []byte // 32 bytes
	DHPublicKey       []byte // 32 bytes
}

// Record is the persisted, public-facing view of a local identity.
type Record struct {
	ID               string
	RegistrationID   uint16
	SigningPublicKey []byte
	DHPublicKey      []byte
}

// DeriveKeyPair expands a 32-byte seed into a signing key and a DH key
// pair using domain-separated HKDF expansion, keeping signing and
// encryption material independent.
func DeriveKeyPair(seed []byte) (*KeyPair, error) {
	if len(seed) != 32 {
		return nil, cryptoerr.New(cryptoerr.KindInvalidKeyMaterial, "identity seed must be 32 bytes")
	}

	signingSeed, err := hkdfExpand(seed, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "derive signing seed", err)
	}
	dhSeed, err := hkdfExpand(seed, hkdfInfoDH, 32)
	if err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "derive dh seed", err)
	}
	clampScalar(dhSeed)

	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	signingPub := signingPriv.Public().(ed25519.PublicKey)

	dhPub, err := curve25519.X25519(dhSeed, curve25519.Basepoint)
	if err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "derive dh public key", err)
	}

	return &KeyPair{
		SigningPrivateKey: signingPriv,
		SigningPublicKey:  signingPub,
		DHPrivateKey:      dhSeed,
		DHPublicKey:       dhPub,
	}, nil
}

// BuildIdentityID derives the canonical "oc1..." id from the signing
// public key as base58(blake2b(pubkey)).
func BuildIdentityID(signingPublicKey []byte) (string, error) {
	if len(signingPublicKey) != ed25519.PublicKeySize {
		return "", cryptoerr.New(cryptoerr.KindInvalidKeyMaterial, fmt.Sprintf("invalid signing public key size: %d", len(signingPublicKey)))
	}
	h := blake2b.Sum256(signingPublicKey)
	return idPrefix + base58.Encode(h[:]), nil
}

// VerifyIdentityID reports whether identityID was derived from signing
// public key.
func VerifyIdentityID(identityID string, signingPublicKey []byte) (bool, error) {
	expected, err := BuildIdentityID(signingPublicKey)
	if err != nil {
		return false, err
	}
	return identityID == expected, nil
}

// SignBundle signs arbitrary canonical bytes (a pre-key bundle, a device
// certificate, a contact card) with the identity's signing key.
func (kp *KeyPair) SignBundle(canonical []byte) []byte {
	return ed25519.Sign(kp.SigningPrivateKey, canonical)
}

// VerifyBundleSignature verifies a signature produced by SignBundle.
func VerifyBundleSignature(signingPublicKey, canonical, signature []byte) bool {
	if len(signingPublicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(signingPublicKey, canonical, signature)
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// clampScalar applies the standard X25519 scalar clamp so the derived DH
// seed is a valid Curve25519 private scalar.
func clampScalar(k []byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// Manager owns the local identity lifecycle (generate/get/sign) against a
// Store, the only place outside this package's internals where identity
// private bytes are reconstructed.
type Manager struct {
	store *store.Store
}

// NewManager returns a Manager backed by s.
func NewManager(s *store.Store) *Manager {
	return &Manager{store: s}
}

// identityPayload is the JSON shape sealed into the store's private_key
// column. SigningPublicKey travels as the store's plaintext public_key
// column instead, since it doubles as the lookup key.
type identityPayload struct {
	SigningPrivateKey []byte `json:"signing_private_key"`
	DHPrivateKey      []byte `json:"dh_private_key"`
	DHPublicKey       []byte `json:"dh_public_key"`
	RegistrationID    uint16 `json:"registration_id"`
}

// GenerateIdentity creates the local identity keypair and registration id
// exactly once, refusing with KindIdentityAlreadyExists if one already
// exists.
func (m *Manager) GenerateIdentity() (*Record, *KeyPair, error) {
	if _, _, err := m.store.LoadIdentity(); err == nil {
		return nil, nil, cryptoerr.New(cryptoerr.KindIdentityAlreadyExists, "identity already exists")
	} else if !cryptoerr.Is(err, cryptoerr.KindIdentityNotFound) {
		return nil, nil, err
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "generate identity seed", err)
	}
	kp, err := DeriveKeyPair(seed)
	if err != nil {
		return nil, nil, err
	}
	regID, err := randomRegistrationID()
	if err != nil {
		return nil, nil, err
	}

	payload := identityPayload{
		SigningPrivateKey: kp.SigningPrivateKey,
		DHPrivateKey:      kp.DHPrivateKey,
		DHPublicKey:       kp.DHPublicKey,
		RegistrationID:    regID,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, cryptoerr.Wrap(cryptoerr.KindSerializationError, "encode identity payload", err)
	}
	if err := m.store.SaveIdentity(kp.SigningPublicKey, raw); err != nil {
		return nil, nil, err
	}

	id, err := BuildIdentityID(kp.SigningPublicKey)
	if err != nil {
		return nil, nil, err
	}
	return &Record{ID: id, RegistrationID: regID, SigningPublicKey: kp.SigningPublicKey, DHPublicKey: kp.DHPublicKey}, kp, nil
}

// GetIdentity returns the stored identity, or KindIdentityNotFound if
// GenerateIdentity has never been called.
func (m *Manager) GetIdentity() (*Record, *KeyPair, error) {
	signingPub, rawPriv, err := m.store.LoadIdentity()
	if err != nil {
		return nil, nil, err
	}
	var payload identityPayload
	if err := json.Unmarshal(rawPriv, &payload); err != nil {
		return nil, nil, cryptoerr.Wrap(cryptoerr.KindSerializationError, "decode identity payload", err)
	}
	kp := &KeyPair{
		SigningPrivateKey: ed25519.PrivateKey(payload.SigningPrivateKey),
		SigningPublicKey:  ed25519.PublicKey(signingPub),
		DHPrivateKey:      payload.DHPrivateKey,
		DHPublicKey:       payload.DHPublicKey,
	}
	id, err := BuildIdentityID(signingPub)
	if err != nil {
		return nil, nil, err
	}
	return &Record{ID: id, RegistrationID: payload.RegistrationID, SigningPublicKey: signingPub, DHPublicKey: payload.DHPublicKey}, kp, nil
}

// GetPublicKeyString returns the base64 encoding of the local identity's
// 33-byte compressed DH public key, for API transit.
func (m *Manager) GetPublicKeyString() (string, error) {
	rec, _, err := m.GetIdentity()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(CompressPublicKey(rec.DHPublicKey)), nil
}

// CompressPublicKey prepends the key-type byte to a raw 32-byte DH
// public key, producing the 33-byte compressed wire form.
func CompressPublicKey(raw []byte) []byte {
	out := make([]byte, 0, 1+len(raw))
	out = append(out, publicKeyTypeDJB)
	return append(out, raw...)
}

// DecompressPublicKey strips the key-type byte from a 33-byte compressed
// public key, rejecting unknown key types.
func DecompressPublicKey(compressed []byte) ([]byte, error) {
	if len(compressed) != 33 || compressed[0] != publicKeyTypeDJB {
		return nil, cryptoerr.New(cryptoerr.KindInvalidKeyMaterial, "not a compressed curve25519 public key")
	}
	return compressed[1:], nil
}

// SignChallenge signs an arbitrary server-issued challenge with the local
// identity's signing key, for the auth login flow.
func (m *Manager) SignChallenge(challenge []byte) ([]byte, error) {
	_, kp, err := m.GetIdentity()
	if err != nil {
		return nil, err
	}
	return kp.SignBundle(challenge), nil
}

func randomRegistrationID() (uint16, error) {
	span := uint32(MaxRegistrationID - MinRegistrationID + 1)
	for {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "generate registration id", err)
		}
		v := binary.BigEndian.Uint32(buf[:]) % span
		return uint16(v) + MinRegistrationID, nil
	}
}
