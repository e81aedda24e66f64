// Package session implements the per-peer Double Ratchet engine. A
// session is established via an X3DH/PQXDH handshake against a
// published pre-key bundle and then advances one Diffie-Hellman
// ratchet turn per direction change, deriving a fresh message key for
// every sent or received ciphertext.
package session

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"io"
	"time"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"openconv/go-core/internal/crypto/codec"
	"openconv/go-core/internal/crypto/cryptoerr"
	"openconv/go-core/internal/crypto/identity"
	"openconv/go-core/internal/crypto/prekey"
	"openconv/go-core/internal/crypto/store"
)

// Status is a session's position in its lifecycle.
type Status int

const (
	StatusNone Status = iota
	StatusPending
	StatusEstablished
	StatusStale
	StatusCompromised
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusEstablished:
		return "established"
	case StatusStale:
		return "stale"
	case StatusCompromised:
		return "compromised"
	default:
		return "none"
	}
}

// maxSkipPerTurn bounds how many chain steps a single DH ratchet turn
// (or a single out-of-order gap) is allowed to skip, guarding against a
// malicious or corrupted header number forcing unbounded derivation.
const maxSkipPerTurn = 1000

// maxSkippedKeysTotal bounds how many skipped message keys a session
// retains at once; beyond this the oldest is evicted regardless of
// which chain it belongs to.
const maxSkippedKeysTotal = 2000

// skippedKeyTTL is how long a stored skipped key survives before
// periodic maintenance (not enforced inline; see
// store.DeleteExpiredSkippedMessageKeys) considers it unusable.
const skippedKeyTTL = 30 * 24 * time.Hour

const (
	infoX3DHSecret   = "openconv/x3dh/secret/v1"
	infoRootKey      = "openconv/ratchet/root/v1"
	infoChainKeyMsg  = "openconv/ratchet/message-key/v1"
	infoChainKeyNext = "openconv/ratchet/chain-key/v1"
)

// State is the full persisted shape of one peer-device session.
type State struct {
	PeerAddress       string `json:"peer_address"`
	PeerDeviceID      int    `json:"peer_device_id"`
	Status            Status `json:"status"`
	RootKey           []byte `json:"root_key"`
	DHPrivateKey      []byte `json:"dh_private_key"`
	DHPublicKey       []byte `json:"dh_public_key"`
	RemoteDHPublicKey []byte `json:"remote_dh_public_key"`
	SendChainKey      []byte `json:"send_chain_key,omitempty"`
	RecvChainKey      []byte `json:"recv_chain_key,omitempty"`
	SendCount         uint32 `json:"send_count"`
	RecvCount         uint32 `json:"recv_count"`
	PrevChainLength   uint32 `json:"prev_chain_length"`

	// RemoteIdentityKey pins the peer's DH identity key observed at
	// session establishment (TOFU), used to detect a changed identity
	// on re-establishment.
	RemoteIdentityKey []byte `json:"remote_identity_key"`

	// UsedOneTimeKeyID records which of the peer's one-time pre-keys
	// the outgoing handshake consumed, so EncryptFirst can tell the
	// responder which local key to burn. Nil when the bundle carried
	// none and the handshake relied on the Kyber last-resort key.
	UsedOneTimeKeyID *uint32 `json:"used_one_time_key_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *State) touch() { s.UpdatedAt = time.Now().UTC() }

// Engine runs the handshake and ratchet operations for one local
// identity against its peers' sessions, all persisted through store.
type Engine struct {
	store         *store.Store
	localIdentity *identity.KeyPair
	localRecord   *identity.Record
	localDeviceID uint32
}

// NewEngine returns an Engine for the local identity and device.
func NewEngine(s *store.Store, localIdentity *identity.KeyPair, localRecord *identity.Record, localDeviceID uint32) *Engine {
	return &Engine{store: s, localIdentity: localIdentity, localRecord: localRecord, localDeviceID: localDeviceID}
}

// EstablishOutgoing runs the initiator side of X3DH/PQXDH against a
// peer's freshly fetched pre-key bundle and returns the new session,
// Pending until the peer's first reply and ready for EncryptFirst, plus
// the Kyber ciphertext the recipient needs to complete its own side of
// the handshake.
func (e *Engine) EstablishOutgoing(peerAddress string, peerDeviceID int, bundle *prekey.Bundle) (*State, []byte, error) {
	if err := verifyBundleSignatures(bundle); err != nil {
		return nil, nil, err
	}
	if err := e.checkTrustedIdentity(peerAddress, peerDeviceID, bundle.IdentityKey); err != nil {
		return nil, nil, err
	}

	ephPriv := make([]byte, 32)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "generate ephemeral key", err)
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "derive ephemeral public key", err)
	}

	dh1, err := curve25519.X25519(e.localIdentity.DHPrivateKey, bundle.SignedPreKey)
	if err != nil {
		return nil, nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "x3dh dh1", err)
	}
	dh2, err := curve25519.X25519(ephPriv, bundle.IdentityKey)
	if err != nil {
		return nil, nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "x3dh dh2", err)
	}
	dh3, err := curve25519.X25519(ephPriv, bundle.SignedPreKey)
	if err != nil {
		return nil, nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "x3dh dh3", err)
	}
	material := concat(dh1, dh2, dh3)

	var usedOneTimeKeyID *uint32
	if bundle.OneTimeKeyID != nil && len(bundle.OneTimePreKey) == 32 {
		dh4, err := curve25519.X25519(ephPriv, bundle.OneTimePreKey)
		if err != nil {
			return nil, nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "x3dh dh4", err)
		}
		material = append(material, dh4...)
		id := *bundle.OneTimeKeyID
		usedOneTimeKeyID = &id
	}

	kyberCiphertext, kyberSS, err := kyberEncapsulate(bundle.KyberPreKey)
	if err != nil {
		return nil, nil, err
	}
	material = append(material, kyberSS...)

	sk := kdf(material, infoX3DHSecret, 32)
	rootKey := kdf(sk, infoRootKey, 32)

	// Bootstrap ratchet: the initiator's first send chain is derived
	// from a DH turn against the peer's signed pre-key, using the
	// ephemeral key as the initial ratchet keypair.
	newRoot, sendCK, err := kdfRK(rootKey, dh3)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	state := &State{
		PeerAddress:       peerAddress,
		PeerDeviceID:      peerDeviceID,
		Status:            StatusPending,
		RootKey:           newRoot,
		DHPrivateKey:      ephPriv,
		DHPublicKey:       ephPub,
		RemoteDHPublicKey: bundle.SignedPreKey,
		SendChainKey:      sendCK,
		RemoteIdentityKey: bundle.IdentityKey,
		UsedOneTimeKeyID:  usedOneTimeKeyID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.save(state); err != nil {
		return nil, nil, err
	}
	return state, kyberCiphertext, nil
}

// EncryptFirst produces the first outgoing message of a freshly
// established outgoing session, wrapping it as a PreKeyMessage so the
// recipient can complete the handshake on receipt. Use Encrypt for
// every later message on the same session.
func (e *Engine) EncryptFirst(state *State, kyberCiphertext []byte, plaintext []byte) (*codec.PreKeyMessage, error) {
	signal, err := e.Encrypt(state, plaintext)
	if err != nil {
		return nil, err
	}
	return &codec.PreKeyMessage{
		IdentityKey:     e.localRecord.DHPublicKey,
		EphemeralKey:    state.DHPublicKey,
		OneTimeKeyID:    state.UsedOneTimeKeyID,
		KyberCiphertext: kyberCiphertext,
		Message:         *signal,
	}, nil
}

// EstablishIncoming runs the responder side of X3DH/PQXDH on receiving
// a peer's PreKeyMessage, consuming the referenced one-time pre-key (if
// any), and returns the now-Established session along with the
// decrypted plaintext of the message the PreKeyMessage carried.
func (e *Engine) EstablishIncoming(peerAddress string, peerDeviceID int, msg *codec.PreKeyMessage, prekeys *prekey.Manager, usedOneTimeKeyID *uint32) (*State, []byte, error) {
	if err := e.checkTrustedIdentity(peerAddress, peerDeviceID, msg.IdentityKey); err != nil {
		return nil, nil, err
	}

	spk, err := prekeys.CurrentSignedPreKey()
	if err != nil {
		return nil, nil, err
	}

	dh1, err := curve25519.X25519(spk.PrivateKey, msg.IdentityKey)
	if err != nil {
		return nil, nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "x3dh dh1", err)
	}
	dh2, err := curve25519.X25519(e.localIdentity.DHPrivateKey, msg.EphemeralKey)
	if err != nil {
		return nil, nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "x3dh dh2", err)
	}
	dh3, err := curve25519.X25519(spk.PrivateKey, msg.EphemeralKey)
	if err != nil {
		return nil, nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "x3dh dh3", err)
	}
	material := concat(dh1, dh2, dh3)

	if usedOneTimeKeyID != nil {
		rec, err := prekeys.ConsumeOneTimePreKey(*usedOneTimeKeyID)
		if err != nil {
			return nil, nil, err
		}
		if rec == nil {
			return nil, nil, cryptoerr.New(cryptoerr.KindPreKeyExhausted, "referenced one-time pre-key already consumed")
		}
		dh4, err := curve25519.X25519(rec.PrivateKey, msg.EphemeralKey)
		if err != nil {
			return nil, nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "x3dh dh4", err)
		}
		material = append(material, dh4...)
	}

	kyber, err := prekeys.CurrentKyberPreKey()
	if err != nil {
		return nil, nil, err
	}
	kyberSS, err := kyberDecapsulate(kyber.PrivateKeyBlob, msg.KyberCiphertext)
	if err != nil {
		return nil, nil, err
	}
	material = append(material, kyberSS...)

	sk := kdf(material, infoX3DHSecret, 32)
	rootKey := kdf(sk, infoRootKey, 32)

	// Bootstrap ratchet: dh3 (spk x ephemeral) doubles as the DH turn
	// Bob performs to derive his first receiving chain, matching the
	// DH turn Alice performed on her side with the same two keys.
	newRoot, recvCK, err := kdfRK(rootKey, dh3)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	state := &State{
		PeerAddress:       peerAddress,
		PeerDeviceID:      peerDeviceID,
		Status:            StatusEstablished,
		RootKey:           newRoot,
		DHPrivateKey:      spk.PrivateKey,
		DHPublicKey:       spk.PublicKey,
		RemoteDHPublicKey: msg.EphemeralKey,
		RecvChainKey:      recvCK,
		RemoteIdentityKey: msg.IdentityKey,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	plaintext, err := e.decryptSignal(state, &msg.Message)
	if err != nil {
		return nil, nil, err
	}
	return state, plaintext, nil
}

// Encrypt advances the sending chain by one step and returns the wire
// message. If the session has no current sending chain (the responder
// side right after establishment, or any side right after receiving a
// new ratchet key), a DH ratchet turn is performed first.
func (e *Engine) Encrypt(state *State, plaintext []byte) (*codec.SignalMessage, error) {
	if state.Status == StatusCompromised {
		return nil, cryptoerr.New(cryptoerr.KindSessionMismatch, "session marked compromised")
	}
	if state.SendChainKey == nil {
		if err := e.ratchetTurn(state, state.RemoteDHPublicKey, true); err != nil {
			return nil, err
		}
	}

	msgKey, nextCK := deriveMessageKey(state.SendChainKey, state.SendCount)
	header := codec.RatchetHeader{
		DHPublicKey:         state.DHPublicKey,
		PreviousChainLength: state.PrevChainLength,
		MessageNumber:       state.SendCount,
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "generate nonce", err)
	}
	aead, err := chacha20poly1305.NewX(msgKey)
	if err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "construct aead", err)
	}
	aad := headerAAD(state.PeerAddress, state.PeerDeviceID, header)
	ciphertext := aead.Seal(nil, nonce, plaintext, aad)

	state.SendChainKey = nextCK
	state.SendCount++
	state.touch()
	if err := e.save(state); err != nil {
		return nil, err
	}
	return &codec.SignalMessage{Header: header, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Decrypt consumes an ordinary ratchet message, performing a DH
// ratchet turn if the header carries a new remote public key, and
// resolving out-of-order messages against the skipped-key cache.
func (e *Engine) Decrypt(state *State, msg *codec.SignalMessage) ([]byte, error) {
	if state.Status == StatusCompromised {
		return nil, cryptoerr.New(cryptoerr.KindSessionMismatch, "session marked compromised")
	}
	return e.decryptSignal(state, msg)
}

func (e *Engine) decryptSignal(state *State, msg *codec.SignalMessage) ([]byte, error) {
	header := msg.Header

	if !bytes.Equal(header.DHPublicKey, state.RemoteDHPublicKey) || state.RecvChainKey == nil {
		if state.RecvChainKey != nil {
			if err := e.skipMessageKeys(state, state.RemoteDHPublicKey, header.PreviousChainLength); err != nil {
				return nil, err
			}
		}
		if err := e.ratchetTurn(state, header.DHPublicKey, false); err != nil {
			return nil, err
		}
	}

	if header.MessageNumber < state.RecvCount {
		return e.decryptSkipped(state, msg)
	}
	if err := e.skipMessageKeys(state, header.DHPublicKey, header.MessageNumber); err != nil {
		return nil, err
	}

	msgKey, nextCK := deriveMessageKey(state.RecvChainKey, state.RecvCount)
	plaintext, err := openSignal(msgKey, state.PeerAddress, state.PeerDeviceID, header, msg.Nonce, msg.Ciphertext)
	if err != nil {
		return nil, err
	}
	state.RecvChainKey = nextCK
	state.RecvCount++
	if state.Status == StatusPending {
		// First inbound decrypt acknowledges the outgoing handshake.
		state.Status = StatusEstablished
	}
	state.touch()
	if err := e.save(state); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// decryptSkipped resolves an out-of-order message (header.MessageNumber
// older than the current chain position, or on a chain the session has
// already ratcheted past) against a previously stored skipped key.
func (e *Engine) decryptSkipped(state *State, msg *codec.SignalMessage) ([]byte, error) {
	header := msg.Header
	keys, err := e.store.LoadSkippedMessageKeys(state.PeerAddress, state.PeerDeviceID)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if !bytes.Equal(k.RatchetKey, header.DHPublicKey) || uint32(k.MessageNumber) != header.MessageNumber {
			continue
		}
		plaintext, err := openSignal(k.MessageKey, state.PeerAddress, state.PeerDeviceID, header, msg.Nonce, msg.Ciphertext)
		if err != nil {
			return nil, err
		}
		if err := e.store.DeleteSkippedMessageKey(state.PeerAddress, state.PeerDeviceID, k.RatchetKey, k.MessageNumber); err != nil {
			return nil, err
		}
		return plaintext, nil
	}
	return nil, cryptoerr.New(cryptoerr.KindReplayDetected, "no skipped key for this message")
}

// skipMessageKeys advances the receiving chain from its current count
// up to (but not including) until, storing a message key for each
// skipped index so a later out-of-order arrival can still decrypt.
func (e *Engine) skipMessageKeys(state *State, ratchetKey []byte, until uint32) error {
	if state.RecvChainKey == nil {
		return nil
	}
	if until < state.RecvCount {
		return nil
	}
	if until-state.RecvCount > maxSkipPerTurn {
		return cryptoerr.New(cryptoerr.KindOutOfOrderWindowExceeded, "too many skipped messages on one chain")
	}
	for state.RecvCount < until {
		msgKey, nextCK := deriveMessageKey(state.RecvChainKey, state.RecvCount)
		if err := e.store.SaveSkippedMessageKey(state.PeerAddress, state.PeerDeviceID, ratchetKey, uint64(state.RecvCount), msgKey); err != nil {
			return err
		}
		if err := e.enforceSkippedCap(state); err != nil {
			return err
		}
		state.RecvChainKey = nextCK
		state.RecvCount++
	}
	return nil
}

func (e *Engine) enforceSkippedCap(state *State) error {
	count, err := e.store.CountSkippedMessageKeys(state.PeerAddress, state.PeerDeviceID)
	if err != nil {
		return err
	}
	for count >= maxSkippedKeysTotal {
		if err := e.store.EvictOldestSkippedMessageKey(state.PeerAddress, state.PeerDeviceID); err != nil {
			return err
		}
		count--
	}
	return nil
}

// ratchetTurn performs one Diffie-Hellman ratchet turn against a newly
// observed remote public key: derive the receiving chain against the
// existing local keypair, then generate a fresh local keypair and
// derive the sending chain. bootstrapSend skips the receive-side
// derivation, used only for the responder's very first send (there is
// no receiving chain yet to re-derive).
func (e *Engine) ratchetTurn(state *State, remotePub []byte, bootstrapSend bool) error {
	if !bootstrapSend {
		dh, err := curve25519.X25519(state.DHPrivateKey, remotePub)
		if err != nil {
			return cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "ratchet recv dh", err)
		}
		newRoot, recvCK, err := kdfRK(state.RootKey, dh)
		if err != nil {
			return err
		}
		state.RootKey = newRoot
		state.RecvChainKey = recvCK
		state.PrevChainLength = state.SendCount
		state.RecvCount = 0
	}

	newPriv := make([]byte, 32)
	if _, err := rand.Read(newPriv); err != nil {
		return cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "generate ratchet key", err)
	}
	newPub, err := curve25519.X25519(newPriv, curve25519.Basepoint)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "derive ratchet key", err)
	}
	dh, err := curve25519.X25519(newPriv, remotePub)
	if err != nil {
		return cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "ratchet send dh", err)
	}
	newRoot, sendCK, err := kdfRK(state.RootKey, dh)
	if err != nil {
		return err
	}
	state.RootKey = newRoot
	state.SendChainKey = sendCK
	state.DHPrivateKey = newPriv
	state.DHPublicKey = newPub
	state.RemoteDHPublicKey = remotePub
	state.SendCount = 0
	return nil
}

// LoadSession returns a peer's persisted session, or (nil, false) if
// none exists yet.
func (e *Engine) LoadSession(peerAddress string, peerDeviceID int) (*State, bool, error) {
	raw, ok, err := e.store.LoadSession(peerAddress, peerDeviceID)
	if err != nil || !ok {
		return nil, ok, err
	}
	var state State
	if err := unmarshalState(raw, &state); err != nil {
		return nil, false, err
	}
	return &state, true, nil
}

// MarkCompromised flags a session unusable, e.g. after a safety-number
// change is detected, requiring explicit user re-verification before
// any further Encrypt/Decrypt call succeeds.
func (e *Engine) MarkCompromised(state *State) error {
	state.Status = StatusCompromised
	state.touch()
	return e.save(state)
}

// MarkStale records that the peer rotated its signed pre-key out from
// under this session. Traffic keeps flowing on the existing ratchet; the
// flag tells the caller a fresh handshake is due on the next natural
// opportunity.
func (e *Engine) MarkStale(state *State) error {
	if state.Status == StatusCompromised {
		return cryptoerr.New(cryptoerr.KindSessionMismatch, "session marked compromised")
	}
	state.Status = StatusStale
	state.touch()
	return e.save(state)
}

func (e *Engine) save(state *State) error {
	raw, err := marshalState(state)
	if err != nil {
		return err
	}
	return e.store.StoreSession(state.PeerAddress, state.PeerDeviceID, raw)
}

func marshalState(state *State) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindSerializationError, "encode session state", err)
	}
	return raw, nil
}

func unmarshalState(raw []byte, state *State) error {
	if err := json.Unmarshal(raw, state); err != nil {
		return cryptoerr.Wrap(cryptoerr.KindSerializationError, "decode session state", err)
	}
	return nil
}

// checkTrustedIdentity is the trust-on-first-use check: the first time
// a peer's identity key is observed it is pinned; any
// later session establishment against a different key marks the
// session compromised rather than silently trusting the new key.
func (e *Engine) checkTrustedIdentity(peerAddress string, peerDeviceID int, identityKey []byte) error {
	existing, err := e.store.GetTrustedIdentity(peerAddress, peerDeviceID)
	if err != nil {
		return err
	}
	if existing == nil {
		return e.store.SaveTrustedIdentity(peerAddress, peerDeviceID, identityKey)
	}
	if !bytes.Equal(existing.IdentityKey, identityKey) {
		return cryptoerr.New(cryptoerr.KindSessionMismatch, "peer identity key changed since last session")
	}
	return nil
}

func verifyBundleSignatures(bundle *prekey.Bundle) error {
	spkSigBytes := prekey.SignedPreKeySigningBytes(bundle.SignedPreKeyID, bundle.SignedPreKey)
	if !identity.VerifyBundleSignature(bundle.IdentitySigningKey, spkSigBytes, bundle.SignedPreKeySig) {
		return cryptoerr.New(cryptoerr.KindSignatureInvalid, "signed pre-key signature invalid")
	}
	kyberSigBytes := prekey.KyberPreKeySigningBytes(bundle.KyberKeyID, bundle.KyberPreKey)
	if !identity.VerifyBundleSignature(bundle.IdentitySigningKey, kyberSigBytes, bundle.KyberPreKeySig) {
		return cryptoerr.New(cryptoerr.KindSignatureInvalid, "kyber pre-key signature invalid")
	}
	return nil
}

// kyberEncapsulate runs the initiator half of the ML-KEM-768 key
// encapsulation against a peer's published Kyber public key.
func kyberEncapsulate(pubBlob []byte) (ciphertext, sharedSecret []byte, err error) {
	if len(pubBlob) != mlkem768.PublicKeySize {
		return nil, nil, cryptoerr.New(cryptoerr.KindInvalidKeyMaterial, "kyber public key has wrong size")
	}
	var pub mlkem768.PublicKey
	if err := pub.Unpack(pubBlob); err != nil {
		return nil, nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "unpack kyber public key", err)
	}
	ct := make([]byte, mlkem768.CiphertextSize)
	ss := make([]byte, mlkem768.SharedKeySize)
	pub.EncapsulateTo(ct, ss, nil)
	return ct, ss, nil
}

// kyberDecapsulate runs the responder half against a ciphertext
// received alongside a PreKeyMessage.
func kyberDecapsulate(privBlob, ciphertext []byte) ([]byte, error) {
	if len(privBlob) != mlkem768.PrivateKeySize {
		return nil, cryptoerr.New(cryptoerr.KindInvalidKeyMaterial, "kyber private key has wrong size")
	}
	var priv mlkem768.PrivateKey
	if err := priv.Unpack(privBlob); err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "unpack kyber private key", err)
	}
	ss := make([]byte, mlkem768.SharedKeySize)
	priv.DecapsulateTo(ss, ciphertext)
	return ss, nil
}

// kdfRK implements the Double Ratchet KDF_RK function: HKDF-extract
// the DH output under the current root key as salt, expanding into a
// fresh root key and a chain key.
func kdfRK(rootKey, dhOut []byte) (newRoot, chainKey []byte, err error) {
	out := make([]byte, 64)
	reader := hkdf.New(sha256.New, dhOut, rootKey, []byte(infoRootKey))
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "kdf_rk", err)
	}
	return out[:32], out[32:], nil
}

// deriveMessageKey implements the Double Ratchet KDF_CK function via
// domain-separated HKDF expansion of the chain key.
func deriveMessageKey(chainKey []byte, index uint32) (msgKey, nextChainKey []byte) {
	seed := appendUint32(chainKey, index)
	return kdf(seed, infoChainKeyMsg, 32), kdf(seed, infoChainKeyNext, 32)
}

func openSignal(msgKey []byte, peerAddress string, peerDeviceID int, header codec.RatchetHeader, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(msgKey)
	if err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "construct aead", err)
	}
	aad := headerAAD(peerAddress, peerDeviceID, header)
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindDecryptionFailed, "open ratchet message", err)
	}
	return plaintext, nil
}

func headerAAD(peerAddress string, peerDeviceID int, header codec.RatchetHeader) []byte {
	b := make([]byte, 0, len(peerAddress)+4+len(header.DHPublicKey)+8)
	b = append(b, []byte(peerAddress)...)
	b = append(b, 0)
	var devBuf [4]byte
	binary.BigEndian.PutUint32(devBuf[:], uint32(peerDeviceID))
	b = append(b, devBuf[:]...)
	b = append(b, header.DHPublicKey...)
	b = appendUint32(b, header.MessageNumber)
	return b
}

func kdf(input []byte, info string, outLen int) []byte {
	reader := hkdf.New(sha256.New, input, nil, []byte(info))
	out := make([]byte, outLen)
	_, _ = io.ReadFull(reader, out)
	return out
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func appendUint32(base []byte, v uint32) []byte {
	out := append([]byte{}, base...)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(out, buf[:]...)
}
