// Package codec implements the per-message wire framing for ratchet
// output: a tagged union distinguishing a session-establishing "PreKey"
// message from an ongoing "Signal" (ratchet-only) message. The tag
// itself travels out-of-band (a single byte alongside the REST/WS
// payload); this package only fixes the shape of what goes inside each
// tag and the JSON encoding of that shape.
package codec

import (
	"encoding/json"

	"openconv/go-core/internal/crypto/cryptoerr"
)

// Tag discriminates a Signal message from a PreKey message. Callers
// carry it alongside the payload (a DB column, a WS frame field); it is
// never embedded in the JSON body itself.
type Tag uint8

const (
	// TagSignal marks an ordinary ratchet message on an established
	// session.
	TagSignal Tag = 0
	// TagPreKey marks a session-establishing message carrying the X3DH/
	// PQXDH handshake material alongside the first ratchet message.
	TagPreKey Tag = 1
)

func (t Tag) String() string {
	if t == TagPreKey {
		return "pre_key"
	}
	return "signal"
}

// RatchetHeader accompanies every ratchet-encrypted payload so the
// receiver can detect a DH ratchet turn and locate skipped message keys.
type RatchetHeader struct {
	// DHPublicKey is the sender's current ratchet public key.
	DHPublicKey []byte `json:"dh_public_key"`
	// PreviousChainLength is the number of messages sent on the
	// sender's previous sending chain (PN in Double Ratchet terms).
	PreviousChainLength uint32 `json:"previous_chain_length"`
	// MessageNumber is this message's index within the sender's
	// current sending chain (N).
	MessageNumber uint32 `json:"message_number"`
}

// SignalMessage is the inner, always-present ratchet-encrypted payload:
// AEAD ciphertext (with the authentication tag appended) plus the header
// needed to derive the matching message key.
type SignalMessage struct {
	Header     RatchetHeader `json:"header"`
	Nonce      []byte        `json:"nonce"`
	Ciphertext []byte        `json:"ciphertext"`
}

// PreKeyMessage wraps a SignalMessage with the X3DH/PQXDH handshake
// material the recipient needs to complete session establishment before
// decrypting the inner message.
type PreKeyMessage struct {
	IdentityKey     []byte         `json:"identity_key"`
	EphemeralKey    []byte         `json:"ephemeral_key"`
	OneTimeKeyID    *uint32        `json:"one_time_pre_key_id,omitempty"`
	KyberCiphertext []byte         `json:"kyber_ciphertext,omitempty"`
	Message         SignalMessage  `json:"message"`
}

// Frame pairs a Tag with its encoded payload, for transports (REST
// responses) that prefer to carry both fields together rather than
// out-of-band.
type Frame struct {
	Tag     Tag    `json:"tag"`
	Payload []byte `json:"payload"`
}

// EncodeSignal serializes a SignalMessage to its wire form.
func EncodeSignal(msg SignalMessage) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindSerializationError, "encode signal message", err)
	}
	return raw, nil
}

// DecodeSignal parses a wire-form Signal message.
func DecodeSignal(raw []byte) (SignalMessage, error) {
	var msg SignalMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return SignalMessage{}, cryptoerr.Wrap(cryptoerr.KindSerializationError, "decode signal message", err)
	}
	return msg, nil
}

// EncodePreKey serializes a PreKeyMessage to its wire form.
func EncodePreKey(msg PreKeyMessage) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindSerializationError, "encode pre-key message", err)
	}
	return raw, nil
}

// DecodePreKey parses a wire-form PreKey message.
func DecodePreKey(raw []byte) (PreKeyMessage, error) {
	var msg PreKeyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return PreKeyMessage{}, cryptoerr.Wrap(cryptoerr.KindSerializationError, "decode pre-key message", err)
	}
	return msg, nil
}

// WrapFrame encodes tag and payload together, for callers that want them
// carried as one value instead of out-of-band.
func WrapFrame(tag Tag, payload []byte) Frame {
	return Frame{Tag: tag, Payload: payload}
}
