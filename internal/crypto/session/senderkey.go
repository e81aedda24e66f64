package session

import "openconv/go-core/internal/crypto/cryptoerr"

// SenderKeyStore is the group-ratchet capability surface. Group
// messaging is an intentional no-op in this version; the interface
// exists so callers compose against a stable capability set now and a
// sender-key ratchet can slot in later without an API break.
type SenderKeyStore interface {
	StoreSenderKey(groupID, senderAddress string, senderDeviceID int, record []byte) error
	LoadSenderKey(groupID, senderAddress string, senderDeviceID int) ([]byte, error)
}

// NoopSenderKeys is the stub implementation: stores nothing, loads
// nothing.
type NoopSenderKeys struct{}

func (NoopSenderKeys) StoreSenderKey(groupID, senderAddress string, senderDeviceID int, record []byte) error {
	return nil
}

// LoadSenderKey always misses; group sessions cannot be resumed until a
// sender-key ratchet ships.
func (NoopSenderKeys) LoadSenderKey(groupID, senderAddress string, senderDeviceID int) ([]byte, error) {
	return nil, cryptoerr.New(cryptoerr.KindSessionNotFound, "group sender keys are not supported")
}
