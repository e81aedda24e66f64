// Package filecrypto implements per-file AES-256-GCM encryption: a
// random file key and nonce and AAD-bound ciphertext, framed as
// nonce||ciphertext||tag. This is the one place the module uses AES-GCM
// rather than XChaCha20-Poly1305; file blobs interoperate with clients
// that pin that cipher.
package filecrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"openconv/go-core/internal/crypto/cryptoerr"
)

// KeySize is the file encryption key length in bytes (AES-256).
const KeySize = 32

// NonceSize is the GCM nonce length in bytes.
const NonceSize = 12

// EncryptedFile is the result of EncryptFile: the key the caller must
// distribute to recipients (wrapped in a Signal message, never sent in
// the clear) and the blob to upload to object storage.
type EncryptedFile struct {
	Key  []byte
	Blob []byte
}

// EncryptFile generates a random 32-byte key and 12-byte nonce, encrypts
// plaintext with AES-256-GCM bound to aad, and returns the key alongside
// nonce||ciphertext||tag.
func EncryptFile(plaintext, aad []byte) (*EncryptedFile, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindFileEncryptionError, "generate file key", err)
	}
	blob, err := EncryptFileWithKey(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return &EncryptedFile{Key: key, Blob: blob}, nil
}

// EncryptFileWithKey encrypts plaintext under an already-known key
// (e.g. a key unwrapped from a Signal message received from a peer).
func EncryptFileWithKey(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindFileEncryptionError, "generate file nonce", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptFile reverses EncryptFile. aad must match exactly what was
// supplied at encrypt time (typically the server-issued file id) — this
// binding is what prevents silent blob substitution between files.
func DecryptFile(key, blob, aad []byte) ([]byte, error) {
	if len(blob) < NonceSize {
		return nil, cryptoerr.New(cryptoerr.KindDecryptionFailed, "file blob shorter than nonce")
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := blob[:NonceSize], blob[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindDecryptionFailed, "decrypt file blob", err)
	}
	return plaintext, nil
}

// ZeroKey overwrites a file key's bytes, called once the caller is done
// distributing it to recipients.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, cryptoerr.New(cryptoerr.KindInvalidKeyMaterial, "file key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "construct aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindInvalidKeyMaterial, "construct gcm mode", err)
	}
	return gcm, nil
}
