// Package securestore wraps arbitrary byte payloads in a
// passphrase-protected envelope: Argon2id stretches the passphrase into
// an XChaCha20-Poly1305 key, and the KDF parameters travel inside the
// envelope so decryption keeps working after the defaults change.
package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "OCENC1\n"

	// Default Argon2id cost for newly sealed envelopes.
	argonTime     = uint32(2)
	argonMemoryKB = uint32(64 * 1024)
	argonThreads  = uint8(1)

	// Bounds accepted when opening an envelope: parameters are honored
	// as stored, but a forged envelope must not be able to turn key
	// derivation into a denial of service.
	maxArgonTime     = uint32(10)
	maxArgonMemoryKB = uint32(512 * 1024)
	maxArgonThreads  = uint8(8)
)

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore envelope is invalid")
	ErrLegacyData = errors.New("securestore legacy plaintext data")
)

// Envelope is the sealed-at-rest shape: versioned, self-describing KDF
// parameters, and the AEAD output.
type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Encrypt seals plaintext under passphrase and returns the prefixed,
// JSON-encoded envelope ready to hit disk or a BLOB column.
func Encrypt(passphrase string, plaintext []byte) ([]byte, error) {
	env, err := EncryptEnvelope(passphrase, plaintext)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

// EncryptEnvelope seals plaintext with a fresh salt and nonce at the
// current default KDF cost.
func EncryptEnvelope(passphrase string, plaintext []byte) (*Envelope, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, salt, argonTime, argonMemoryKB, argonThreads)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return &Envelope{
		Version:     envelopeVersion,
		KDF:         "argon2id",
		KDFTime:     argonTime,
		KDFMemoryKB: argonMemoryKB,
		KDFThreads:  argonThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  ciphertext,
	}, nil
}

// Decrypt reverses Encrypt. Data without the envelope prefix is
// reported as ErrLegacyData so callers can distinguish "never sealed"
// from "wrong passphrase".
func Decrypt(passphrase string, data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), filePrefix) {
		return nil, ErrLegacyData
	}
	data = data[len(filePrefix):]
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrInvalid
	}
	return DecryptEnvelope(passphrase, &env)
}

// DecryptEnvelope opens env with the KDF parameters it carries.
func DecryptEnvelope(passphrase string, env *Envelope) ([]byte, error) {
	if !isValidEnvelope(env) {
		return nil, ErrInvalid
	}
	key := deriveKey(passphrase, env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func deriveKey(passphrase string, salt []byte, time, memoryKB uint32, threads uint8) []byte {
	return argon2.IDKey([]byte(passphrase), salt, time, memoryKB, threads, chacha20poly1305.KeySize)
}

func isValidEnvelope(env *Envelope) bool {
	if env == nil {
		return false
	}
	if env.Version != envelopeVersion || env.KDF != "argon2id" {
		return false
	}
	if env.KDFTime == 0 || env.KDFTime > maxArgonTime {
		return false
	}
	if env.KDFMemoryKB == 0 || env.KDFMemoryKB > maxArgonMemoryKB {
		return false
	}
	if env.KDFThreads == 0 || env.KDFThreads > maxArgonThreads {
		return false
	}
	if len(env.Salt) != saltSize || len(env.Nonce) != chacha20poly1305.NonceSizeX || len(env.Ciphertext) == 0 {
		return false
	}
	return true
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
