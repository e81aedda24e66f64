package filecrypto

import (
	"bytes"
	"testing"
)

func TestRoundtrip(t *testing.T) {
	plaintext := []byte("attachment bytes")
	aad := []byte("file-7f3a")

	enc, err := EncryptFile(plaintext, aad)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(enc.Key) != KeySize {
		t.Fatalf("key length = %d, want %d", len(enc.Key), KeySize)
	}
	if bytes.Contains(enc.Blob, plaintext) {
		t.Fatal("blob must not contain plaintext")
	}

	got, err := DecryptFile(enc.Key, enc.Blob, aad)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip: got %q, want %q", got, plaintext)
	}
}

func TestAADBinding(t *testing.T) {
	enc, err := EncryptFile([]byte("bound"), []byte("file-a"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := DecryptFile(enc.Key, enc.Blob, []byte("file-b")); err == nil {
		t.Fatal("decrypt with swapped aad must fail")
	}
	if _, err := DecryptFile(enc.Key, enc.Blob, nil); err == nil {
		t.Fatal("decrypt with missing aad must fail")
	}
}

func TestWrongKeyFails(t *testing.T) {
	enc, err := EncryptFile([]byte("secret"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	wrong := make([]byte, KeySize)
	if _, err := DecryptFile(wrong, enc.Blob, nil); err == nil {
		t.Fatal("decrypt with wrong key must fail")
	}
}

func TestTamperedBlobFails(t *testing.T) {
	enc, err := EncryptFile([]byte("integrity"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	enc.Blob[len(enc.Blob)-1] ^= 0x01
	if _, err := DecryptFile(enc.Key, enc.Blob, nil); err == nil {
		t.Fatal("decrypt of tampered blob must fail")
	}
}

func TestShortBlobRejected(t *testing.T) {
	key := make([]byte, KeySize)
	if _, err := DecryptFile(key, []byte{1, 2, 3}, nil); err == nil {
		t.Fatal("blob shorter than a nonce must be rejected")
	}
}

func TestZeroKey(t *testing.T) {
	key := []byte{1, 2, 3, 4}
	ZeroKey(key)
	for i, b := range key {
		if b != 0 {
			t.Fatalf("key[%d] = %d after ZeroKey", i, b)
		}
	}
}
