package identity

import (
	"bytes"
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"

	"openconv/go-core/internal/crypto/cryptoerr"
	"openconv/go-core/internal/crypto/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "keys.db"), "test-passphrase")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGenerateIdentityOnce(t *testing.T) {
	mgr := NewManager(newTestStore(t))

	rec, kp, err := mgr.GenerateIdentity()
	if err != nil {
		t.Fatalf("first generate: %v", err)
	}
	if rec.RegistrationID < MinRegistrationID || rec.RegistrationID > MaxRegistrationID {
		t.Fatalf("registration id %d out of range", rec.RegistrationID)
	}
	if !strings.HasPrefix(rec.ID, "oc1") {
		t.Fatalf("identity id %q lacks oc1 prefix", rec.ID)
	}

	if _, _, err := mgr.GenerateIdentity(); !cryptoerr.Is(err, cryptoerr.KindIdentityAlreadyExists) {
		t.Fatalf("second generate: err = %v, want identity_already_exists", err)
	}

	// get_identity returns the first identity, untouched.
	rec2, kp2, err := mgr.GetIdentity()
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if rec2.ID != rec.ID || rec2.RegistrationID != rec.RegistrationID {
		t.Fatalf("identity changed across get: %+v vs %+v", rec2, rec)
	}
	if !bytes.Equal(kp2.DHPrivateKey, kp.DHPrivateKey) || !bytes.Equal(kp2.SigningPrivateKey, kp.SigningPrivateKey) {
		t.Fatal("private material changed across get")
	}
}

func TestGetIdentityBeforeGenerate(t *testing.T) {
	mgr := NewManager(newTestStore(t))
	if _, _, err := mgr.GetIdentity(); !cryptoerr.Is(err, cryptoerr.KindIdentityNotFound) {
		t.Fatalf("err = %v, want identity_not_found", err)
	}
	if _, err := mgr.GetPublicKeyString(); !cryptoerr.Is(err, cryptoerr.KindIdentityNotFound) {
		t.Fatalf("public key string err = %v, want identity_not_found", err)
	}
}

func TestPublicKeyString(t *testing.T) {
	mgr := NewManager(newTestStore(t))
	rec, _, err := mgr.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	s, err := mgr.GetPublicKeyString()
	if err != nil {
		t.Fatalf("public key string: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 33 {
		t.Fatalf("compressed key length = %d, want 33", len(decoded))
	}
	raw, err := DecompressPublicKey(decoded)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(raw, rec.DHPublicKey) {
		t.Fatal("public key string must decode byte-for-byte to the DH public key")
	}
	if _, err := DecompressPublicKey(raw); err == nil {
		t.Fatal("a raw 32-byte key must not decompress")
	}
}

func TestSignChallenge(t *testing.T) {
	mgr := NewManager(newTestStore(t))
	rec, _, err := mgr.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	challenge := []byte("server nonce 123")
	sig, err := mgr.SignChallenge(challenge)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !VerifyBundleSignature(rec.SigningPublicKey, challenge, sig) {
		t.Fatal("challenge signature must verify against the signing public key")
	}
	if VerifyBundleSignature(rec.SigningPublicKey, []byte("other"), sig) {
		t.Fatal("signature must not verify over different bytes")
	}
}

func TestDeriveKeyPairDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, 32)
	a, err := DeriveKeyPair(seed)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveKeyPair(seed)
	if err != nil {
		t.Fatalf("derive again: %v", err)
	}
	if !bytes.Equal(a.DHPrivateKey, b.DHPrivateKey) || !bytes.Equal(a.SigningPublicKey, b.SigningPublicKey) {
		t.Fatal("same seed must derive the same key pair")
	}
	if bytes.Equal(a.DHPrivateKey, a.SigningPrivateKey[:32]) {
		t.Fatal("signing and DH material must be domain-separated")
	}
}

func TestDeriveKeyPairRejectsBadSeed(t *testing.T) {
	if _, err := DeriveKeyPair([]byte("short")); err == nil {
		t.Fatal("short seed must be rejected")
	}
}

func TestIdentityIDVerify(t *testing.T) {
	seed := bytes.Repeat([]byte{0x24}, 32)
	kp, err := DeriveKeyPair(seed)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	id, err := BuildIdentityID(kp.SigningPublicKey)
	if err != nil {
		t.Fatalf("build id: %v", err)
	}
	ok, err := VerifyIdentityID(id, kp.SigningPublicKey)
	if err != nil || !ok {
		t.Fatalf("verify id: ok=%v err=%v", ok, err)
	}
	other, err := DeriveKeyPair(bytes.Repeat([]byte{0x25}, 32))
	if err != nil {
		t.Fatalf("derive other: %v", err)
	}
	ok, err = VerifyIdentityID(id, other.SigningPublicKey)
	if err != nil {
		t.Fatalf("verify mismatched id: %v", err)
	}
	if ok {
		t.Fatal("id must not verify against a different key")
	}
}
