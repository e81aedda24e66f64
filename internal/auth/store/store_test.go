package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserUniqueness(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateUser("u1", "a@ex.com", "Alice", []byte("key-a")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateUser("u2", "a@ex.com", "Other", []byte("key-b")); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate email: err = %v, want ErrAlreadyExists", err)
	}
	if err := s.CreateUser("u3", "b@ex.com", "Other", []byte("key-a")); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate identity key: err = %v, want ErrAlreadyExists", err)
	}
}

func TestUserLookups(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateUser("u1", "a@ex.com", "Alice", []byte("key-a")); err != nil {
		t.Fatalf("create: %v", err)
	}

	byEmail, err := s.GetUserByEmail("a@ex.com")
	if err != nil {
		t.Fatalf("by email: %v", err)
	}
	byKey, err := s.GetUserByIdentityKey([]byte("key-a"))
	if err != nil {
		t.Fatalf("by key: %v", err)
	}
	if byEmail.ID != "u1" || byKey.ID != "u1" {
		t.Fatalf("lookups disagree: %q %q", byEmail.ID, byKey.ID)
	}
	if _, err := s.GetUserByEmail("nobody@ex.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing user: err = %v, want ErrNotFound", err)
	}
}

func TestPreKeyBundleUpsert(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateUser("u1", "a@ex.com", "Alice", []byte("key-a")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok, err := s.GetPreKeyBundle("u1", "d1"); err != nil || ok {
		t.Fatalf("missing bundle: ok=%v err=%v", ok, err)
	}
	if err := s.SavePreKeyBundle("u1", "d1", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SavePreKeyBundle("u1", "d1", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	raw, ok, err := s.GetPreKeyBundle("u1", "d1")
	if err != nil || !ok || !bytes.Equal(raw, []byte(`{"v":2}`)) {
		t.Fatalf("get = %q ok=%v err=%v", raw, ok, err)
	}
}

func TestRefreshFamilyLifecycle(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateRefreshFamily("fam-1", "u1", "d1", "jti-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	fam, err := s.GetRefreshFamily("fam-1")
	if err != nil || fam.CurrentJTI != "jti-1" || fam.RevokedAt != nil {
		t.Fatalf("get = %+v err=%v", fam, err)
	}

	if err := s.RotateRefreshFamily("fam-1", "jti-2"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	fam, _ = s.GetRefreshFamily("fam-1")
	if fam.CurrentJTI != "jti-2" {
		t.Fatalf("current jti = %q, want jti-2", fam.CurrentJTI)
	}

	if err := s.RevokeRefreshFamily("fam-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	fam, _ = s.GetRefreshFamily("fam-1")
	if fam.RevokedAt == nil {
		t.Fatal("revoked_at must be set")
	}
	// A revoked family can no longer rotate.
	if err := s.RotateRefreshFamily("fam-1", "jti-3"); err == nil {
		t.Fatal("rotation of a revoked family must fail")
	}
}

func TestRevokeAllFamiliesForUser(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateRefreshFamily("fam-1", "u1", "d1", "jti-1"); err != nil {
		t.Fatalf("create fam-1: %v", err)
	}
	if err := s.CreateRefreshFamily("fam-2", "u1", "d2", "jti-2"); err != nil {
		t.Fatalf("create fam-2: %v", err)
	}
	if err := s.CreateRefreshFamily("fam-3", "u2", "d1", "jti-3"); err != nil {
		t.Fatalf("create fam-3: %v", err)
	}
	if err := s.RevokeAllFamiliesForUser("u1"); err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	for _, tc := range []struct {
		family  string
		revoked bool
	}{{"fam-1", true}, {"fam-2", true}, {"fam-3", false}} {
		fam, err := s.GetRefreshFamily(tc.family)
		if err != nil {
			t.Fatalf("get %s: %v", tc.family, err)
		}
		if (fam.RevokedAt != nil) != tc.revoked {
			t.Fatalf("%s revoked = %v, want %v", tc.family, fam.RevokedAt != nil, tc.revoked)
		}
	}
}
