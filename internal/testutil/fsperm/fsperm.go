// Package fsperm asserts filesystem permissions on persisted state in
// tests: key stores, keychain entries and config snapshots must never
// be group- or world-readable.
package fsperm

import (
	"io/fs"
	"os"
	"runtime"
	"testing"
)

// AssertPrivateDirPerm verifies that dir exists and is private enough
// for persisted state.
func AssertPrivateDirPerm(t testing.TB, dir string) {
	t.Helper()

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat dir failed: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("expected directory, got file: %s", dir)
	}
	assertPerm(t, info.Mode().Perm(), 0o700, dir)
}

// AssertPrivateFilePerm verifies that path is a regular file readable
// only by its owner.
func AssertPrivateFilePerm(t testing.TB, path string) {
	t.Helper()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat file failed: %v", err)
	}
	if info.IsDir() {
		t.Fatalf("expected file, got directory: %s", path)
	}
	assertPerm(t, info.Mode().Perm(), 0o600, path)
}

func assertPerm(t testing.TB, got, want fs.FileMode, path string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		return
	}
	if got != want {
		t.Fatalf("expected perm %04o, got %04o for %s", want, got, path)
	}
}
