package store

import (
	"os"
	"path/filepath"

	"openconv/go-core/internal/crypto/cryptoerr"
)

// Keychain abstracts retrieval of the passphrase-wrapping master key
// from an OS-level secret store, keeping the host integration point
// pluggable: a real deployment supplies its own implementation backed
// by Keychain Services, libsecret, or Windows Credential Manager, while
// FileKeychain below serves headless and test environments.
type Keychain interface {
	Get(service, account string) ([]byte, error)
	Set(service, account string, secret []byte) error
	Delete(service, account string) error
}

// ErrKeychainEntryNotFound is returned by Keychain.Get when no secret has
// been stored for the given service/account pair.
var ErrKeychainEntryNotFound = cryptoerr.New(cryptoerr.KindKeychainEntryNotFound, "keychain entry not found")

// FileKeychain is a reference Keychain backed by private files under a
// base directory, for non-interactive environments (CI, containers)
// where no OS keyring is reachable.
type FileKeychain struct {
	baseDir string
}

// NewFileKeychain returns a FileKeychain rooted at baseDir, creating it
// with owner-only permissions if needed.
func NewFileKeychain(baseDir string) (*FileKeychain, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, cryptoerr.Wrap(cryptoerr.KindKeychainUnavailable, "create keychain directory", err)
	}
	return &FileKeychain{baseDir: baseDir}, nil
}

func (k *FileKeychain) entryPath(service, account string) string {
	return filepath.Join(k.baseDir, service+"__"+account)
}

func (k *FileKeychain) Get(service, account string) ([]byte, error) {
	data, err := os.ReadFile(k.entryPath(service, account))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeychainEntryNotFound
		}
		return nil, cryptoerr.Wrap(cryptoerr.KindKeychainUnavailable, "read keychain entry", err)
	}
	return data, nil
}

func (k *FileKeychain) Set(service, account string, secret []byte) error {
	if err := os.WriteFile(k.entryPath(service, account), secret, 0o600); err != nil {
		return cryptoerr.Wrap(cryptoerr.KindKeychainUnavailable, "write keychain entry", err)
	}
	return nil
}

func (k *FileKeychain) Delete(service, account string) error {
	if err := os.Remove(k.entryPath(service, account)); err != nil && !os.IsNotExist(err) {
		return cryptoerr.Wrap(cryptoerr.KindKeychainUnavailable, "delete keychain entry", err)
	}
	return nil
}

// ResolveMasterPassphrase obtains the store-unlock secret in order of
// preference: the host keychain first, then the caller-supplied
// passphrase. A nil keychain means none is reachable on this host. The
// returned errors tell the caller exactly what to prompt for:
// KindPassphraseRequired when the keychain is reachable but holds no
// entry and no passphrase was given, KindKeychainUnavailable when the
// keychain failed outright and no passphrase can substitute.
func ResolveMasterPassphrase(kc Keychain, service, account, passphrase string) (string, error) {
	if kc != nil {
		secret, err := kc.Get(service, account)
		switch {
		case err == nil:
			return string(secret), nil
		case cryptoerr.Is(err, cryptoerr.KindKeychainEntryNotFound):
			// Fall through to the passphrase path.
		default:
			if passphrase != "" {
				return passphrase, nil
			}
			return "", cryptoerr.Wrap(cryptoerr.KindKeychainUnavailable, "keychain unreachable and no passphrase supplied", err)
		}
	}
	if passphrase == "" {
		return "", cryptoerr.New(cryptoerr.KindPassphraseRequired, "no keychain entry and no passphrase supplied")
	}
	return passphrase, nil
}
