package store

import (
	"bytes"
	"io"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source"
)

// singleVersionSource is the smallest possible golang-migrate
// source.Driver: one in-binary "up" migration, no down, following
// internal/crypto/store's memorySource for the same reason — this tree
// has no migrations/ directory to embed.
type singleVersionSource struct {
	sql string
}

func (s *singleVersionSource) Open(url string) (source.Driver, error) { return s, nil }
func (s *singleVersionSource) Close() error                           { return nil }

func (s *singleVersionSource) First() (uint, error) { return 1, nil }

func (s *singleVersionSource) Prev(version uint) (uint, error) {
	return 0, migrate.ErrNilVersion
}

func (s *singleVersionSource) Next(version uint) (uint, error) {
	return 0, os.ErrNotExist
}

func (s *singleVersionSource) ReadUp(version uint) (io.ReadCloser, string, error) {
	if version != 1 {
		return nil, "", os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader([]byte(s.sql))), "up", nil
}

func (s *singleVersionSource) ReadDown(version uint) (io.ReadCloser, string, error) {
	return nil, "", os.ErrNotExist
}
