package localstore

import (
	"context"
	"io"

	"fitmarket/internal/purchase"
)

// Store is a purchase.StateStore that can enumerate and be closed.
type Store interface {
	purchase.StateStore
	io.Closer
	Keys(ctx context.Context) ([]string, error)
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// Open returns a SQLite store under path, or a MemoryStore when path is
// empty.
func Open(path string) (Store, error) {
	if path == "" {
		return NewMemoryStore(), nil
	}
	return OpenSQLite(path)
}
