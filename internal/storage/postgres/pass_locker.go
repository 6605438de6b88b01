package postgres

import (
	"context"
	"fmt"
	"hash/fnv"

	"movement-matcher/internal/storage"
)

// PassLocker serializes reconciliation passes across processes using
// PostgreSQL session advisory locks.
type PassLocker struct {
	pool *Pool
}

// NewPassLocker creates a new advisory-lock based pass locker.
func NewPassLocker(pool *Pool) *PassLocker {
	return &PassLocker{pool: pool}
}

// Compile-time interface check.
var _ storage.PassLocker = (*PassLocker)(nil)

// Acquire blocks until the named lock is held or ctx is done. The lock is
// tied to a dedicated connection, which is returned to the pool on release.
func (l *PassLocker) Acquire(ctx context.Context, name string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	key := lockKey(name)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire advisory lock %q: %w", name, err)
	}

	release := func() {
		// Best effort: releasing the connection would drop a session lock
		// anyway, but unlock explicitly so the connection returns clean.
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return release, nil
}

// lockKey maps a lock name onto the bigint keyspace advisory locks use.
func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}
