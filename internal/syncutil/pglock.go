package syncutil

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
)

// PGAdvisoryLocker is a cross-process Locker backed by PostgreSQL
// session advisory locks. Request handlers, webhook handlers and sweep
// workers may run in separate processes; they all serialize on the same
// database, so a lock taken here excludes every worker, not just
// goroutines in this one.
//
// The key is hashed to the 64-bit advisory-lock space. Each acquisition
// pins one connection from the pool until unlock, since advisory locks
// are session-scoped.
type PGAdvisoryLocker struct {
	db *sql.DB
}

// NewPGAdvisoryLocker creates a Postgres-backed Locker.
func NewPGAdvisoryLocker(db *sql.DB) *PGAdvisoryLocker {
	return &PGAdvisoryLocker{db: db}
}

// Lock blocks until the advisory lock for key is held or ctx is done.
func (l *PGAdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("advisory lock: acquire connection: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockID(key)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("advisory lock %q: %w", key, err)
	}

	unlock := func() {
		// Unlock must not inherit the caller's (possibly cancelled)
		// context: the lock has to be released regardless.
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID(key))
		_ = conn.Close()
	}
	return unlock, nil
}

func lockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

var _ Locker = (*PGAdvisoryLocker)(nil)
