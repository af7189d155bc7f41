// Package lock provides mutual exclusion for store edit sessions. App
// store edits must not interleave across processes, so the lock lives
// in Postgres as a session-scoped advisory lock keyed by app and store.
package lock

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/railyard-labs/railyard-go/internal/provider"
)

// AdvisoryLocker acquires Postgres advisory locks. Each Acquire pins a
// dedicated connection for the lock's lifetime; the release func
// unlocks and returns the connection to the pool.
type AdvisoryLocker struct {
	db          *sql.DB
	tryInterval time.Duration
	maxWait     time.Duration
}

func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	if db == nil {
		return nil
	}
	return &AdvisoryLocker{
		db:          db,
		tryInterval: 250 * time.Millisecond,
		maxWait:     30 * time.Second,
	}
}

// Acquire blocks until the lock for key is held, the wait ceiling
// passes, or ctx is done. Contention past the ceiling is a transient
// lock_contended error so callers retry with backoff instead of
// queueing forever.
func (l *AdvisoryLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if l == nil || l.db == nil {
		return nil, errors.New("locker is not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("lock key is required")
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	id := keyID(key)
	deadline := time.Now().Add(l.maxWait)
	for {
		var locked bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&locked); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("try lock %s: %w", key, err)
		}
		if locked {
			break
		}
		if time.Now().After(deadline) {
			_ = conn.Close()
			return nil, provider.Transient(provider.CodeLockContended,
				fmt.Errorf("lock %s is held elsewhere", key))
		}
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, ctx.Err()
		case <-time.After(l.tryInterval):
		}
	}

	release := func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock($1)`, id)
		_ = conn.Close()
	}
	return release, nil
}

// keyID folds a lock key into the signed 64-bit space advisory locks
// use. Collisions only cost extra serialization, never correctness.
func keyID(key string) int64 {
	sum := sha256.Sum256([]byte(key))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
