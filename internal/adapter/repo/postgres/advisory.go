package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/relay/internal/domain"
)

// noCancel strips cancellation while keeping context values, for cleanup
// statements that must run after the caller's ctx is done.
func noCancel(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// AdvisoryLock coordinates cluster-wide singletons (the overdue-requeue
// sweep) through Postgres session advisory locks.
type AdvisoryLock struct {
	Pool *pgxpool.Pool
}

// NewAdvisoryLock constructs an AdvisoryLock over the shared pool.
func NewAdvisoryLock(pool *pgxpool.Pool) *AdvisoryLock { return &AdvisoryLock{Pool: pool} }

// WithLock runs fn only if the advisory lock keyed by key was free. The
// lock is session-scoped, so the holding connection is pinned for the whole
// call and the unlock runs on every exit path.
func (a *AdvisoryLock) WithLock(ctx domain.Context, key int64, fn func(ctx domain.Context) error) (bool, error) {
	conn, err := a.Pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("op=advisory.acquire_conn: %w", err)
	}
	defer conn.Release()

	var got bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
		return false, fmt.Errorf("op=advisory.try_lock: %w", err)
	}
	if !got {
		return false, nil
	}
	defer func() {
		// Release must not inherit a cancelled ctx, or the session keeps
		// the lock until the connection is torn down.
		var unlocked bool
		_ = conn.QueryRow(noCancel(ctx), `SELECT pg_advisory_unlock($1)`, key).Scan(&unlocked)
	}()
	return true, fn(ctx)
}
