package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/relay/internal/domain"
)

// RetryPolicy bounds the exponential backoff applied to transient store
// errors (serialization failures, deadlocks, dropped connections).
type RetryPolicy struct {
	MaxElapsed      time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy matches the config defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxElapsed: 10 * time.Second, InitialInterval: 50 * time.Millisecond, MaxInterval: time.Second}
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsed
	return backoff.WithContext(b, ctx)
}

// transientError reports whether err is worth retrying: serialization
// failure, deadlock, or a connection-class error.
func transientError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		// Class 08 — connection exceptions.
		return strings.HasPrefix(pgErr.Code, "08")
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// domainError reports whether err already carries a domain sentinel that
// must pass through untouched.
func domainError(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrQueueNotFound) ||
		errors.Is(err, domain.ErrLockLost) ||
		errors.Is(err, domain.ErrAlreadyExists) ||
		errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrInvalidArgument)
}

// withRetry runs fn, retrying transient store errors with capped backoff.
// Domain sentinels pass through; anything else permanent is surfaced as a
// store failure.
func withRetry[T any](ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	operation := func() error {
		v, err := fn(ctx)
		// Keep the value even on permanent errors: lock-lost paths return
		// the stored row alongside the sentinel.
		out = v
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("op=%s: %w", op, domain.ErrCancelled))
			}
			if domainError(err) || errors.Is(err, pgx.ErrNoRows) {
				return backoff.Permanent(err)
			}
			if transientError(err) {
				return fmt.Errorf("%w: %w", domain.ErrStoreTransient, err)
			}
			return backoff.Permanent(fmt.Errorf("op=%s: %w: %w", op, domain.ErrStoreFailure, err))
		}
		return nil
	}
	if err := backoff.Retry(operation, p.backoff(ctx)); err != nil {
		if errors.Is(err, domain.ErrStoreTransient) {
			// Retry budget exhausted; surface as permanent failure.
			return out, fmt.Errorf("op=%s: %w: %w", op, domain.ErrStoreFailure, err)
		}
		return out, err
	}
	return out, nil
}
