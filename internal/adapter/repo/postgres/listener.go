package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/relay/internal/domain"
)

// Listener holds one dedicated LISTEN connection and dispatches payloads to
// a handler. Enqueue transactions pg_notify the events channel, which wakes
// consumers blocked in dequeue on other replicas.
type Listener struct {
	Pool *pgxpool.Pool
}

// NewListener constructs a Listener over the shared pool; the LISTEN
// connection itself is acquired lazily and pinned until ctx is done.
func NewListener(pool *pgxpool.Pool) *Listener { return &Listener{Pool: pool} }

// Listen blocks until ctx is done, invoking handler for every notification
// payload received on channel. Lost connections are re-acquired with a
// small delay.
func (l *Listener) Listen(ctx domain.Context, channel string, handler func(payload string)) error {
	for {
		if err := l.listenOnce(ctx, channel, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("listener connection lost; reacquiring", slog.String("channel", channel), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context, channel string, handler func(payload string)) error {
	conn, err := l.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	// Channel names are configuration, not user input; quote as identifier.
	if _, err := conn.Exec(ctx, `LISTEN `+quoteIdent(channel)); err != nil {
		return err
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		handler(n.Payload)
	}
}

func quoteIdent(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, s[i])
	}
	return string(append(out, '"'))
}
