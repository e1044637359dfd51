package postgres

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/relay/internal/domain"
)

// QueueRepo persists the queue registry.
type QueueRepo struct {
	Pool  *pgxpool.Pool
	Retry RetryPolicy
}

// NewQueueRepo constructs a QueueRepo.
func NewQueueRepo(pool *pgxpool.Pool, retry RetryPolicy) *QueueRepo {
	return &QueueRepo{Pool: pool, Retry: retry}
}

const queueCols = `name, queue_type, ack_timeout_seconds, max_attempts, partition_interval_seconds, retention_interval_seconds, created_at, updated_at`

func scanQueue(row rowScanner) (domain.Queue, error) {
	var q domain.Queue
	var part, ret *int64
	err := row.Scan(&q.Name, &q.Type, &q.AckTimeoutSeconds, &q.MaxAttempts, &part, &ret, &q.CreatedAt, &q.UpdatedAt)
	q.PartitionInterval = secsToDur(part)
	q.RetentionInterval = secsToDur(ret)
	return q, err
}

func durToSecs(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	s := int64(d.Seconds())
	return &s
}

func secsToDur(s *int64) *time.Duration {
	if s == nil {
		return nil
	}
	d := time.Duration(*s) * time.Second
	return &d
}

// Create inserts a new queue; a name collision maps to ErrAlreadyExists.
func (r *QueueRepo) Create(ctx domain.Context, q domain.Queue) (domain.Queue, error) {
	tracer := otel.Tracer("repo.queues")
	ctx, span := tracer.Start(ctx, "queues.Create")
	defer span.End()
	return withRetry(ctx, r.Retry, "queues.create", func(ctx domain.Context) (domain.Queue, error) {
		row := r.Pool.QueryRow(ctx, `INSERT INTO queues (name, queue_type, ack_timeout_seconds, max_attempts, partition_interval_seconds, retention_interval_seconds)
			VALUES ($1,$2,$3,$4,$5,$6) RETURNING `+queueCols,
			q.Name, q.Type, q.AckTimeoutSeconds, q.MaxAttempts, durToSecs(q.PartitionInterval), durToSecs(q.RetentionInterval))
		created, err := scanQueue(row)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.Queue{}, fmt.Errorf("op=queues.create name=%s: %w", q.Name, domain.ErrAlreadyExists)
			}
			return domain.Queue{}, err
		}
		return created, nil
	})
}

// Get loads a queue by name.
func (r *QueueRepo) Get(ctx domain.Context, name string) (domain.Queue, error) {
	tracer := otel.Tracer("repo.queues")
	ctx, span := tracer.Start(ctx, "queues.Get")
	defer span.End()
	return withRetry(ctx, r.Retry, "queues.get", func(ctx domain.Context) (domain.Queue, error) {
		q, err := scanQueue(r.Pool.QueryRow(ctx, `SELECT `+queueCols+` FROM queues WHERE name=$1`, name))
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Queue{}, fmt.Errorf("op=queues.get name=%s: %w", name, domain.ErrQueueNotFound)
		}
		return q, err
	})
}

// List returns all queues with their current row counts by status, computed
// from the (queue_name, status) prefix of the dequeue index.
func (r *QueueRepo) List(ctx domain.Context) ([]domain.QueueWithCounts, error) {
	tracer := otel.Tracer("repo.queues")
	ctx, span := tracer.Start(ctx, "queues.List")
	defer span.End()
	return withRetry(ctx, r.Retry, "queues.list", func(ctx domain.Context) ([]domain.QueueWithCounts, error) {
		rows, err := r.Pool.Query(ctx, `SELECT `+queueCols+` FROM queues ORDER BY name`)
		if err != nil {
			return nil, err
		}
		var out []domain.QueueWithCounts
		idx := make(map[string]int)
		for rows.Next() {
			q, err := scanQueue(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			idx[q.Name] = len(out)
			out = append(out, domain.QueueWithCounts{Queue: q, Counts: make(map[domain.Status]int64)})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		for _, tbl := range messageTables {
			crows, err := r.Pool.Query(ctx, fmt.Sprintf(`SELECT queue_name, status, count(*) FROM %s GROUP BY queue_name, status`, tbl))
			if err != nil {
				return nil, err
			}
			for crows.Next() {
				var name string
				var st domain.Status
				var n int64
				if err := crows.Scan(&name, &st, &n); err != nil {
					crows.Close()
					return nil, err
				}
				if i, ok := idx[name]; ok {
					out[i].Counts[st] += n
				}
			}
			crows.Close()
			if err := crows.Err(); err != nil {
				return nil, err
			}
		}
		return out, nil
	})
}

// Update mutates the mutable queue settings; queue_type is immutable.
func (r *QueueRepo) Update(ctx domain.Context, name string, upd domain.QueueUpdate) (domain.Queue, error) {
	tracer := otel.Tracer("repo.queues")
	ctx, span := tracer.Start(ctx, "queues.Update")
	defer span.End()
	sets := []string{"updated_at = now()"}
	args := []any{name}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.AckTimeoutSeconds != nil {
		add("ack_timeout_seconds", *upd.AckTimeoutSeconds)
	}
	if upd.MaxAttempts != nil {
		add("max_attempts", *upd.MaxAttempts)
	}
	if upd.RetentionInterval != nil {
		add("retention_interval_seconds", int64(upd.RetentionInterval.Seconds()))
	}
	q := `UPDATE queues SET ` + strings.Join(sets, ", ") + ` WHERE name = $1 RETURNING ` + queueCols
	return withRetry(ctx, r.Retry, "queues.update", func(ctx domain.Context) (domain.Queue, error) {
		updated, err := scanQueue(r.Pool.QueryRow(ctx, q, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Queue{}, fmt.Errorf("op=queues.update name=%s: %w", name, domain.ErrQueueNotFound)
		}
		return updated, err
	})
}

// Delete removes a queue. A non-empty queue requires force; its messages go
// with it (FK cascade on messages, explicit delete on the unlogged table).
func (r *QueueRepo) Delete(ctx domain.Context, name string, force bool) error {
	tracer := otel.Tracer("repo.queues")
	ctx, span := tracer.Start(ctx, "queues.Delete")
	defer span.End()
	_, err := withRetry(ctx, r.Retry, "queues.delete", func(ctx domain.Context) (struct{}, error) {
		tx, err := r.Pool.Begin(ctx)
		if err != nil {
			return struct{}{}, err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if !force {
			var n int64
			for _, tbl := range messageTables {
				var c int64
				if err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE queue_name=$1`, tbl), name).Scan(&c); err != nil {
					return struct{}{}, err
				}
				n += c
			}
			if n > 0 {
				return struct{}{}, fmt.Errorf("op=queues.delete name=%s messages=%d: %w", name, n, domain.ErrConflict)
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM messages_unlogged WHERE queue_name=$1`, name); err != nil {
			return struct{}{}, err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM queues WHERE name=$1`, name)
		if err != nil {
			return struct{}{}, err
		}
		if tag.RowsAffected() == 0 {
			return struct{}{}, fmt.Errorf("op=queues.delete name=%s: %w", name, domain.ErrQueueNotFound)
		}
		return struct{}{}, tx.Commit(ctx)
	})
	return err
}

// EnsureDefault creates the default queue on first start if missing.
func (r *QueueRepo) EnsureDefault(ctx domain.Context, name string, ackTimeout, maxAttempts int) error {
	_, err := withRetry(ctx, r.Retry, "queues.ensure_default", func(ctx domain.Context) (struct{}, error) {
		_, err := r.Pool.Exec(ctx, `INSERT INTO queues (name, queue_type, ack_timeout_seconds, max_attempts)
			VALUES ($1, 'standard', $2, $3) ON CONFLICT (name) DO NOTHING`, name, ackTimeout, maxAttempts)
		return struct{}{}, err
	})
	return err
}
