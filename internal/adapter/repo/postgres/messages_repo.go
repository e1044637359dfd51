package postgres

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/relay/internal/domain"
)

// MessageRepo persists messages and performs the atomic lifecycle
// transitions. Each queue type has its own storage: the messages table,
// the non-durable messages_unlogged variant, or time-partitioned children
// of messages_partitioned. By-id operations probe all three.
type MessageRepo struct {
	Pool          *pgxpool.Pool
	Retry         RetryPolicy
	NotifyChannel string

	partsMu sync.Mutex
	parts   map[string]struct{}
}

// NewMessageRepo constructs a MessageRepo.
func NewMessageRepo(pool *pgxpool.Pool, retry RetryPolicy, notifyChannel string) *MessageRepo {
	return &MessageRepo{Pool: pool, Retry: retry, NotifyChannel: notifyChannel, parts: make(map[string]struct{})}
}

const msgCols = `id, queue_name, type, payload, priority, status, attempt_count, max_attempts, ack_timeout_seconds, lock_token, locked_until, consumer_id, created_at, dequeued_at, acknowledged_at, last_error, payload_size`

var messageTables = []string{"messages", "messages_unlogged", "messages_partitioned"}

func tableFor(t domain.QueueType) string {
	switch t {
	case domain.QueueUnlogged:
		return "messages_unlogged"
	case domain.QueuePartitioned:
		return "messages_partitioned"
	default:
		return "messages"
	}
}

type rowScanner interface{ Scan(dest ...any) error }

func scanMessage(row rowScanner) (domain.Message, error) {
	var m domain.Message
	err := row.Scan(
		&m.ID, &m.QueueName, &m.Type, &m.Payload, &m.Priority, &m.Status,
		&m.AttemptCount, &m.MaxAttempts, &m.AckTimeoutSeconds, &m.LockToken,
		&m.LockedUntil, &m.ConsumerID, &m.CreatedAt, &m.DequeuedAt,
		&m.AcknowledgedAt, &m.LastError, &m.PayloadSize,
	)
	return m, err
}

// Enqueue inserts msgs into q's table in one transaction, writes their
// activity rows, and notifies waiting consumers via pg_notify.
func (r *MessageRepo) Enqueue(ctx domain.Context, q domain.Queue, msgs []domain.Message, logs domain.EnqueueLogsFn) error {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.Enqueue")
	defer span.End()
	if q.Type == domain.QueuePartitioned && q.PartitionInterval != nil {
		for _, m := range msgs {
			if err := r.ensurePartition(ctx, *q.PartitionInterval, m.CreatedAt); err != nil {
				return fmt.Errorf("op=messages.enqueue queue=%s: %w", q.Name, err)
			}
		}
	}
	_, err := withRetry(ctx, r.Retry, "messages.enqueue", func(ctx domain.Context) (struct{}, error) {
		tx, err := r.Pool.Begin(ctx)
		if err != nil {
			return struct{}{}, err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		tbl := tableFor(q.Type)
		ins := fmt.Sprintf(`INSERT INTO %s (id, queue_name, type, payload, priority, status, attempt_count, max_attempts, ack_timeout_seconds, created_at, payload_size)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, tbl)
		for _, m := range msgs {
			if _, err := tx.Exec(ctx, ins, m.ID, m.QueueName, m.Type, m.Payload, m.Priority, m.Status, m.AttemptCount, m.MaxAttempts, m.AckTimeoutSeconds, m.CreatedAt, m.PayloadSize); err != nil {
				if isForeignKeyViolation(err) {
					return struct{}{}, fmt.Errorf("op=messages.enqueue queue=%s: %w", m.QueueName, domain.ErrQueueNotFound)
				}
				return struct{}{}, err
			}
		}
		if logs != nil {
			for _, l := range logs(msgs) {
				if err := insertActivityTx(ctx, tx, l); err != nil {
					return struct{}{}, err
				}
			}
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.NotifyChannel, q.Name); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, tx.Commit(ctx)
	})
	return err
}

// Claim atomically locks the best runnable message of the requested queue.
// The skip-locked subquery guarantees that concurrent claimers never block
// on, nor double-claim, the same row.
func (r *MessageRepo) Claim(ctx domain.Context, req domain.ClaimRequest, log domain.TransitionLogFn) (*domain.Message, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.Claim")
	defer span.End()
	tbl := tableFor(req.Queue.Type)
	fallback := req.DefaultAckTimeout
	if req.Queue.AckTimeoutSeconds > 0 {
		fallback = req.Queue.AckTimeoutSeconds
	}
	q := fmt.Sprintf(`UPDATE %s m SET
			status = 'processing',
			lock_token = $4,
			locked_until = now() + make_interval(secs => COALESCE(NULLIF($5::int, 0), m.ack_timeout_seconds, $6)),
			attempt_count = m.attempt_count + 1,
			dequeued_at = now(),
			consumer_id = NULLIF($3, '')
		WHERE m.id = (
			SELECT id FROM %s
			WHERE queue_name = $1 AND status = 'queued' AND ($2 = '' OR type = $2)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+msgCols, tbl, tbl)
	return withRetry(ctx, r.Retry, "messages.claim", func(ctx domain.Context) (*domain.Message, error) {
		tx, err := r.Pool.Begin(ctx)
		if err != nil {
			return nil, err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		m, err := scanMessage(tx.QueryRow(ctx, q, req.Queue.Name, req.Type, req.ConsumerID, req.LockToken, req.AckTimeoutOverride, fallback))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}
		if log != nil {
			if err := insertActivityTx(ctx, tx, log(m)); err != nil {
				return nil, err
			}
		}
		if req.ConsumerID != "" {
			if _, err := tx.Exec(ctx, `INSERT INTO consumer_stats (consumer_id, total_dequeued, last_dequeue_at)
				VALUES ($1, 1, now())
				ON CONFLICT (consumer_id) DO UPDATE SET
					total_dequeued = consumer_stats.total_dequeued + 1,
					last_dequeue_at = now()`, req.ConsumerID); err != nil {
				return nil, err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return &m, nil
	})
}

// Ack acknowledges the message identified by id iff token matches its
// current lock token; a mismatch changes nothing and reports ErrLockLost
// together with the stored row.
func (r *MessageRepo) Ack(ctx domain.Context, id, token string, log domain.TransitionLogFn) (*domain.Message, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.Ack")
	defer span.End()
	return withRetry(ctx, r.Retry, "messages.ack", func(ctx domain.Context) (*domain.Message, error) {
		tx, err := r.Pool.Begin(ctx)
		if err != nil {
			return nil, err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		for _, tbl := range messageTables {
			q := fmt.Sprintf(`UPDATE %s SET
					status = 'acknowledged',
					acknowledged_at = now(),
					lock_token = NULL,
					locked_until = NULL
				WHERE id = $1 AND status = 'processing' AND lock_token = $2
				RETURNING `+msgCols, tbl)
			m, err := scanMessage(tx.QueryRow(ctx, q, id, token))
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					continue
				}
				return nil, err
			}
			if log != nil {
				if err := insertActivityTx(ctx, tx, log(m)); err != nil {
					return nil, err
				}
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, err
			}
			return &m, nil
		}
		cur, err := r.getTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		return cur, fmt.Errorf("op=messages.ack id=%s: %w", id, domain.ErrLockLost)
	})
}

// Nack requeues or dead-letters the message iff token matches. The dead
// decision compares the attempt count against the effective max attempts
// resolved inside the transaction.
func (r *MessageRepo) Nack(ctx domain.Context, id, token, reason string, defaultMax int, log domain.RetryLogFn) (*domain.Message, bool, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.Nack")
	defer span.End()
	type res struct {
		m    *domain.Message
		dead bool
	}
	out, err := withRetry(ctx, r.Retry, "messages.nack", func(ctx domain.Context) (res, error) {
		tx, err := r.Pool.Begin(ctx)
		if err != nil {
			return res{}, err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		m, effMax, tbl, err := r.lockForCompletion(ctx, tx, id, defaultMax)
		if err != nil {
			return res{}, err
		}
		if m.Status != domain.StatusProcessing || m.LockToken == nil || *m.LockToken != token {
			return res{m: m}, fmt.Errorf("op=messages.nack id=%s: %w", id, domain.ErrLockLost)
		}
		dead := m.AttemptCount >= effMax
		var q string
		if dead {
			q = fmt.Sprintf(`UPDATE %s SET status='dead', lock_token=NULL, locked_until=NULL, last_error=$2 WHERE id=$1 RETURNING `+msgCols, tbl)
		} else {
			q = fmt.Sprintf(`UPDATE %s SET status='queued', lock_token=NULL, locked_until=NULL, dequeued_at=NULL, consumer_id=NULL, last_error=$2 WHERE id=$1 RETURNING `+msgCols, tbl)
		}
		updated, err := scanMessage(tx.QueryRow(ctx, q, id, nullIfEmpty(reason)))
		if err != nil {
			return res{}, err
		}
		if log != nil {
			if err := insertActivityTx(ctx, tx, log(updated, dead, effMax)); err != nil {
				return res{}, err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return res{}, err
		}
		return res{m: &updated, dead: dead}, nil
	})
	return out.m, out.dead, err
}

// Touch extends the lock deadline iff token matches. It never rotates the
// token.
func (r *MessageRepo) Touch(ctx domain.Context, id, token string, extendSecs, defaultAck int, log domain.TouchLogFn) (time.Time, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.Touch")
	defer span.End()
	return withRetry(ctx, r.Retry, "messages.touch", func(ctx domain.Context) (time.Time, error) {
		tx, err := r.Pool.Begin(ctx)
		if err != nil {
			return time.Time{}, err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		for _, tbl := range messageTables {
			q := fmt.Sprintf(`UPDATE %s m SET
					locked_until = now() + make_interval(secs => COALESCE(NULLIF($3::int, 0), m.ack_timeout_seconds, (SELECT q.ack_timeout_seconds FROM queues q WHERE q.name = m.queue_name), $4))
				WHERE m.id = $1 AND m.status = 'processing' AND m.lock_token = $2
				RETURNING `+msgCols, tbl)
			m, err := scanMessage(tx.QueryRow(ctx, q, id, token, extendSecs, defaultAck))
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					continue
				}
				return time.Time{}, err
			}
			if log != nil {
				if err := insertActivityTx(ctx, tx, log(m, *m.LockedUntil)); err != nil {
					return time.Time{}, err
				}
			}
			if err := tx.Commit(ctx); err != nil {
				return time.Time{}, err
			}
			return *m.LockedUntil, nil
		}
		if _, err := r.getTx(ctx, tx, id); err != nil {
			return time.Time{}, err
		}
		return time.Time{}, fmt.Errorf("op=messages.touch id=%s: %w", id, domain.ErrLockLost)
	})
}

// ReclaimOverdue transitions up to limit processing messages whose deadline
// has passed, oldest deadline first. Rows another replica is already
// reclaiming are skipped, which keeps the sweep idempotent under races.
func (r *MessageRepo) ReclaimOverdue(ctx domain.Context, limit int, defs domain.ReclaimDefaults, log domain.ReclaimLogFn) ([]domain.ReclaimResult, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.ReclaimOverdue")
	defer span.End()
	return withRetry(ctx, r.Retry, "messages.reclaim_overdue", func(ctx domain.Context) ([]domain.ReclaimResult, error) {
		tx, err := r.Pool.Begin(ctx)
		if err != nil {
			return nil, err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		var results []domain.ReclaimResult
		remaining := limit
		for _, tbl := range messageTables {
			if remaining <= 0 {
				break
			}
			sel := fmt.Sprintf(`SELECT m.`+strings.ReplaceAll(msgCols, ", ", ", m.")+`,
					COALESCE(m.max_attempts, q.max_attempts, $1) AS eff_max,
					COALESCE(m.ack_timeout_seconds, q.ack_timeout_seconds, $2) AS eff_ack
				FROM %s m LEFT JOIN queues q ON q.name = m.queue_name
				WHERE m.status = 'processing' AND m.locked_until < now()
				ORDER BY m.locked_until ASC
				LIMIT $3
				FOR UPDATE OF m SKIP LOCKED`, tbl)
			rows, err := tx.Query(ctx, sel, defs.MaxAttempts, defs.AckTimeoutSeconds, remaining)
			if err != nil {
				return nil, err
			}
			type cand struct {
				m              domain.Message
				effMax, effAck int
			}
			var cands []cand
			for rows.Next() {
				var c cand
				var m domain.Message
				if err := rows.Scan(
					&m.ID, &m.QueueName, &m.Type, &m.Payload, &m.Priority, &m.Status,
					&m.AttemptCount, &m.MaxAttempts, &m.AckTimeoutSeconds, &m.LockToken,
					&m.LockedUntil, &m.ConsumerID, &m.CreatedAt, &m.DequeuedAt,
					&m.AcknowledgedAt, &m.LastError, &m.PayloadSize,
					&c.effMax, &c.effAck,
				); err != nil {
					rows.Close()
					return nil, err
				}
				c.m = m
				cands = append(cands, c)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return nil, err
			}
			for _, c := range cands {
				dead := c.m.AttemptCount >= c.effMax
				var q string
				if dead {
					q = fmt.Sprintf(`UPDATE %s SET status='dead', lock_token=NULL, locked_until=NULL, last_error='ack timeout exceeded' WHERE id=$1 RETURNING `+msgCols, tbl)
				} else {
					// The requeue branch only clears lock state; a prior
					// failure reason stays on the row.
					q = fmt.Sprintf(`UPDATE %s SET status='queued', lock_token=NULL, locked_until=NULL, dequeued_at=NULL, consumer_id=NULL WHERE id=$1 RETURNING `+msgCols, tbl)
				}
				updated, err := scanMessage(tx.QueryRow(ctx, q, c.m.ID))
				if err != nil {
					return nil, err
				}
				// The overdue row carries the pre-transition consumer and
				// dequeue time the audit row and detectors need.
				rr := domain.ReclaimResult{Message: updated, Dead: dead, EffAckTimeoutSeconds: c.effAck}
				rr.Message.ConsumerID = c.m.ConsumerID
				rr.Message.DequeuedAt = c.m.DequeuedAt
				if log != nil {
					if err := insertActivityTx(ctx, tx, log(rr)); err != nil {
						return nil, err
					}
				}
				results = append(results, rr)
				remaining--
			}
		}
		// Requeued rows are runnable again; wake consumers on other replicas.
		notified := make(map[string]bool, 2)
		for _, rr := range results {
			if rr.Dead || notified[rr.Message.QueueName] {
				continue
			}
			if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.NotifyChannel, rr.Message.QueueName); err != nil {
				return nil, err
			}
			notified[rr.Message.QueueName] = true
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return results, nil
	})
}

// Get loads a message by id from either table.
func (r *MessageRepo) Get(ctx domain.Context, id string) (domain.Message, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.Get")
	defer span.End()
	return withRetry(ctx, r.Retry, "messages.get", func(ctx domain.Context) (domain.Message, error) {
		for _, tbl := range messageTables {
			m, err := scanMessage(r.Pool.QueryRow(ctx, fmt.Sprintf(`SELECT `+msgCols+` FROM %s WHERE id=$1`, tbl), id))
			if err == nil {
				return m, nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return domain.Message{}, err
			}
		}
		return domain.Message{}, fmt.Errorf("op=messages.get id=%s: %w", id, domain.ErrNotFound)
	})
}

// List pages messages across both tables with a whitelisted sort.
func (r *MessageRepo) List(ctx domain.Context, f domain.MessageFilter) ([]domain.Message, int64, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.List")
	defer span.End()
	where, args := buildMessageWhere(f)
	order := messageOrder(f)
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	selects := make([]string, len(messageTables))
	for i, tbl := range messageTables {
		selects[i] = fmt.Sprintf(`SELECT `+msgCols+` FROM %s %s`, tbl, where)
	}
	union := strings.Join(selects, " UNION ALL ")
	listQ := fmt.Sprintf(`%s ORDER BY %s LIMIT %d OFFSET %d`, union, order, limit, f.Offset)
	countQ := fmt.Sprintf(`SELECT count(*) FROM (%s) u`, union)
	type out struct {
		msgs  []domain.Message
		total int64
	}
	v, err := withRetry(ctx, r.Retry, "messages.list", func(ctx domain.Context) (out, error) {
		var o out
		if err := r.Pool.QueryRow(ctx, countQ, args...).Scan(&o.total); err != nil {
			return o, err
		}
		rows, err := r.Pool.Query(ctx, listQ, args...)
		if err != nil {
			return o, err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return o, err
			}
			o.msgs = append(o.msgs, m)
		}
		return o, rows.Err()
	})
	return v.msgs, v.total, err
}

// Delete removes a message by id and logs the deletion.
func (r *MessageRepo) Delete(ctx domain.Context, id string, log domain.TransitionLogFn) (domain.Message, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.Delete")
	defer span.End()
	return withRetry(ctx, r.Retry, "messages.delete", func(ctx domain.Context) (domain.Message, error) {
		tx, err := r.Pool.Begin(ctx)
		if err != nil {
			return domain.Message{}, err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		for _, tbl := range messageTables {
			m, err := scanMessage(tx.QueryRow(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=$1 RETURNING `+msgCols, tbl), id))
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					continue
				}
				return domain.Message{}, err
			}
			if log != nil {
				if err := insertActivityTx(ctx, tx, log(m)); err != nil {
					return domain.Message{}, err
				}
			}
			if err := tx.Commit(ctx); err != nil {
				return domain.Message{}, err
			}
			return m, nil
		}
		return domain.Message{}, fmt.Errorf("op=messages.delete id=%s: %w", id, domain.ErrNotFound)
	})
}

// Move reparents the selected messages to the target queue and/or status.
// Moves into processing mint a fresh lock token; moves into queued clear all
// lock state. Rows are re-inserted so moves across storage variants
// (standard <-> unlogged) keep working.
func (r *MessageRepo) Move(ctx domain.Context, req domain.MoveRequest, log domain.TransitionLogFn) ([]domain.Message, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.Move")
	defer span.End()
	return withRetry(ctx, r.Retry, "messages.move", func(ctx domain.Context) ([]domain.Message, error) {
		tx, err := r.Pool.Begin(ctx)
		if err != nil {
			return nil, err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		targetTbl := ""
		targetAck := 0
		var targetInterval time.Duration
		if req.TargetQueue != "" {
			var qt domain.QueueType
			var partSecs int64
			err := tx.QueryRow(ctx, `SELECT queue_type, ack_timeout_seconds, COALESCE(partition_interval_seconds, 0) FROM queues WHERE name=$1`, req.TargetQueue).Scan(&qt, &targetAck, &partSecs)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("op=messages.move queue=%s: %w", req.TargetQueue, domain.ErrQueueNotFound)
			}
			if err != nil {
				return nil, err
			}
			targetTbl = tableFor(qt)
			targetInterval = time.Duration(partSecs) * time.Second
		}

		var selected []struct {
			m   domain.Message
			tbl string
		}
		for _, tbl := range messageTables {
			var sel string
			var args []any
			switch {
			case len(req.IDs) > 0:
				sel = fmt.Sprintf(`SELECT `+msgCols+` FROM %s WHERE id = ANY($1) FOR UPDATE`, tbl)
				args = []any{req.IDs}
			case req.SourceQueue != "" && req.SourceStatus != "":
				sel = fmt.Sprintf(`SELECT `+msgCols+` FROM %s WHERE queue_name=$1 AND status=$2 FOR UPDATE`, tbl)
				args = []any{req.SourceQueue, req.SourceStatus}
			case req.SourceQueue != "":
				sel = fmt.Sprintf(`SELECT `+msgCols+` FROM %s WHERE queue_name=$1 FOR UPDATE`, tbl)
				args = []any{req.SourceQueue}
			default:
				return nil, fmt.Errorf("op=messages.move: selector required: %w", domain.ErrInvalidArgument)
			}
			rows, err := tx.Query(ctx, sel, args...)
			if err != nil {
				return nil, err
			}
			for rows.Next() {
				m, err := scanMessage(rows)
				if err != nil {
					rows.Close()
					return nil, err
				}
				selected = append(selected, struct {
					m   domain.Message
					tbl string
				}{m, tbl})
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return nil, err
			}
		}

		var moved []domain.Message
		for _, s := range selected {
			m := s.m
			dstTbl := s.tbl
			if targetTbl != "" {
				dstTbl = targetTbl
				m.QueueName = req.TargetQueue
			}
			if req.TargetStatus != "" {
				m.Status = req.TargetStatus
			}
			switch m.Status {
			case domain.StatusProcessing:
				tok := domain.NewLockToken()
				m.LockToken = &tok
				secs := targetAck
				if m.AckTimeoutSeconds != nil && *m.AckTimeoutSeconds > 0 {
					secs = *m.AckTimeoutSeconds
				}
				if secs <= 0 {
					secs = 30
				}
				until := time.Now().UTC().Add(time.Duration(secs) * time.Second)
				m.LockedUntil = &until
				now := time.Now().UTC()
				m.DequeuedAt = &now
			case domain.StatusQueued:
				m.LockToken = nil
				m.LockedUntil = nil
				m.DequeuedAt = nil
				m.ConsumerID = nil
			default:
				m.LockToken = nil
				m.LockedUntil = nil
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=$1`, s.tbl), s.m.ID); err != nil {
				return nil, err
			}
			if dstTbl == "messages_partitioned" {
				if err := r.ensurePartition(ctx, targetInterval, m.CreatedAt); err != nil {
					return nil, err
				}
			}
			ins := fmt.Sprintf(`INSERT INTO %s (`+msgCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`, dstTbl)
			if _, err := tx.Exec(ctx, ins,
				m.ID, m.QueueName, m.Type, m.Payload, m.Priority, m.Status,
				m.AttemptCount, m.MaxAttempts, m.AckTimeoutSeconds, m.LockToken,
				m.LockedUntil, m.ConsumerID, m.CreatedAt, m.DequeuedAt,
				m.AcknowledgedAt, m.LastError, m.PayloadSize); err != nil {
				return nil, err
			}
			if log != nil {
				if err := insertActivityTx(ctx, tx, log(m)); err != nil {
					return nil, err
				}
			}
			moved = append(moved, m)
		}
		if req.TargetStatus == domain.StatusQueued {
			notified := make(map[string]bool, 2)
			for _, m := range moved {
				if notified[m.QueueName] {
					continue
				}
				if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.NotifyChannel, m.QueueName); err != nil {
					return nil, err
				}
				notified[m.QueueName] = true
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return moved, nil
	})
}

// Purge deletes messages by queue and/or status and logs a single clear row.
// Empty queue means all queues; empty status means all statuses.
func (r *MessageRepo) Purge(ctx domain.Context, queue string, status domain.Status, log domain.PurgeLogFn) (int64, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.Purge")
	defer span.End()
	return withRetry(ctx, r.Retry, "messages.purge", func(ctx domain.Context) (int64, error) {
		tx, err := r.Pool.Begin(ctx)
		if err != nil {
			return 0, err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		var total int64
		for _, tbl := range messageTables {
			q := fmt.Sprintf(`DELETE FROM %s WHERE ($1 = '' OR queue_name = $1) AND ($2 = '' OR status = $2)`, tbl)
			tag, err := tx.Exec(ctx, q, queue, string(status))
			if err != nil {
				return 0, err
			}
			total += tag.RowsAffected()
		}
		if log != nil {
			if err := insertActivityTx(ctx, tx, log(total)); err != nil {
				return 0, err
			}
		}
		return total, tx.Commit(ctx)
	})
}

// CountsByStatus aggregates row counts over both tables using the dequeue
// index prefix.
func (r *MessageRepo) CountsByStatus(ctx domain.Context, queue string) (map[domain.Status]int64, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.CountsByStatus")
	defer span.End()
	return withRetry(ctx, r.Retry, "messages.counts", func(ctx domain.Context) (map[domain.Status]int64, error) {
		counts := make(map[domain.Status]int64)
		for _, tbl := range messageTables {
			q := fmt.Sprintf(`SELECT status, count(*) FROM %s WHERE ($1 = '' OR queue_name = $1) GROUP BY status`, tbl)
			rows, err := r.Pool.Query(ctx, q, queue)
			if err != nil {
				return nil, err
			}
			for rows.Next() {
				var st domain.Status
				var n int64
				if err := rows.Scan(&st, &n); err != nil {
					rows.Close()
					return nil, err
				}
				counts[st] += n
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return nil, err
			}
		}
		return counts, nil
	})
}

// lockForCompletion selects a message row FOR UPDATE together with its
// effective max attempts, probing both tables.
func (r *MessageRepo) lockForCompletion(ctx domain.Context, tx pgx.Tx, id string, defaultMax int) (*domain.Message, int, string, error) {
	for _, tbl := range messageTables {
		q := fmt.Sprintf(`SELECT m.`+strings.ReplaceAll(msgCols, ", ", ", m.")+`, COALESCE(m.max_attempts, q.max_attempts, $2) AS eff_max
			FROM %s m LEFT JOIN queues q ON q.name = m.queue_name
			WHERE m.id = $1
			FOR UPDATE OF m`, tbl)
		var m domain.Message
		var effMax int
		err := tx.QueryRow(ctx, q, id, defaultMax).Scan(
			&m.ID, &m.QueueName, &m.Type, &m.Payload, &m.Priority, &m.Status,
			&m.AttemptCount, &m.MaxAttempts, &m.AckTimeoutSeconds, &m.LockToken,
			&m.LockedUntil, &m.ConsumerID, &m.CreatedAt, &m.DequeuedAt,
			&m.AcknowledgedAt, &m.LastError, &m.PayloadSize, &effMax,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return nil, 0, "", err
		}
		return &m, effMax, tbl, nil
	}
	return nil, 0, "", fmt.Errorf("op=messages.lock id=%s: %w", id, domain.ErrNotFound)
}

// getTx loads a message by id inside an open transaction.
func (r *MessageRepo) getTx(ctx domain.Context, tx pgx.Tx, id string) (*domain.Message, error) {
	for _, tbl := range messageTables {
		m, err := scanMessage(tx.QueryRow(ctx, fmt.Sprintf(`SELECT `+msgCols+` FROM %s WHERE id=$1`, tbl), id))
		if err == nil {
			return &m, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("op=messages.get id=%s: %w", id, domain.ErrNotFound)
}

func buildMessageWhere(f domain.MessageFilter) (string, []any) {
	clauses := []string{"($1 = '' OR queue_name = $1)", "($2 = '' OR status = $2)", "($3 = '' OR type = $3)", "($4 = '' OR consumer_id = $4)"}
	args := []any{f.Queue, string(f.Status), f.Type, f.ConsumerID}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func messageOrder(f domain.MessageFilter) string {
	col := "created_at"
	switch f.SortBy {
	case "priority":
		col = "priority"
	case "dequeued_at":
		col = "dequeued_at"
	case "", "created_at":
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	return col + " " + dir
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
