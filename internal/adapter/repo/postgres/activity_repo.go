package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/relay/internal/domain"
)

// ActivityRepo persists the append-only audit trail and its anomalies.
type ActivityRepo struct {
	Pool  *pgxpool.Pool
	Retry RetryPolicy
}

// NewActivityRepo constructs an ActivityRepo.
func NewActivityRepo(pool *pgxpool.Pool, retry RetryPolicy) *ActivityRepo {
	return &ActivityRepo{Pool: pool, Retry: retry}
}

// insertActivityTx writes one activity row (and its anomaly, if any) inside
// an open transaction. Transition methods of the message repo call this so
// the audit row commits with the state change.
func insertActivityTx(ctx domain.Context, tx pgx.Tx, l domain.ActivityLog) error {
	ts := l.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ctxMap := l.Context
	if ctxMap == nil {
		ctxMap = map[string]any{}
	}
	var logID int64
	err := tx.QueryRow(ctx, `INSERT INTO activity_logs (ts, action, message_id, queue_name, consumer_id, message_type, context)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING log_id`,
		ts, l.Action, l.MessageID, l.QueueName, l.ConsumerID, l.MessageType, ctxMap).Scan(&logID)
	if err != nil {
		return fmt.Errorf("op=activity.insert: %w", err)
	}
	if l.Anomaly != nil {
		details := l.Anomaly.Details
		if details == nil {
			details = map[string]any{}
		}
		if _, err := tx.Exec(ctx, `INSERT INTO anomalies (log_id, anomaly_type, severity, details, created_at)
			VALUES ($1,$2,$3,$4,$5)`, logID, l.Anomaly.Type, l.Anomaly.Severity, details, ts); err != nil {
			return fmt.Errorf("op=activity.insert_anomaly: %w", err)
		}
	}
	return nil
}

// Append writes a standalone activity row outside any transition, e.g. a
// rejected ack that changed no state.
func (r *ActivityRepo) Append(ctx domain.Context, l domain.ActivityLog) error {
	tracer := otel.Tracer("repo.activity")
	ctx, span := tracer.Start(ctx, "activity.Append")
	defer span.End()
	_, err := withRetry(ctx, r.Retry, "activity.append", func(ctx domain.Context) (struct{}, error) {
		tx, err := r.Pool.Begin(ctx)
		if err != nil {
			return struct{}{}, err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if err := insertActivityTx(ctx, tx, l); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, tx.Commit(ctx)
	})
	return err
}

const activityCols = `a.log_id, a.ts, a.action, a.message_id, a.queue_name, a.consumer_id, a.message_type, a.context, an.anomaly_type, an.severity, an.details`

const activityFrom = `FROM activity_logs a LEFT JOIN anomalies an ON an.log_id = a.log_id`

func scanActivity(rows rowScanner) (domain.ActivityLog, error) {
	var l domain.ActivityLog
	var anType, anSeverity *string
	var anDetails map[string]any
	err := rows.Scan(&l.LogID, &l.Timestamp, &l.Action, &l.MessageID, &l.QueueName, &l.ConsumerID, &l.MessageType, &l.Context, &anType, &anSeverity, &anDetails)
	if err != nil {
		return l, err
	}
	if anType != nil {
		l.Anomaly = &domain.Anomaly{Type: *anType, Severity: domain.Severity(deref(anSeverity)), Details: anDetails}
	}
	return l, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Logs returns activity rows matching f, newest first, plus the total count.
func (r *ActivityRepo) Logs(ctx domain.Context, f domain.ActivityFilter) ([]domain.ActivityLog, int64, error) {
	tracer := otel.Tracer("repo.activity")
	ctx, span := tracer.Start(ctx, "activity.Logs")
	defer span.End()
	clauses := []string{"($1 = '' OR a.queue_name = $1)", "($2 = '' OR a.message_id = $2)", "($3 = '' OR a.consumer_id = $3)", "($4 = '' OR a.action = $4)"}
	args := []any{f.Queue, f.MessageID, f.ConsumerID, string(f.Action)}
	if f.AnomaliesOnly {
		clauses = append(clauses, "an.anomaly_type IS NOT NULL")
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		clauses = append(clauses, fmt.Sprintf("a.ts >= $%d", len(args)))
	}
	if f.Until != nil {
		args = append(args, *f.Until)
		clauses = append(clauses, fmt.Sprintf("a.ts <= $%d", len(args)))
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	type out struct {
		logs  []domain.ActivityLog
		total int64
	}
	v, err := withRetry(ctx, r.Retry, "activity.logs", func(ctx domain.Context) (out, error) {
		var o out
		if err := r.Pool.QueryRow(ctx, `SELECT count(*) `+activityFrom+` `+where, args...).Scan(&o.total); err != nil {
			return o, err
		}
		q := fmt.Sprintf(`SELECT %s %s %s ORDER BY a.ts DESC, a.log_id DESC LIMIT %d OFFSET %d`, activityCols, activityFrom, where, limit, f.Offset)
		rows, err := r.Pool.Query(ctx, q, args...)
		if err != nil {
			return o, err
		}
		defer rows.Close()
		for rows.Next() {
			l, err := scanActivity(rows)
			if err != nil {
				return o, err
			}
			o.logs = append(o.logs, l)
		}
		return o, rows.Err()
	})
	return v.logs, v.total, err
}

// History returns the full audit trail of one message, ascending by time
// and append order.
func (r *ActivityRepo) History(ctx domain.Context, messageID string) ([]domain.ActivityLog, error) {
	tracer := otel.Tracer("repo.activity")
	ctx, span := tracer.Start(ctx, "activity.History")
	defer span.End()
	return withRetry(ctx, r.Retry, "activity.history", func(ctx domain.Context) ([]domain.ActivityLog, error) {
		rows, err := r.Pool.Query(ctx, `SELECT `+activityCols+` `+activityFrom+` WHERE a.message_id = $1 ORDER BY a.ts ASC, a.log_id ASC`, messageID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []domain.ActivityLog
		for rows.Next() {
			l, err := scanActivity(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, l)
		}
		return out, rows.Err()
	})
}

// Anomalies returns anomaly-bearing rows matching f plus an aggregate
// summary over the full match set.
func (r *ActivityRepo) Anomalies(ctx domain.Context, f domain.AnomalyFilter) ([]domain.ActivityLog, domain.AnomalySummary, error) {
	tracer := otel.Tracer("repo.activity")
	ctx, span := tracer.Start(ctx, "activity.Anomalies")
	defer span.End()
	clauses := []string{"an.anomaly_type IS NOT NULL", "($1 = '' OR a.queue_name = $1)", "($2 = '' OR an.anomaly_type = $2)", "($3 = '' OR an.severity = $3)"}
	args := []any{f.Queue, f.Type, string(f.Severity)}
	where := "WHERE " + strings.Join(clauses, " AND ")
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	type out struct {
		logs    []domain.ActivityLog
		summary domain.AnomalySummary
	}
	v, err := withRetry(ctx, r.Retry, "activity.anomalies", func(ctx domain.Context) (out, error) {
		o := out{summary: domain.AnomalySummary{ByType: map[string]int64{}, BySeverity: map[string]int64{}}}
		srows, err := r.Pool.Query(ctx, `SELECT an.anomaly_type, an.severity, count(*) `+activityFrom+` `+where+` GROUP BY an.anomaly_type, an.severity`, args...)
		if err != nil {
			return o, err
		}
		for srows.Next() {
			var typ, sev string
			var n int64
			if err := srows.Scan(&typ, &sev, &n); err != nil {
				srows.Close()
				return o, err
			}
			o.summary.Total += n
			o.summary.ByType[typ] += n
			o.summary.BySeverity[sev] += n
		}
		srows.Close()
		if err := srows.Err(); err != nil {
			return o, err
		}
		q := fmt.Sprintf(`SELECT %s %s %s ORDER BY a.ts %s, a.log_id %s LIMIT %d OFFSET %d`, activityCols, activityFrom, where, dir, dir, limit, f.Offset)
		rows, err := r.Pool.Query(ctx, q, args...)
		if err != nil {
			return o, err
		}
		defer rows.Close()
		for rows.Next() {
			l, err := scanActivity(rows)
			if err != nil {
				return o, err
			}
			o.logs = append(o.logs, l)
		}
		return o, rows.Err()
	})
	return v.logs, v.summary, err
}

// ConsumerStats returns stats for one consumer, or every consumer when id
// is empty.
func (r *ActivityRepo) ConsumerStats(ctx domain.Context, consumerID string) ([]domain.ConsumerStats, error) {
	tracer := otel.Tracer("repo.activity")
	ctx, span := tracer.Start(ctx, "activity.ConsumerStats")
	defer span.End()
	return withRetry(ctx, r.Retry, "activity.consumer_stats", func(ctx domain.Context) ([]domain.ConsumerStats, error) {
		rows, err := r.Pool.Query(ctx, `SELECT consumer_id, total_dequeued, last_dequeue_at, anomaly_counts
			FROM consumer_stats WHERE ($1 = '' OR consumer_id = $1) ORDER BY consumer_id`, consumerID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []domain.ConsumerStats
		for rows.Next() {
			var s domain.ConsumerStats
			var counts map[string]int64
			if err := rows.Scan(&s.ConsumerID, &s.TotalDequeued, &s.LastDequeueAt, &counts); err != nil {
				return nil, err
			}
			s.AnomalyCounts = counts
			out = append(out, s)
		}
		return out, rows.Err()
	})
}

// BumpAnomaly increments one per-consumer anomaly counter.
func (r *ActivityRepo) BumpAnomaly(ctx domain.Context, consumerID, anomalyType string) error {
	tracer := otel.Tracer("repo.activity")
	ctx, span := tracer.Start(ctx, "activity.BumpAnomaly")
	defer span.End()
	_, err := withRetry(ctx, r.Retry, "activity.bump_anomaly", func(ctx domain.Context) (struct{}, error) {
		_, err := r.Pool.Exec(ctx, `INSERT INTO consumer_stats (consumer_id, anomaly_counts)
			VALUES ($1, jsonb_build_object($2::text, 1))
			ON CONFLICT (consumer_id) DO UPDATE SET anomaly_counts = jsonb_set(
				COALESCE(consumer_stats.anomaly_counts, '{}'::jsonb),
				ARRAY[$2::text],
				to_jsonb(COALESCE((consumer_stats.anomaly_counts->>$2::text)::bigint, 0) + 1)
			)`, consumerID, anomalyType)
		return struct{}{}, err
	})
	return err
}

// DeleteOlderThan trims the audit trail to the retention horizon; anomaly
// rows follow via FK cascade.
func (r *ActivityRepo) DeleteOlderThan(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.activity")
	ctx, span := tracer.Start(ctx, "activity.DeleteOlderThan")
	defer span.End()
	return withRetry(ctx, r.Retry, "activity.delete_older", func(ctx domain.Context) (int64, error) {
		tag, err := r.Pool.Exec(ctx, `DELETE FROM activity_logs WHERE ts < $1`, cutoff)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	})
}
