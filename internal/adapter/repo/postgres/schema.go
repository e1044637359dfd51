package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// bootstrapDDL is the broker schema. Every statement must stay re-runnable:
// Bootstrap executes the full list on every start and replicas may race it.
var bootstrapDDL = []string{
	`CREATE TABLE IF NOT EXISTS queues (
		name                 text PRIMARY KEY,
		queue_type           text NOT NULL DEFAULT 'standard',
		ack_timeout_seconds  int  NOT NULL DEFAULT 30,
		max_attempts         int  NOT NULL DEFAULT 3,
		partition_interval_seconds bigint,
		retention_interval_seconds bigint,
		created_at           timestamptz NOT NULL DEFAULT now(),
		updated_at           timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id                   text PRIMARY KEY,
		queue_name           text NOT NULL REFERENCES queues(name) ON DELETE CASCADE,
		type                 text NOT NULL DEFAULT '',
		payload              jsonb NOT NULL DEFAULT '{}'::jsonb,
		priority             int  NOT NULL DEFAULT 0,
		status               text NOT NULL DEFAULT 'queued',
		attempt_count        int  NOT NULL DEFAULT 0,
		max_attempts         int,
		ack_timeout_seconds  int,
		lock_token           text,
		locked_until         timestamptz,
		consumer_id          text,
		created_at           timestamptz NOT NULL DEFAULT now(),
		dequeued_at          timestamptz,
		acknowledged_at      timestamptz,
		last_error           text,
		payload_size         bigint NOT NULL DEFAULT 0
	)`,
	// Non-durable variant for unlogged queues. LIKE copies the columns,
	// defaults and the primary key index; the FK is intentionally not copied.
	`CREATE UNLOGGED TABLE IF NOT EXISTS messages_unlogged (LIKE messages INCLUDING DEFAULTS INCLUDING CONSTRAINTS INCLUDING INDEXES)`,
	// Parent for partitioned queues; children are created per interval on
	// demand. The partition key must be part of the primary key.
	`CREATE TABLE IF NOT EXISTS messages_partitioned (
		id                   text NOT NULL,
		queue_name           text NOT NULL REFERENCES queues(name) ON DELETE CASCADE,
		type                 text NOT NULL DEFAULT '',
		payload              jsonb NOT NULL DEFAULT '{}'::jsonb,
		priority             int  NOT NULL DEFAULT 0,
		status               text NOT NULL DEFAULT 'queued',
		attempt_count        int  NOT NULL DEFAULT 0,
		max_attempts         int,
		ack_timeout_seconds  int,
		lock_token           text,
		locked_until         timestamptz,
		consumer_id          text,
		created_at           timestamptz NOT NULL DEFAULT now(),
		dequeued_at          timestamptz,
		acknowledged_at      timestamptz,
		last_error           text,
		payload_size         bigint NOT NULL DEFAULT 0,
		PRIMARY KEY (id, created_at)
	) PARTITION BY RANGE (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_dequeue ON messages (queue_name, status, priority DESC, created_at ASC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_unlogged_dequeue ON messages_unlogged (queue_name, status, priority DESC, created_at ASC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_partitioned_dequeue ON messages_partitioned (queue_name, status, priority DESC, created_at ASC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_locked_until ON messages (locked_until) WHERE status = 'processing'`,
	`CREATE INDEX IF NOT EXISTS idx_messages_unlogged_locked_until ON messages_unlogged (locked_until) WHERE status = 'processing'`,
	`CREATE INDEX IF NOT EXISTS idx_messages_partitioned_locked_until ON messages_partitioned (locked_until) WHERE status = 'processing'`,
	`CREATE TABLE IF NOT EXISTS activity_logs (
		log_id       bigserial PRIMARY KEY,
		ts           timestamptz NOT NULL DEFAULT now(),
		action       text NOT NULL,
		message_id   text NOT NULL DEFAULT '',
		queue_name   text NOT NULL DEFAULT '',
		consumer_id  text NOT NULL DEFAULT '',
		message_type text NOT NULL DEFAULT '',
		context      jsonb NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_message ON activity_logs (message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_ts ON activity_logs (ts DESC)`,
	`CREATE TABLE IF NOT EXISTS anomalies (
		anomaly_id   bigserial PRIMARY KEY,
		log_id       bigint NOT NULL REFERENCES activity_logs(log_id) ON DELETE CASCADE,
		anomaly_type text NOT NULL,
		severity     text NOT NULL,
		details      jsonb NOT NULL DEFAULT '{}'::jsonb,
		created_at   timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_anomalies_type ON anomalies (anomaly_type)`,
	`CREATE INDEX IF NOT EXISTS idx_anomalies_severity ON anomalies (severity)`,
	`CREATE INDEX IF NOT EXISTS idx_anomalies_log ON anomalies (log_id)`,
	`CREATE TABLE IF NOT EXISTS consumer_stats (
		consumer_id     text PRIMARY KEY,
		total_dequeued  bigint NOT NULL DEFAULT 0,
		last_dequeue_at timestamptz,
		anomaly_counts  jsonb NOT NULL DEFAULT '{}'::jsonb
	)`,
}

// Bootstrap creates tables and indexes, tolerating an already-populated
// database on restart.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range bootstrapDDL {
		if _, err := pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("op=schema.bootstrap: %w", err)
		}
	}
	return nil
}
