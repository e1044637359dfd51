package domain

import "time"

// Log-builder callbacks let the store commit the audit row in the same
// transaction as the state change (activity invariant). A nil builder means
// activity logging is disabled; stores must tolerate it.
type (
	// EnqueueLogsFn builds one activity row per inserted message.
	EnqueueLogsFn func(msgs []Message) []ActivityLog
	// TransitionLogFn builds the activity row for a single-message
	// transition; it receives the post-transition row.
	TransitionLogFn func(m Message) ActivityLog
	// RetryLogFn builds the activity row for a nack transition; dead
	// reports whether the message was dead-lettered, effMax is the
	// resolved attempt cap.
	RetryLogFn func(m Message, dead bool, effMax int) ActivityLog
	// ReclaimLogFn builds the activity row for one overdue reclaim.
	ReclaimLogFn func(r ReclaimResult) ActivityLog
	// TouchLogFn builds the activity row for a deadline extension.
	TouchLogFn func(m Message, until time.Time) ActivityLog
	// PurgeLogFn builds the single activity row for a bulk clear.
	PurgeLogFn func(count int64) ActivityLog
)

// ClaimRequest carries the parameters of one atomic dequeue attempt.
type ClaimRequest struct {
	Queue      Queue
	Type       string // optional filter; empty matches any type
	ConsumerID string
	LockToken  string
	// AckTimeoutOverride, in seconds, wins over the per-message and
	// per-queue values when positive.
	AckTimeoutOverride int
	// DefaultAckTimeout is the global fallback in seconds.
	DefaultAckTimeout int
}

// ReclaimDefaults carries the global fallbacks the overdue sweep needs to
// resolve effective limits without a queue row in hand.
type ReclaimDefaults struct {
	MaxAttempts       int
	AckTimeoutSeconds int
}

// ReclaimResult is one message transitioned by the overdue sweep.
type ReclaimResult struct {
	Message Message
	Dead    bool
	// EffAckTimeoutSeconds is the resolved ack timeout of the reclaimed
	// message, needed by the zombie detector.
	EffAckTimeoutSeconds int
}

// MessageFilter selects messages for browse/paginate queries.
type MessageFilter struct {
	Queue      string
	Status     Status
	Type       string
	ConsumerID string
	SortBy     string // created_at | priority | dequeued_at
	SortDesc   bool
	Limit      int
	Offset     int
}

// MoveRequest reparents messages across queues and/or statuses.
// Either IDs or (SourceQueue, SourceStatus) selects the set.
type MoveRequest struct {
	IDs          []string
	SourceQueue  string
	SourceStatus Status
	TargetQueue  string
	TargetStatus Status
}

// MessageStore is the durable message port. Every transition method is
// atomic: the state change, its activity row, and any stat update commit or
// roll back together.
type MessageStore interface {
	// Enqueue durably inserts msgs (all-or-nothing) and notifies waiting
	// consumers of q via the store's notification channel.
	Enqueue(ctx Context, q Queue, msgs []Message, logs EnqueueLogsFn) error
	// Claim atomically locks the best runnable message, or returns
	// (nil, nil) when none is runnable.
	Claim(ctx Context, req ClaimRequest, log TransitionLogFn) (*Message, error)
	// Ack acknowledges the message iff token matches its lock token.
	Ack(ctx Context, id, token string, log TransitionLogFn) (*Message, error)
	// Nack requeues or dead-letters the message iff token matches.
	// defaultMax is the global max-attempts fallback.
	Nack(ctx Context, id, token, reason string, defaultMax int, log RetryLogFn) (*Message, bool, error)
	// Touch extends the lock deadline iff token matches. extendSecs <= 0
	// re-applies the effective ack timeout (defaultAck as global fallback).
	Touch(ctx Context, id, token string, extendSecs, defaultAck int, log TouchLogFn) (time.Time, error)
	// ReclaimOverdue transitions up to limit messages whose lock deadline
	// has passed, oldest deadline first.
	ReclaimOverdue(ctx Context, limit int, defs ReclaimDefaults, log ReclaimLogFn) ([]ReclaimResult, error)
	Get(ctx Context, id string) (Message, error)
	List(ctx Context, f MessageFilter) ([]Message, int64, error)
	Delete(ctx Context, id string, log TransitionLogFn) (Message, error)
	Move(ctx Context, req MoveRequest, log TransitionLogFn) ([]Message, error)
	Purge(ctx Context, queue string, status Status, log PurgeLogFn) (int64, error)
	CountsByStatus(ctx Context, queue string) (map[Status]int64, error)
}

// QueueWithCounts pairs a queue with its current row counts by status.
type QueueWithCounts struct {
	Queue  Queue
	Counts map[Status]int64
}

// QueueUpdate holds the mutable queue settings; nil fields are unchanged.
type QueueUpdate struct {
	AckTimeoutSeconds *int
	MaxAttempts       *int
	RetentionInterval *time.Duration
}

// QueueStore is the queue-registry port.
type QueueStore interface {
	Create(ctx Context, q Queue) (Queue, error)
	Get(ctx Context, name string) (Queue, error)
	List(ctx Context) ([]QueueWithCounts, error)
	Update(ctx Context, name string, upd QueueUpdate) (Queue, error)
	// Delete fails with ErrConflict when the queue holds messages and
	// force is false.
	Delete(ctx Context, name string, force bool) error
}

// ActivityFilter selects activity rows.
type ActivityFilter struct {
	Queue         string
	MessageID     string
	ConsumerID    string
	Action        Action
	AnomaliesOnly bool
	Since         *time.Time
	Until         *time.Time
	Limit         int
	Offset        int
}

// AnomalyFilter selects anomalies.
type AnomalyFilter struct {
	Queue    string
	Type     string
	Severity Severity
	SortDesc bool
	Limit    int
	Offset   int
}

// AnomalySummary aggregates an anomaly result set.
type AnomalySummary struct {
	Total      int64
	ByType     map[string]int64
	BySeverity map[string]int64
}

// ActivityStore is the audit-trail port.
type ActivityStore interface {
	// Append writes a standalone activity row outside any transition
	// (e.g. a rejected ack that changed no state).
	Append(ctx Context, l ActivityLog) error
	Logs(ctx Context, f ActivityFilter) ([]ActivityLog, int64, error)
	// History returns the full per-message audit trail, ascending.
	History(ctx Context, messageID string) ([]ActivityLog, error)
	Anomalies(ctx Context, f AnomalyFilter) ([]ActivityLog, AnomalySummary, error)
	// ConsumerStats returns stats for one consumer, or all when id is "".
	ConsumerStats(ctx Context, consumerID string) ([]ConsumerStats, error)
	// BumpAnomaly increments a per-consumer anomaly counter.
	BumpAnomaly(ctx Context, consumerID, anomalyType string) error
	DeleteOlderThan(ctx Context, cutoff time.Time) (int64, error)
}

// AdvisoryLocker coordinates cluster-wide singletons. WithLock runs fn only
// if the lock was free, releasing it on every exit path; the bool reports
// whether fn ran.
type AdvisoryLocker interface {
	WithLock(ctx Context, key int64, fn func(ctx Context) error) (bool, error)
}

// Listener delivers store notifications. Listen blocks until ctx is done,
// invoking handler for every payload received on channel.
type Listener interface {
	Listen(ctx Context, channel string, handler func(payload string)) error
}
