// Package domain defines the broker entities, ports, and error taxonomy.
//
// It is the innermost layer: adapters (postgres, httpserver) and usecases
// depend on it, never the other way around.
package domain

import (
	"context"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Context is an alias so ports stay readable without importing std context
// everywhere in signatures. Adapters pass context.Context through unchanged.
type Context = context.Context

// Status enumerates message lifecycle states.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusProcessing   Status = "processing"
	StatusAcknowledged Status = "acknowledged"
	StatusDead         Status = "dead"
	StatusArchived     Status = "archived"
)

// Terminal reports whether a status may only be left via an admin move.
func (s Status) Terminal() bool {
	return s == StatusAcknowledged || s == StatusDead || s == StatusArchived
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusAcknowledged, StatusDead, StatusArchived:
		return true
	}
	return false
}

// QueueType enumerates storage variants for a queue.
type QueueType string

const (
	QueueStandard    QueueType = "standard"
	QueueUnlogged    QueueType = "unlogged"
	QueuePartitioned QueueType = "partitioned"
)

// Valid reports whether t is a known queue type.
func (t QueueType) Valid() bool {
	switch t {
	case QueueStandard, QueueUnlogged, QueuePartitioned:
		return true
	}
	return false
}

// Action enumerates auditable broker operations.
type Action string

const (
	ActionEnqueue Action = "enqueue"
	ActionDequeue Action = "dequeue"
	ActionAck     Action = "ack"
	ActionNack    Action = "nack"
	ActionRequeue Action = "requeue"
	ActionTimeout Action = "timeout"
	ActionTouch   Action = "touch"
	ActionMove    Action = "move"
	ActionDLQ     Action = "dlq"
	ActionDelete  Action = "delete"
	ActionClear   Action = "clear"
)

// Severity grades anomalies.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Queue is a named message container with per-queue defaults.
// Invariants: Name unique; Type immutable after creation.
type Queue struct {
	Name              string
	Type              QueueType
	AckTimeoutSeconds int
	MaxAttempts       int
	PartitionInterval *time.Duration
	RetentionInterval *time.Duration
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Message is a unit of work.
//
// LockToken is non-nil only while Status is processing and is rotated on
// every transition into processing; it fences ack/nack/touch against
// split-brain consumers.
type Message struct {
	ID                string
	QueueName         string
	Type              string
	Payload           []byte
	Priority          int
	Status            Status
	AttemptCount      int
	MaxAttempts       *int
	AckTimeoutSeconds *int
	LockToken         *string
	LockedUntil       *time.Time
	ConsumerID        *string
	CreatedAt         time.Time
	DequeuedAt        *time.Time
	AcknowledgedAt    *time.Time
	LastError         *string
	PayloadSize       int64
}

// EffectiveAckTimeout resolves the ack deadline: per-message override, else
// queue default, else the global default.
func (m Message) EffectiveAckTimeout(q Queue, globalDefault int) time.Duration {
	secs := globalDefault
	if q.AckTimeoutSeconds > 0 {
		secs = q.AckTimeoutSeconds
	}
	if m.AckTimeoutSeconds != nil && *m.AckTimeoutSeconds > 0 {
		secs = *m.AckTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// EffectiveMaxAttempts resolves the retry cap with the same precedence as
// EffectiveAckTimeout.
func (m Message) EffectiveMaxAttempts(q Queue, globalDefault int) int {
	n := globalDefault
	if q.MaxAttempts > 0 {
		n = q.MaxAttempts
	}
	if m.MaxAttempts != nil && *m.MaxAttempts > 0 {
		n = *m.MaxAttempts
	}
	return n
}

// Anomaly is a typed observation attached to an activity row.
type Anomaly struct {
	Type     string
	Severity Severity
	Details  map[string]any
}

// ActivityLog is one append-only audit event.
type ActivityLog struct {
	LogID       int64
	Timestamp   time.Time
	Action      Action
	MessageID   string
	QueueName   string
	ConsumerID  string
	MessageType string
	Context     map[string]any
	Anomaly     *Anomaly
}

// ConsumerStats holds derived per-consumer counters.
type ConsumerStats struct {
	ConsumerID    string
	TotalDequeued int64
	LastDequeueAt *time.Time
	AnomalyCounts map[string]int64
}

// EventType enumerates change events published by the emitter.
type EventType string

const (
	EventEnqueue EventType = "enqueue"
	EventDequeue EventType = "dequeue"
	EventAck     EventType = "ack"
	EventNack    EventType = "nack"
	EventRequeue EventType = "requeue"
	EventTimeout EventType = "timeout"
	EventMove    EventType = "move"
	EventDelete  EventType = "delete"
	EventClear   EventType = "clear"
)

// Event is a coarse-grained change notification fanned out in-process.
type Event struct {
	Type      EventType
	Queue     string
	Timestamp time.Time
	Payload   map[string]any
}

var ulidEntropy = struct {
	mu sync.Mutex
	r  *ulid.MonotonicEntropy
}{r: ulid.Monotonic(mrand.New(mrand.NewSource(time.Now().UnixNano())), 0)} //nolint:gosec // Weak random is sufficient for ULID entropy.

// NewMessageID returns a time-sortable unique message id.
func NewMessageID() string {
	ulidEntropy.mu.Lock()
	defer ulidEntropy.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy.r)
	if err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// NewLockToken returns a random fencing token. UUIDv4 gives 122 random bits
// which is collision-resistant for the lifetime of a lock.
func NewLockToken() string { return uuid.NewString() }
