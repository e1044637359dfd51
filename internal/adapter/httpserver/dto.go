package httpserver

import (
	"encoding/json"
	"time"

	"github.com/fairyhunter13/relay/internal/domain"
)

// Boundary DTOs. Timestamps cross the wire as epoch seconds; payloads as raw
// JSON when they parse, else base64 via encoding/json's []byte default.

type messageDTO struct {
	ID                string          `json:"id"`
	Queue             string          `json:"queue"`
	Type              string          `json:"type,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Priority          int             `json:"priority"`
	Status            string          `json:"status"`
	AttemptCount      int             `json:"attempt_count"`
	MaxAttempts       *int            `json:"max_attempts,omitempty"`
	AckTimeoutSeconds *int            `json:"ack_timeout_seconds,omitempty"`
	LockToken         *string         `json:"lock_token,omitempty"`
	LockedUntil       *int64          `json:"locked_until,omitempty"`
	ConsumerID        *string         `json:"consumer_id,omitempty"`
	CreatedAt         int64           `json:"created_at"`
	DequeuedAt        *int64          `json:"dequeued_at,omitempty"`
	AcknowledgedAt    *int64          `json:"acknowledged_at,omitempty"`
	LastError         *string         `json:"last_error,omitempty"`
	PayloadSize       int64           `json:"payload_size"`
}

func epoch(t time.Time) int64 { return t.Unix() }

func epochPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.Unix()
	return &v
}

func toMessageDTO(m domain.Message) messageDTO {
	var payload json.RawMessage
	if json.Valid(m.Payload) {
		payload = json.RawMessage(m.Payload)
	} else if len(m.Payload) > 0 {
		b, _ := json.Marshal(string(m.Payload))
		payload = b
	}
	return messageDTO{
		ID:                m.ID,
		Queue:             m.QueueName,
		Type:              m.Type,
		Payload:           payload,
		Priority:          m.Priority,
		Status:            string(m.Status),
		AttemptCount:      m.AttemptCount,
		MaxAttempts:       m.MaxAttempts,
		AckTimeoutSeconds: m.AckTimeoutSeconds,
		LockToken:         m.LockToken,
		LockedUntil:       epochPtr(m.LockedUntil),
		ConsumerID:        m.ConsumerID,
		CreatedAt:         epoch(m.CreatedAt),
		DequeuedAt:        epochPtr(m.DequeuedAt),
		AcknowledgedAt:    epochPtr(m.AcknowledgedAt),
		LastError:         m.LastError,
		PayloadSize:       m.PayloadSize,
	}
}

type queueDTO struct {
	Name              string           `json:"name"`
	Type              string           `json:"type"`
	AckTimeoutSeconds int              `json:"ack_timeout_seconds"`
	MaxAttempts       int              `json:"max_attempts"`
	PartitionSeconds  *int64           `json:"partition_interval_seconds,omitempty"`
	RetentionSeconds  *int64           `json:"retention_interval_seconds,omitempty"`
	CreatedAt         int64            `json:"created_at"`
	UpdatedAt         int64            `json:"updated_at"`
	Counts            map[string]int64 `json:"counts,omitempty"`
}

func toQueueDTO(q domain.Queue, counts map[domain.Status]int64) queueDTO {
	dto := queueDTO{
		Name:              q.Name,
		Type:              string(q.Type),
		AckTimeoutSeconds: q.AckTimeoutSeconds,
		MaxAttempts:       q.MaxAttempts,
		CreatedAt:         epoch(q.CreatedAt),
		UpdatedAt:         epoch(q.UpdatedAt),
	}
	if q.PartitionInterval != nil {
		v := int64(q.PartitionInterval.Seconds())
		dto.PartitionSeconds = &v
	}
	if q.RetentionInterval != nil {
		v := int64(q.RetentionInterval.Seconds())
		dto.RetentionSeconds = &v
	}
	if counts != nil {
		dto.Counts = make(map[string]int64, len(counts))
		for st, n := range counts {
			dto.Counts[string(st)] = n
		}
	}
	return dto
}

type anomalyDTO struct {
	Type     string         `json:"type"`
	Severity string         `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
}

type activityDTO struct {
	LogID       int64          `json:"log_id"`
	Timestamp   int64          `json:"timestamp"`
	Action      string         `json:"action"`
	MessageID   string         `json:"message_id,omitempty"`
	Queue       string         `json:"queue,omitempty"`
	ConsumerID  string         `json:"consumer_id,omitempty"`
	MessageType string         `json:"message_type,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Anomaly     *anomalyDTO    `json:"anomaly,omitempty"`
}

func toActivityDTO(l domain.ActivityLog) activityDTO {
	dto := activityDTO{
		LogID:       l.LogID,
		Timestamp:   epoch(l.Timestamp),
		Action:      string(l.Action),
		MessageID:   l.MessageID,
		Queue:       l.QueueName,
		ConsumerID:  l.ConsumerID,
		MessageType: l.MessageType,
		Context:     l.Context,
	}
	if l.Anomaly != nil {
		dto.Anomaly = &anomalyDTO{
			Type:     l.Anomaly.Type,
			Severity: string(l.Anomaly.Severity),
			Details:  l.Anomaly.Details,
		}
	}
	return dto
}

func toActivityDTOs(logs []domain.ActivityLog) []activityDTO {
	out := make([]activityDTO, len(logs))
	for i, l := range logs {
		out[i] = toActivityDTO(l)
	}
	return out
}

type consumerStatsDTO struct {
	ConsumerID    string           `json:"consumer_id"`
	TotalDequeued int64            `json:"total_dequeued"`
	LastDequeueAt *int64           `json:"last_dequeue_at,omitempty"`
	AnomalyCounts map[string]int64 `json:"anomaly_counts,omitempty"`
}

func toConsumerStatsDTO(s domain.ConsumerStats) consumerStatsDTO {
	return consumerStatsDTO{
		ConsumerID:    s.ConsumerID,
		TotalDequeued: s.TotalDequeued,
		LastDequeueAt: epochPtr(s.LastDequeueAt),
		AnomalyCounts: s.AnomalyCounts,
	}
}

type paginationDTO struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}
