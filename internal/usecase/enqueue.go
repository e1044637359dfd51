package usecase

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/relay/internal/domain"
)

// EnqueueItem is one message to insert. Nil override fields fall back to the
// queue row, then the global defaults.
type EnqueueItem struct {
	Type              string
	Payload           []byte
	Priority          *int
	AckTimeoutSeconds *int
	MaxAttempts       *int
}

// Enqueue durably inserts a single message and returns it.
func (e *Engine) Enqueue(ctx domain.Context, queueName string, item EnqueueItem) (domain.Message, error) {
	msgs, _, err := e.EnqueueBatch(ctx, queueName, []EnqueueItem{item})
	if err != nil {
		return domain.Message{}, err
	}
	return msgs[0], nil
}

// EnqueueBatch durably inserts items all-or-nothing and returns the stored
// messages plus the batch id stamped into their activity rows.
func (e *Engine) EnqueueBatch(ctx domain.Context, queueName string, items []EnqueueItem) ([]domain.Message, string, error) {
	if len(items) == 0 {
		return nil, "", fmt.Errorf("op=engine.EnqueueBatch reason=empty batch: %w", domain.ErrInvalidArgument)
	}
	if queueName == "" {
		queueName = e.cfg.QueueName
	}
	q, err := e.queues.Get(ctx, queueName)
	if err != nil {
		return nil, "", fmt.Errorf("op=engine.EnqueueBatch queue=%s: %w", queueName, err)
	}

	now := time.Now().UTC()
	msgs := make([]domain.Message, len(items))
	for i, it := range items {
		prio := 0
		if it.Priority != nil {
			prio = *it.Priority
		}
		if prio < 0 || prio >= e.cfg.MaxPriorityLevels {
			return nil, "", fmt.Errorf("op=engine.EnqueueBatch priority=%d max=%d: %w",
				prio, e.cfg.MaxPriorityLevels, domain.ErrInvalidArgument)
		}
		if it.AckTimeoutSeconds != nil && *it.AckTimeoutSeconds <= 0 {
			return nil, "", fmt.Errorf("op=engine.EnqueueBatch field=ack_timeout_seconds: %w", domain.ErrInvalidArgument)
		}
		if it.MaxAttempts != nil && *it.MaxAttempts <= 0 {
			return nil, "", fmt.Errorf("op=engine.EnqueueBatch field=max_attempts: %w", domain.ErrInvalidArgument)
		}
		msgs[i] = domain.Message{
			ID:                domain.NewMessageID(),
			QueueName:         q.Name,
			Type:              it.Type,
			Payload:           it.Payload,
			Priority:          prio,
			Status:            domain.StatusQueued,
			MaxAttempts:       it.MaxAttempts,
			AckTimeoutSeconds: it.AckTimeoutSeconds,
			CreatedAt:         now,
			PayloadSize:       int64(len(it.Payload)),
		}
	}

	batchID := uuid.NewString()
	var logs domain.EnqueueLogsFn
	if e.activityEnabled() {
		logs = func(stored []domain.Message) []domain.ActivityLog {
			out := make([]domain.ActivityLog, len(stored))
			for i, m := range stored {
				dc := DetectionContext{Action: domain.ActionEnqueue, Message: &m, Now: now}
				if i == 0 {
					// The batch-level anomaly rides on the first row.
					dc.BatchSize = len(stored)
				}
				ctxMap := map[string]any{"payload_size": m.PayloadSize, "priority": m.Priority}
				if len(stored) > 1 {
					ctxMap["batch_id"] = batchID
					ctxMap["batch_size"] = len(stored)
				}
				out[i] = newLog(domain.ActionEnqueue, m, "", ctxMap, e.detect(dc))
			}
			return out
		}
	}

	if err := e.messages.Enqueue(ctx, q, msgs, logs); err != nil {
		return nil, "", fmt.Errorf("op=engine.EnqueueBatch queue=%s: %w", q.Name, err)
	}

	e.metrics.MessageEnqueued(q.Name, len(msgs))
	e.waiters.wake(q.Name)
	e.publish(domain.EventEnqueue, q.Name, map[string]any{"count": len(msgs), "batch_id": batchID})
	return msgs, batchID, nil
}
