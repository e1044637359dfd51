package usecase

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/relay/internal/domain"
)

// GetMessage loads one message by id.
func (e *Engine) GetMessage(ctx domain.Context, id string) (domain.Message, error) {
	m, err := e.messages.Get(ctx, id)
	if err != nil {
		return domain.Message{}, fmt.Errorf("op=engine.GetMessage id=%s: %w", id, err)
	}
	return m, nil
}

// ListMessages browses messages with filtering and pagination, returning the
// page plus the total match count.
func (e *Engine) ListMessages(ctx domain.Context, f domain.MessageFilter) ([]domain.Message, int64, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("op=engine.ListMessages status=%q: %w", f.Status, domain.ErrInvalidArgument)
	}
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	msgs, total, err := e.messages.List(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("op=engine.ListMessages: %w", err)
	}
	return msgs, total, nil
}

// DeleteMessage removes a single message in any status. An admin operation;
// the audit row carries the manual actor.
func (e *Engine) DeleteMessage(ctx domain.Context, id string) (domain.Message, error) {
	now := time.Now().UTC()
	var log domain.TransitionLogFn
	if e.activityEnabled() {
		log = func(m domain.Message) domain.ActivityLog {
			ctxMap := map[string]any{"actor": e.cfg.ManualOperationActor, "status": string(m.Status)}
			return newLog(domain.ActionDelete, m, "", ctxMap, e.detect(DetectionContext{
				Action: domain.ActionDelete, Message: &m, Now: now,
			}))
		}
	}
	m, err := e.messages.Delete(ctx, id, log)
	if err != nil {
		return domain.Message{}, fmt.Errorf("op=engine.DeleteMessage id=%s: %w", id, err)
	}
	e.publish(domain.EventDelete, m.QueueName, map[string]any{"message_id": m.ID})
	return m, nil
}

// MoveMessages reparents a set of messages to another queue and/or status.
// Either explicit ids or a (source queue, source status) pair selects the
// set. Moving into processing mints a fresh lock; moving into queued clears
// lock state so the messages become runnable again.
func (e *Engine) MoveMessages(ctx domain.Context, req domain.MoveRequest) ([]domain.Message, error) {
	if len(req.IDs) == 0 && (req.SourceQueue == "" || req.SourceStatus == "") {
		return nil, fmt.Errorf("op=engine.MoveMessages reason=no selector: %w", domain.ErrInvalidArgument)
	}
	if req.TargetStatus != "" && !req.TargetStatus.Valid() {
		return nil, fmt.Errorf("op=engine.MoveMessages status=%q: %w", req.TargetStatus, domain.ErrInvalidArgument)
	}
	if req.SourceStatus != "" && !req.SourceStatus.Valid() {
		return nil, fmt.Errorf("op=engine.MoveMessages status=%q: %w", req.SourceStatus, domain.ErrInvalidArgument)
	}
	if req.TargetQueue == "" && req.TargetStatus == "" {
		return nil, fmt.Errorf("op=engine.MoveMessages reason=no target: %w", domain.ErrInvalidArgument)
	}
	if req.TargetQueue != "" {
		if _, err := e.queues.Get(ctx, req.TargetQueue); err != nil {
			return nil, fmt.Errorf("op=engine.MoveMessages queue=%s: %w", req.TargetQueue, err)
		}
	}

	now := time.Now().UTC()
	var log domain.TransitionLogFn
	if e.activityEnabled() {
		moved := 0
		log = func(m domain.Message) domain.ActivityLog {
			moved++
			dc := DetectionContext{
				Action:  domain.ActionMove,
				Message: &m,
				Dead:    m.Status == domain.StatusDead,
				Now:     now,
			}
			if moved == 1 && len(req.IDs) > 1 {
				dc.BatchSize = len(req.IDs)
			}
			ctxMap := map[string]any{
				"actor":         e.cfg.ManualOperationActor,
				"target_queue":  m.QueueName,
				"target_status": string(m.Status),
			}
			return newLog(domain.ActionMove, m, "", ctxMap, e.detect(dc))
		}
	}

	msgs, err := e.messages.Move(ctx, req, log)
	if err != nil {
		return nil, fmt.Errorf("op=engine.MoveMessages: %w", err)
	}

	ev := domain.EventMove
	if req.TargetStatus == domain.StatusQueued {
		ev = domain.EventRequeue
	}
	perQueue := make(map[string]int, 2)
	for _, m := range msgs {
		perQueue[m.QueueName]++
	}
	for q, n := range perQueue {
		e.publish(ev, q, map[string]any{"count": n})
		if ev == domain.EventRequeue {
			// Requeued messages are runnable; wake blocked consumers.
			e.waiters.wake(q)
		}
	}
	return msgs, nil
}

// PurgeQueue deletes every message of a queue, optionally narrowed to one
// status, and returns the removed count. One audit row records the clear.
func (e *Engine) PurgeQueue(ctx domain.Context, queue string, status domain.Status) (int64, error) {
	if queue == "" {
		return 0, fmt.Errorf("op=engine.PurgeQueue reason=queue required: %w", domain.ErrInvalidArgument)
	}
	if status != "" && !status.Valid() {
		return 0, fmt.Errorf("op=engine.PurgeQueue status=%q: %w", status, domain.ErrInvalidArgument)
	}
	if _, err := e.queues.Get(ctx, queue); err != nil {
		return 0, fmt.Errorf("op=engine.PurgeQueue queue=%s: %w", queue, err)
	}

	now := time.Now().UTC()
	var log domain.PurgeLogFn
	if e.activityEnabled() {
		log = func(count int64) domain.ActivityLog {
			a := e.detect(DetectionContext{Action: domain.ActionClear, BatchSize: int(count), Now: now})
			ctxMap := map[string]any{"actor": e.cfg.ManualOperationActor, "count": count}
			if status != "" {
				ctxMap["status"] = string(status)
			}
			return domain.ActivityLog{
				Timestamp: now,
				Action:    domain.ActionClear,
				QueueName: queue,
				Context:   ctxMap,
				Anomaly:   a,
			}
		}
	}

	n, err := e.messages.Purge(ctx, queue, status, log)
	if err != nil {
		return 0, fmt.Errorf("op=engine.PurgeQueue queue=%s: %w", queue, err)
	}
	e.publish(domain.EventClear, queue, map[string]any{"count": n})
	return n, nil
}
