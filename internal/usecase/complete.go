package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/fairyhunter13/relay/internal/domain"
)

// Ack acknowledges a processing message. The presented token must match the
// stored lock token; on mismatch no state changes, a lock_stolen anomaly is
// recorded, and ErrLockLost is returned.
func (e *Engine) Ack(ctx domain.Context, id, token, consumerID string) (*domain.Message, error) {
	now := time.Now().UTC()

	var hit *domain.Anomaly
	var log domain.TransitionLogFn
	if e.activityEnabled() {
		log = func(m domain.Message) domain.ActivityLog {
			dc := DetectionContext{Action: domain.ActionAck, Message: &m, ConsumerID: consumerID, Now: now}
			ctxMap := map[string]any{"attempt_count": m.AttemptCount}
			if m.AcknowledgedAt != nil && m.DequeuedAt != nil {
				ctxMap["processing_ms"] = m.AcknowledgedAt.Sub(*m.DequeuedAt).Milliseconds()
			}
			hit = e.detect(dc)
			return newLog(domain.ActionAck, m, consumerID, ctxMap, hit)
		}
	}

	m, err := e.messages.Ack(ctx, id, token, log)
	if err != nil {
		if errors.Is(err, domain.ErrLockLost) {
			e.recordLockStolen(ctx, domain.ActionAck, id, consumerID, m, now)
		}
		return nil, fmt.Errorf("op=engine.Ack id=%s: %w", id, err)
	}

	e.metrics.MessageAcked(m.QueueName)
	e.bumpAnomaly(ctx, consumerID, hit)
	e.publish(domain.EventAck, m.QueueName, map[string]any{"message_id": m.ID})
	return m, nil
}

// Nack reports a failed processing attempt. Below the effective attempt cap
// the message goes back to queued; at or above it the message is
// dead-lettered. Returns the post-transition row and whether it died.
func (e *Engine) Nack(ctx domain.Context, id, token, reason, consumerID string) (*domain.Message, bool, error) {
	now := time.Now().UTC()

	var hit *domain.Anomaly
	var log domain.RetryLogFn
	if e.activityEnabled() {
		log = func(m domain.Message, dead bool, effMax int) domain.ActivityLog {
			dc := DetectionContext{
				Action:         domain.ActionNack,
				Message:        &m,
				ConsumerID:     consumerID,
				ErrorReason:    reason,
				Dead:           dead,
				Now:            now,
				EffMaxAttempts: effMax,
			}
			ctxMap := map[string]any{"attempt_count": m.AttemptCount, "dead": dead}
			if reason != "" {
				ctxMap["error"] = reason
			}
			hit = e.detect(dc)
			return newLog(domain.ActionNack, m, consumerID, ctxMap, hit)
		}
	}

	m, dead, err := e.messages.Nack(ctx, id, token, reason, e.cfg.MaxAttempts, log)
	if err != nil {
		if errors.Is(err, domain.ErrLockLost) {
			e.recordLockStolen(ctx, domain.ActionNack, id, consumerID, m, now)
		}
		return nil, false, fmt.Errorf("op=engine.Nack id=%s: %w", id, err)
	}

	e.metrics.MessageNacked(m.QueueName, dead)
	e.bumpAnomaly(ctx, consumerID, hit)
	e.publish(domain.EventNack, m.QueueName, map[string]any{"message_id": m.ID, "dead": dead})
	return m, dead, nil
}

// Touch extends the lock deadline of a processing message without rotating
// its token. extendSecs <= 0 re-applies the effective ack timeout.
func (e *Engine) Touch(ctx domain.Context, id, token, consumerID string, extendSecs int) (time.Time, error) {
	now := time.Now().UTC()

	var log domain.TouchLogFn
	if e.activityEnabled() {
		log = func(m domain.Message, until time.Time) domain.ActivityLog {
			ctxMap := map[string]any{"locked_until": until.UTC().Format(time.RFC3339Nano)}
			return newLog(domain.ActionTouch, m, consumerID, ctxMap, nil)
		}
	}

	until, err := e.messages.Touch(ctx, id, token, extendSecs, e.cfg.AckTimeoutSeconds, log)
	if err != nil {
		if errors.Is(err, domain.ErrLockLost) {
			e.recordLockStolen(ctx, domain.ActionTouch, id, consumerID, nil, now)
		}
		return time.Time{}, fmt.Errorf("op=engine.Touch id=%s: %w", id, err)
	}
	return until, nil
}

// recordLockStolen appends the standalone audit row for a fenced-off
// completion attempt. No state changed, so this runs outside any transition.
func (e *Engine) recordLockStolen(ctx domain.Context, action domain.Action, id, consumerID string, m *domain.Message, now time.Time) {
	if !e.activityEnabled() {
		return
	}
	dc := DetectionContext{Action: action, Message: m, ConsumerID: consumerID, LockMismatch: true, Now: now}
	l := domain.ActivityLog{
		Timestamp:  now,
		Action:     action,
		MessageID:  id,
		ConsumerID: consumerID,
		Context:    map[string]any{"lock_mismatch": true},
		Anomaly:    e.detect(dc),
	}
	if m != nil {
		l.QueueName = m.QueueName
		l.MessageType = m.Type
	}
	e.appendStandalone(ctx, l)
	e.bumpAnomaly(ctx, consumerID, l.Anomaly)
}
