package usecase

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/relay/internal/domain"
)

// ReclaimOverdueTick performs one overdue sweep: every processing message
// whose lock deadline has passed is requeued or dead-lettered, in batches of
// at most the configured size. Returns how many messages were transitioned.
// Callers serialize ticks across replicas with the advisory lock.
func (e *Engine) ReclaimOverdueTick(ctx domain.Context) (int, error) {
	total := 0
	for {
		results, err := e.reclaimBatch(ctx)
		if err != nil {
			return total, err
		}
		total += len(results)
		if len(results) < e.cfg.RequeueBatchSize {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, nil
		}
	}
}

func (e *Engine) reclaimBatch(ctx domain.Context) ([]domain.ReclaimResult, error) {
	now := time.Now().UTC()

	var log domain.ReclaimLogFn
	if e.activityEnabled() {
		log = func(r domain.ReclaimResult) domain.ActivityLog {
			dc := reclaimDetectionContext(r, now)
			ctxMap := map[string]any{
				"actor":         e.cfg.RelayActor,
				"attempt_count": r.Message.AttemptCount,
				"dead":          r.Dead,
			}
			return newLog(domain.ActionTimeout, r.Message, dc.ConsumerID, ctxMap, e.detect(dc))
		}
	}

	results, err := e.messages.ReclaimOverdue(ctx, e.cfg.RequeueBatchSize, domain.ReclaimDefaults{
		MaxAttempts:       e.cfg.MaxAttempts,
		AckTimeoutSeconds: e.cfg.AckTimeoutSeconds,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("op=engine.ReclaimOverdueTick: %w", err)
	}

	perQueue := make(map[string]int, 4)
	for _, r := range results {
		e.metrics.MessageReclaimed(r.Message.QueueName, r.Dead)
		perQueue[r.Message.QueueName]++
		// Re-derive the anomaly outside the store transaction so the bump
		// runs exactly once per reclaimed row.
		if e.activityEnabled() && r.Message.ConsumerID != nil {
			dc := reclaimDetectionContext(r, now)
			e.bumpAnomaly(ctx, dc.ConsumerID, runDetectors(e.detectors, dc))
		}
	}
	for q, n := range perQueue {
		e.publish(domain.EventTimeout, q, map[string]any{"count": n})
	}
	return results, nil
}

func reclaimDetectionContext(r domain.ReclaimResult, now time.Time) DetectionContext {
	m := r.Message
	dc := DetectionContext{
		Action:               domain.ActionTimeout,
		Message:              &m,
		Dead:                 r.Dead,
		Now:                  now,
		EffAckTimeoutSeconds: r.EffAckTimeoutSeconds,
	}
	if m.ConsumerID != nil {
		dc.ConsumerID = *m.ConsumerID
	}
	return dc
}

// PruneActivity deletes audit rows older than the retention horizon and
// returns the number removed.
func (e *Engine) PruneActivity(ctx domain.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-e.cfg.ActivityRetention())
	n, err := e.activity.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=engine.PruneActivity: %w", err)
	}
	return n, nil
}
