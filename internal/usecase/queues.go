package usecase

import (
	"fmt"
	"regexp"

	"github.com/fairyhunter13/relay/internal/domain"
)

var queueNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// CreateQueue registers a new queue. Zero-valued limits inherit the global
// defaults; queue type is immutable after creation.
func (e *Engine) CreateQueue(ctx domain.Context, q domain.Queue) (domain.Queue, error) {
	if !queueNameRe.MatchString(q.Name) {
		return domain.Queue{}, fmt.Errorf("op=engine.CreateQueue name=%q: %w", q.Name, domain.ErrInvalidArgument)
	}
	if q.Type == "" {
		q.Type = domain.QueueStandard
	}
	if !q.Type.Valid() {
		return domain.Queue{}, fmt.Errorf("op=engine.CreateQueue type=%q: %w", q.Type, domain.ErrInvalidArgument)
	}
	if q.Type == domain.QueuePartitioned && (q.PartitionInterval == nil || *q.PartitionInterval <= 0) {
		return domain.Queue{}, fmt.Errorf("op=engine.CreateQueue reason=partitioned queue needs partition_interval: %w", domain.ErrInvalidArgument)
	}
	if q.AckTimeoutSeconds < 0 || q.MaxAttempts < 0 {
		return domain.Queue{}, fmt.Errorf("op=engine.CreateQueue reason=negative limit: %w", domain.ErrInvalidArgument)
	}
	if q.AckTimeoutSeconds == 0 {
		q.AckTimeoutSeconds = e.cfg.AckTimeoutSeconds
	}
	if q.MaxAttempts == 0 {
		q.MaxAttempts = e.cfg.MaxAttempts
	}
	created, err := e.queues.Create(ctx, q)
	if err != nil {
		return domain.Queue{}, fmt.Errorf("op=engine.CreateQueue name=%s: %w", q.Name, err)
	}
	return created, nil
}

// GetQueue loads one queue with its row counts by status.
func (e *Engine) GetQueue(ctx domain.Context, name string) (domain.QueueWithCounts, error) {
	q, err := e.queues.Get(ctx, name)
	if err != nil {
		return domain.QueueWithCounts{}, fmt.Errorf("op=engine.GetQueue name=%s: %w", name, err)
	}
	counts, err := e.messages.CountsByStatus(ctx, name)
	if err != nil {
		return domain.QueueWithCounts{}, fmt.Errorf("op=engine.GetQueue name=%s: %w", name, err)
	}
	return domain.QueueWithCounts{Queue: q, Counts: counts}, nil
}

// ListQueues returns every queue with its row counts.
func (e *Engine) ListQueues(ctx domain.Context) ([]domain.QueueWithCounts, error) {
	out, err := e.queues.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=engine.ListQueues: %w", err)
	}
	return out, nil
}

// UpdateQueue mutates a queue's tunable settings.
func (e *Engine) UpdateQueue(ctx domain.Context, name string, upd domain.QueueUpdate) (domain.Queue, error) {
	if upd.AckTimeoutSeconds != nil && *upd.AckTimeoutSeconds <= 0 {
		return domain.Queue{}, fmt.Errorf("op=engine.UpdateQueue field=ack_timeout_seconds: %w", domain.ErrInvalidArgument)
	}
	if upd.MaxAttempts != nil && *upd.MaxAttempts <= 0 {
		return domain.Queue{}, fmt.Errorf("op=engine.UpdateQueue field=max_attempts: %w", domain.ErrInvalidArgument)
	}
	q, err := e.queues.Update(ctx, name, upd)
	if err != nil {
		return domain.Queue{}, fmt.Errorf("op=engine.UpdateQueue name=%s: %w", name, err)
	}
	return q, nil
}

// DeleteQueue removes a queue. Holding messages blocks deletion unless force
// is set, in which case the messages are removed with it.
func (e *Engine) DeleteQueue(ctx domain.Context, name string, force bool) error {
	if name == e.cfg.QueueName {
		return fmt.Errorf("op=engine.DeleteQueue name=%s reason=default queue: %w", name, domain.ErrConflict)
	}
	if err := e.queues.Delete(ctx, name, force); err != nil {
		return fmt.Errorf("op=engine.DeleteQueue name=%s: %w", name, err)
	}
	return nil
}
