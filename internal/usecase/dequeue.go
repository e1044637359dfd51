package usecase

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/relay/internal/domain"
)

// DequeueRequest carries the parameters of one dequeue call.
type DequeueRequest struct {
	Queue      string
	Type       string
	ConsumerID string
	// WaitTimeout > 0 blocks for a runnable message up to the given
	// duration; zero returns immediately.
	WaitTimeout time.Duration
	// AckTimeoutSeconds, when positive, overrides the effective ack
	// timeout for this claim only.
	AckTimeoutSeconds int
}

// Dequeue atomically claims the best runnable message: highest priority
// first, oldest first within a priority. Returns (nil, nil) when nothing is
// runnable within the wait window, and ErrCancelled when ctx ends first.
func (e *Engine) Dequeue(ctx domain.Context, req DequeueRequest) (*domain.Message, error) {
	if req.Queue == "" {
		req.Queue = e.cfg.QueueName
	}
	q, err := e.queues.Get(ctx, req.Queue)
	if err != nil {
		return nil, fmt.Errorf("op=engine.Dequeue queue=%s: %w", req.Queue, err)
	}

	var deadline <-chan time.Time
	if req.WaitTimeout > 0 {
		t := time.NewTimer(req.WaitTimeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		// Grab the wakeup channel before the claim attempt so an enqueue
		// racing with a miss still wakes this waiter.
		wake := e.waiters.wait(q.Name)

		m, err := e.claimOnce(ctx, q, req)
		if err != nil {
			return nil, err
		}
		if m != nil {
			return m, nil
		}
		if req.WaitTimeout <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("op=engine.Dequeue queue=%s: %w", q.Name, domain.ErrCancelled)
		case <-deadline:
			return nil, nil
		case <-wake:
		}
	}
}

func (e *Engine) claimOnce(ctx domain.Context, q domain.Queue, req DequeueRequest) (*domain.Message, error) {
	token := domain.NewLockToken()
	now := time.Now().UTC()

	var hit *domain.Anomaly
	var log domain.TransitionLogFn
	if e.activityEnabled() {
		log = func(m domain.Message) domain.ActivityLog {
			dc := DetectionContext{
				Action:     domain.ActionDequeue,
				Message:    &m,
				ConsumerID: req.ConsumerID,
				Now:        now,
			}
			ctxMap := map[string]any{"attempt_count": m.AttemptCount, "priority": m.Priority}
			if m.LockedUntil != nil {
				ctxMap["locked_until"] = m.LockedUntil.UTC().Format(time.RFC3339Nano)
			}
			hit = e.detect(dc)
			return newLog(domain.ActionDequeue, m, req.ConsumerID, ctxMap, hit)
		}
	}

	m, err := e.messages.Claim(ctx, domain.ClaimRequest{
		Queue:              q,
		Type:               req.Type,
		ConsumerID:         req.ConsumerID,
		LockToken:          token,
		AckTimeoutOverride: req.AckTimeoutSeconds,
		DefaultAckTimeout:  e.cfg.AckTimeoutSeconds,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("op=engine.Dequeue queue=%s: %w", q.Name, err)
	}
	if m == nil {
		return nil, nil
	}

	e.metrics.MessageDequeued(q.Name)
	e.bumpAnomaly(ctx, req.ConsumerID, hit)
	e.publish(domain.EventDequeue, q.Name, map[string]any{"message_id": m.ID})
	return m, nil
}
