// Package usecase implements the broker services on top of the domain ports.
package usecase

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/relay/internal/config"
	"github.com/fairyhunter13/relay/internal/domain"
)

// Metrics is the counter surface the engine reports into. The prometheus
// adapter implements it; tests use NopMetrics.
type Metrics interface {
	MessageEnqueued(queue string, n int)
	MessageDequeued(queue string)
	MessageAcked(queue string)
	MessageNacked(queue string, dead bool)
	MessageReclaimed(queue string, dead bool)
	AnomalyDetected(anomalyType string, severity domain.Severity)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) MessageEnqueued(string, int)             {}
func (NopMetrics) MessageDequeued(string)                  {}
func (NopMetrics) MessageAcked(string)                     {}
func (NopMetrics) MessageNacked(string, bool)              {}
func (NopMetrics) MessageReclaimed(string, bool)           {}
func (NopMetrics) AnomalyDetected(string, domain.Severity) {}

// Engine is the broker core: enqueue/dequeue/ack/nack/touch, the admin
// operations, and the overdue sweep, wired to the stores and the emitter.
type Engine struct {
	cfg       config.Config
	messages  domain.MessageStore
	queues    domain.QueueStore
	activity  domain.ActivityStore
	emitter   *Emitter
	metrics   Metrics
	detectors []Detector
	windows   *SlidingWindows
	waiters   *waiterRegistry
	log       *slog.Logger
}

// NewEngine wires the broker core. metrics and log may be nil.
func NewEngine(
	cfg config.Config,
	messages domain.MessageStore,
	queues domain.QueueStore,
	activity domain.ActivityStore,
	emitter *Emitter,
	metrics Metrics,
	log *slog.Logger,
) *Engine {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if log == nil {
		log = slog.Default()
	}
	windows := NewSlidingWindows(cfg.BurstWindow())
	return &Engine{
		cfg:       cfg,
		messages:  messages,
		queues:    queues,
		activity:  activity,
		emitter:   emitter,
		metrics:   metrics,
		detectors: DefaultDetectors(cfg, windows),
		windows:   windows,
		waiters:   newWaiterRegistry(),
		log:       log,
	}
}

// Events exposes the emitter for transport-layer subscriptions.
func (e *Engine) Events() *Emitter { return e.emitter }

// HandleNotification wakes consumers blocked on the named queue. It is the
// handler for the store notification channel, so enqueues on other replicas
// unblock local dequeue waits.
func (e *Engine) HandleNotification(payload string) {
	if payload == "" {
		return
	}
	e.waiters.wake(payload)
}

// detect runs the registry and records the hit in metrics. Returns nil when
// activity logging is disabled.
func (e *Engine) detect(dc DetectionContext) *domain.Anomaly {
	if !e.cfg.ActivityLogEnabled {
		return nil
	}
	a := runDetectors(e.detectors, dc)
	if a != nil {
		e.metrics.AnomalyDetected(a.Type, a.Severity)
	}
	return a
}

// activityEnabled gates log-builder callbacks; stores tolerate nil builders.
func (e *Engine) activityEnabled() bool { return e.cfg.ActivityLogEnabled }

// bumpAnomaly adds a detected anomaly to the consumer's per-anomaly
// counters. Failures are logged, never surfaced.
func (e *Engine) bumpAnomaly(ctx domain.Context, consumerID string, a *domain.Anomaly) {
	if consumerID == "" || a == nil {
		return
	}
	if err := e.activity.BumpAnomaly(ctx, consumerID, a.Type); err != nil {
		e.log.Warn("anomaly counter bump failed",
			slog.String("consumer_id", consumerID),
			slog.String("anomaly_type", a.Type),
			slog.Any("error", err))
	}
}

// newLog assembles an activity row for a transition on m.
func newLog(action domain.Action, m domain.Message, consumerID string, ctxMap map[string]any, a *domain.Anomaly) domain.ActivityLog {
	return domain.ActivityLog{
		Timestamp:   time.Now().UTC(),
		Action:      action,
		MessageID:   m.ID,
		QueueName:   m.QueueName,
		ConsumerID:  consumerID,
		MessageType: m.Type,
		Context:     ctxMap,
		Anomaly:     a,
	}
}

// appendStandalone writes an activity row outside any store transition, for
// observations that change no state (a fenced-off ack, for example). Failures
// are logged, never surfaced: the caller's operation already has its outcome.
func (e *Engine) appendStandalone(ctx domain.Context, l domain.ActivityLog) {
	if !e.cfg.ActivityLogEnabled {
		return
	}
	if err := e.activity.Append(ctx, l); err != nil {
		e.log.Warn("activity append failed",
			slog.String("action", string(l.Action)),
			slog.String("message_id", l.MessageID),
			slog.Any("error", err))
	}
}

// publish emits a change event for queue.
func (e *Engine) publish(t domain.EventType, queue string, payload map[string]any) {
	e.emitter.Publish(domain.Event{Type: t, Queue: queue, Timestamp: time.Now().UTC(), Payload: payload})
}

// waiterRegistry hands out per-queue wakeup channels for blocking dequeue.
// wake closes the current channel, releasing every waiter at once, and
// installs a fresh one for the next round.
type waiterRegistry struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func newWaiterRegistry() *waiterRegistry {
	return &waiterRegistry{chans: make(map[string]chan struct{})}
}

// wait returns the channel that will close on the queue's next wake.
func (w *waiterRegistry) wait(queue string) <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.chans[queue]
	if !ok {
		ch = make(chan struct{})
		w.chans[queue] = ch
	}
	return ch
}

// wake releases all current waiters of queue.
func (w *waiterRegistry) wake(queue string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ch, ok := w.chans[queue]; ok {
		close(ch)
		delete(w.chans, queue)
	}
}
