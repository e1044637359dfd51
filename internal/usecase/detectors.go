package usecase

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/relay/internal/config"
	"github.com/fairyhunter13/relay/internal/domain"
)

// DetectionContext is everything a detector may inspect for one transition.
type DetectionContext struct {
	Action       domain.Action
	Message      *domain.Message
	ConsumerID   string
	ErrorReason  string
	Now          time.Time
	Dead         bool
	LockMismatch bool
	BatchSize    int
	// EffMaxAttempts and EffAckTimeoutSeconds carry the resolved limits of
	// the message under inspection.
	EffMaxAttempts       int
	EffAckTimeoutSeconds int
}

// Detector inspects one transition and reports at most one anomaly.
// Implementations are pure functions over context plus configuration.
type Detector interface {
	Name() string
	Detect(dc DetectionContext) *domain.Anomaly
}

// runDetectors consults the registry in order and returns the first anomaly.
// A panicking detector is logged and skipped.
func runDetectors(detectors []Detector, dc DetectionContext) *domain.Anomaly {
	for _, d := range detectors {
		a := safeDetect(d, dc)
		if a != nil {
			return a
		}
	}
	return nil
}

func safeDetect(d Detector, dc DetectionContext) (a *domain.Anomaly) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("detector panicked", slog.String("detector", d.Name()), slog.Any("recover", rec))
			a = nil
		}
	}()
	return d.Detect(dc)
}

// DefaultDetectors builds the built-in registry in its documented order.
func DefaultDetectors(cfg config.Config, windows *SlidingWindows) []Detector {
	return []Detector{
		lockStolenDetector{},
		dlqMovementDetector{},
		zombieDetector{multiplier: cfg.ZombieThresholdMultiplier},
		requeueDetector{},
		nearDLQDetector{threshold: cfg.NearDLQThreshold},
		// burst precedes the other dequeue detectors so every claim lands in
		// the sliding window even when one of them reports first.
		burstDetector{threshold: cfg.BurstThresholdCount, windows: windows},
		flashMessageDetector{threshold: cfg.FlashMessageThreshold},
		largePayloadDetector{threshold: cfg.LargePayloadThresholdBytes},
		longProcessingDetector{threshold: cfg.LongProcessingThreshold},
		bulkOperationDetector{threshold: cfg.BulkOperationThreshold},
		queueClearedDetector{},
	}
}

type flashMessageDetector struct{ threshold time.Duration }

func (flashMessageDetector) Name() string { return "flash_message" }

func (d flashMessageDetector) Detect(dc DetectionContext) *domain.Anomaly {
	if dc.Action != domain.ActionDequeue || dc.Message == nil || d.threshold <= 0 {
		return nil
	}
	age := dc.Now.Sub(dc.Message.CreatedAt)
	if age >= d.threshold {
		return nil
	}
	return &domain.Anomaly{
		Type:     "flash_message",
		Severity: domain.SeverityInfo,
		Details:  map[string]any{"age_ms": age.Milliseconds(), "threshold_ms": d.threshold.Milliseconds()},
	}
}

type largePayloadDetector struct{ threshold int64 }

func (largePayloadDetector) Name() string { return "large_payload" }

func (d largePayloadDetector) Detect(dc DetectionContext) *domain.Anomaly {
	if dc.Action != domain.ActionEnqueue || dc.Message == nil || d.threshold <= 0 {
		return nil
	}
	if dc.Message.PayloadSize < d.threshold {
		return nil
	}
	return &domain.Anomaly{
		Type:     "large_payload",
		Severity: domain.SeverityWarning,
		Details:  map[string]any{"payload_size": dc.Message.PayloadSize, "threshold": d.threshold},
	}
}

type longProcessingDetector struct{ threshold time.Duration }

func (longProcessingDetector) Name() string { return "long_processing" }

func (d longProcessingDetector) Detect(dc DetectionContext) *domain.Anomaly {
	if dc.Action != domain.ActionAck || dc.Message == nil || d.threshold <= 0 {
		return nil
	}
	m := dc.Message
	if m.AcknowledgedAt == nil || m.DequeuedAt == nil {
		return nil
	}
	dur := m.AcknowledgedAt.Sub(*m.DequeuedAt)
	if dur < d.threshold {
		return nil
	}
	return &domain.Anomaly{
		Type:     "long_processing",
		Severity: domain.SeverityWarning,
		Details:  map[string]any{"duration_ms": dur.Milliseconds(), "threshold_ms": d.threshold.Milliseconds()},
	}
}

type lockStolenDetector struct{}

func (lockStolenDetector) Name() string { return "lock_stolen" }

func (lockStolenDetector) Detect(dc DetectionContext) *domain.Anomaly {
	if !dc.LockMismatch {
		return nil
	}
	switch dc.Action {
	case domain.ActionAck, domain.ActionNack, domain.ActionTouch:
	default:
		return nil
	}
	return &domain.Anomaly{
		Type:     "lock_stolen",
		Severity: domain.SeverityCritical,
		Details:  map[string]any{"operation": string(dc.Action)},
	}
}

type nearDLQDetector struct{ threshold int }

func (nearDLQDetector) Name() string { return "near_dlq" }

func (d nearDLQDetector) Detect(dc DetectionContext) *domain.Anomaly {
	if dc.Action != domain.ActionNack || dc.Dead || dc.Message == nil || d.threshold <= 0 {
		return nil
	}
	remaining := dc.EffMaxAttempts - dc.Message.AttemptCount
	if remaining <= 0 || remaining > d.threshold {
		return nil
	}
	return &domain.Anomaly{
		Type:     "near_dlq",
		Severity: domain.SeverityWarning,
		Details:  map[string]any{"attempts_remaining": remaining, "max_attempts": dc.EffMaxAttempts},
	}
}

type dlqMovementDetector struct{}

func (dlqMovementDetector) Name() string { return "dlq_movement" }

func (dlqMovementDetector) Detect(dc DetectionContext) *domain.Anomaly {
	if !dc.Dead {
		return nil
	}
	switch dc.Action {
	case domain.ActionNack, domain.ActionMove, domain.ActionTimeout, domain.ActionDLQ:
	default:
		return nil
	}
	details := map[string]any{"operation": string(dc.Action)}
	if dc.Message != nil {
		details["attempt_count"] = dc.Message.AttemptCount
	}
	if dc.ErrorReason != "" {
		details["error"] = dc.ErrorReason
	}
	return &domain.Anomaly{Type: "dlq_movement", Severity: domain.SeverityCritical, Details: details}
}

type zombieDetector struct{ multiplier float64 }

func (zombieDetector) Name() string { return "zombie_message" }

func (d zombieDetector) Detect(dc DetectionContext) *domain.Anomaly {
	if dc.Action != domain.ActionTimeout || dc.Dead || dc.Message == nil || d.multiplier <= 0 {
		return nil
	}
	if dc.Message.DequeuedAt == nil || dc.EffAckTimeoutSeconds <= 0 {
		return nil
	}
	processing := dc.Now.Sub(*dc.Message.DequeuedAt)
	limit := time.Duration(d.multiplier * float64(dc.EffAckTimeoutSeconds) * float64(time.Second))
	if processing < limit {
		return nil
	}
	return &domain.Anomaly{
		Type:     "zombie_message",
		Severity: domain.SeverityWarning,
		Details:  map[string]any{"processing_ms": processing.Milliseconds(), "limit_ms": limit.Milliseconds()},
	}
}

// requeueDetector marks a timeout-driven requeue so the sweep's activity
// rows always carry a typed observation.
type requeueDetector struct{}

func (requeueDetector) Name() string { return "requeue" }

func (requeueDetector) Detect(dc DetectionContext) *domain.Anomaly {
	if dc.Action != domain.ActionTimeout || dc.Dead || dc.Message == nil {
		return nil
	}
	return &domain.Anomaly{
		Type:     "requeue",
		Severity: domain.SeverityInfo,
		Details:  map[string]any{"attempt_count": dc.Message.AttemptCount},
	}
}

type burstDetector struct {
	threshold int
	windows   *SlidingWindows
}

func (burstDetector) Name() string { return "burst_dequeue" }

func (d burstDetector) Detect(dc DetectionContext) *domain.Anomaly {
	if dc.Action != domain.ActionDequeue || dc.ConsumerID == "" || d.threshold <= 0 || d.windows == nil {
		return nil
	}
	n := d.windows.Record(dc.ConsumerID, dc.Now)
	if n < d.threshold {
		return nil
	}
	return &domain.Anomaly{
		Type:     "burst_dequeue",
		Severity: domain.SeverityWarning,
		Details:  map[string]any{"count": n, "threshold": d.threshold, "window_seconds": d.windows.window.Seconds()},
	}
}

type bulkOperationDetector struct{ threshold int }

func (bulkOperationDetector) Name() string { return "bulk_operation" }

func (d bulkOperationDetector) Detect(dc DetectionContext) *domain.Anomaly {
	if d.threshold <= 0 || dc.BatchSize < d.threshold {
		return nil
	}
	var typ string
	switch dc.Action {
	case domain.ActionEnqueue:
		typ = "bulk_enqueue"
	case domain.ActionDelete:
		typ = "bulk_delete"
	case domain.ActionMove:
		typ = "bulk_move"
	default:
		return nil
	}
	return &domain.Anomaly{
		Type:     typ,
		Severity: domain.SeverityWarning,
		Details:  map[string]any{"batch_size": dc.BatchSize, "threshold": d.threshold},
	}
}

type queueClearedDetector struct{}

func (queueClearedDetector) Name() string { return "queue_cleared" }

func (queueClearedDetector) Detect(dc DetectionContext) *domain.Anomaly {
	if dc.Action != domain.ActionClear {
		return nil
	}
	return &domain.Anomaly{
		Type:     "queue_cleared",
		Severity: domain.SeverityWarning,
		Details:  map[string]any{"cleared": dc.BatchSize},
	}
}

// SlidingWindows tracks per-consumer dequeue timestamps for the burst
// detector. State is in-process and best-effort; it resets on restart.
type SlidingWindows struct {
	mu     sync.Mutex
	window time.Duration
	byKey  map[string]*consumerWindow
}

type consumerWindow struct {
	mu    sync.Mutex
	times []time.Time
}

// NewSlidingWindows constructs the tracker with the given window length.
func NewSlidingWindows(window time.Duration) *SlidingWindows {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &SlidingWindows{window: window, byKey: make(map[string]*consumerWindow)}
}

// Record appends now to the consumer's window and returns the count of
// events still inside it.
func (s *SlidingWindows) Record(consumer string, now time.Time) int {
	s.mu.Lock()
	w, ok := s.byKey[consumer]
	if !ok {
		w = &consumerWindow{}
		s.byKey[consumer] = w
	}
	s.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-s.window)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = append(kept, now)
	return len(w.times)
}
