package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/relay/internal/config"
	"github.com/fairyhunter13/relay/internal/domain"
)

func msgAt(created time.Time) *domain.Message {
	return &domain.Message{ID: domain.NewMessageID(), QueueName: "default", CreatedAt: created}
}

func TestFlashMessageDetector(t *testing.T) {
	d := flashMessageDetector{threshold: 100 * time.Millisecond}
	now := time.Now().UTC()

	a := d.Detect(DetectionContext{Action: domain.ActionDequeue, Message: msgAt(now.Add(-10 * time.Millisecond)), Now: now})
	require.NotNil(t, a)
	assert.Equal(t, "flash_message", a.Type)
	assert.Equal(t, domain.SeverityInfo, a.Severity)

	assert.Nil(t, d.Detect(DetectionContext{Action: domain.ActionDequeue, Message: msgAt(now.Add(-time.Second)), Now: now}))
	assert.Nil(t, d.Detect(DetectionContext{Action: domain.ActionEnqueue, Message: msgAt(now), Now: now}))
}

func TestLargePayloadDetector(t *testing.T) {
	d := largePayloadDetector{threshold: 1024}
	m := &domain.Message{PayloadSize: 2048}

	a := d.Detect(DetectionContext{Action: domain.ActionEnqueue, Message: m})
	require.NotNil(t, a)
	assert.Equal(t, "large_payload", a.Type)
	assert.Equal(t, domain.SeverityWarning, a.Severity)

	small := &domain.Message{PayloadSize: 1023}
	assert.Nil(t, d.Detect(DetectionContext{Action: domain.ActionEnqueue, Message: small}))
	assert.Nil(t, d.Detect(DetectionContext{Action: domain.ActionDequeue, Message: m}))
}

func TestLongProcessingDetector(t *testing.T) {
	d := longProcessingDetector{threshold: 30 * time.Second}
	now := time.Now().UTC()
	deq := now.Add(-time.Minute)
	m := &domain.Message{DequeuedAt: &deq, AcknowledgedAt: &now}

	a := d.Detect(DetectionContext{Action: domain.ActionAck, Message: m, Now: now})
	require.NotNil(t, a)
	assert.Equal(t, "long_processing", a.Type)

	fast := now.Add(-time.Second)
	assert.Nil(t, d.Detect(DetectionContext{Action: domain.ActionAck, Message: &domain.Message{DequeuedAt: &fast, AcknowledgedAt: &now}, Now: now}))
	assert.Nil(t, d.Detect(DetectionContext{Action: domain.ActionAck, Message: &domain.Message{}, Now: now}))
}

func TestLockStolenDetector(t *testing.T) {
	var d lockStolenDetector
	for _, action := range []domain.Action{domain.ActionAck, domain.ActionNack, domain.ActionTouch} {
		a := d.Detect(DetectionContext{Action: action, LockMismatch: true})
		require.NotNil(t, a, "action %s", action)
		assert.Equal(t, "lock_stolen", a.Type)
		assert.Equal(t, domain.SeverityCritical, a.Severity)
	}
	assert.Nil(t, d.Detect(DetectionContext{Action: domain.ActionAck}))
	assert.Nil(t, d.Detect(DetectionContext{Action: domain.ActionDequeue, LockMismatch: true}))
}

func TestNearDLQDetector(t *testing.T) {
	d := nearDLQDetector{threshold: 1}

	m := &domain.Message{AttemptCount: 2}
	a := d.Detect(DetectionContext{Action: domain.ActionNack, Message: m, EffMaxAttempts: 3})
	require.NotNil(t, a)
	assert.Equal(t, "near_dlq", a.Type)

	// Two attempts remaining is above the threshold.
	assert.Nil(t, d.Detect(DetectionContext{Action: domain.ActionNack, Message: &domain.Message{AttemptCount: 1}, EffMaxAttempts: 3}))
	// Already dead transitions are dlq_movement's business.
	assert.Nil(t, d.Detect(DetectionContext{Action: domain.ActionNack, Message: m, EffMaxAttempts: 3, Dead: true}))
}

func TestDLQMovementDetector(t *testing.T) {
	var d dlqMovementDetector
	m := &domain.Message{AttemptCount: 3}

	a := d.Detect(DetectionContext{Action: domain.ActionNack, Message: m, Dead: true, ErrorReason: "boom"})
	require.NotNil(t, a)
	assert.Equal(t, "dlq_movement", a.Type)
	assert.Equal(t, domain.SeverityCritical, a.Severity)
	assert.Equal(t, "boom", a.Details["error"])

	assert.NotNil(t, d.Detect(DetectionContext{Action: domain.ActionTimeout, Message: m, Dead: true}))
	assert.Nil(t, d.Detect(DetectionContext{Action: domain.ActionNack, Message: m}))
	assert.Nil(t, d.Detect(DetectionContext{Action: domain.ActionAck, Message: m, Dead: true}))
}

func TestZombieDetector(t *testing.T) {
	d := zombieDetector{multiplier: 3}
	now := time.Now().UTC()

	old := now.Add(-5 * time.Minute)
	a := d.Detect(DetectionContext{Action: domain.ActionTimeout, Message: &domain.Message{DequeuedAt: &old}, Now: now, EffAckTimeoutSeconds: 30})
	require.NotNil(t, a)
	assert.Equal(t, "zombie_message", a.Type)

	recent := now.Add(-40 * time.Second)
	assert.Nil(t, d.Detect(DetectionContext{Action: domain.ActionTimeout, Message: &domain.Message{DequeuedAt: &recent}, Now: now, EffAckTimeoutSeconds: 30}))
}

func TestRequeueDetector(t *testing.T) {
	var d requeueDetector
	m := &domain.Message{AttemptCount: 1}

	a := d.Detect(DetectionContext{Action: domain.ActionTimeout, Message: m})
	require.NotNil(t, a)
	assert.Equal(t, "requeue", a.Type)
	assert.Equal(t, domain.SeverityInfo, a.Severity)

	assert.Nil(t, d.Detect(DetectionContext{Action: domain.ActionTimeout, Message: m, Dead: true}))
}

func TestBurstDetector(t *testing.T) {
	windows := NewSlidingWindows(10 * time.Second)
	d := burstDetector{threshold: 3, windows: windows}
	now := time.Now().UTC()

	dc := DetectionContext{Action: domain.ActionDequeue, ConsumerID: "c1", Now: now}
	assert.Nil(t, d.Detect(dc))
	assert.Nil(t, d.Detect(dc))
	a := d.Detect(dc)
	require.NotNil(t, a)
	assert.Equal(t, "burst_dequeue", a.Type)

	// A different consumer has its own window.
	assert.Nil(t, d.Detect(DetectionContext{Action: domain.ActionDequeue, ConsumerID: "c2", Now: now}))
}

func TestSlidingWindowsExpiry(t *testing.T) {
	w := NewSlidingWindows(time.Second)
	base := time.Now().UTC()

	assert.Equal(t, 1, w.Record("c", base))
	assert.Equal(t, 2, w.Record("c", base.Add(100*time.Millisecond)))
	// Past the window, the old entries fall out.
	assert.Equal(t, 1, w.Record("c", base.Add(2*time.Second)))
}

func TestBulkOperationDetector(t *testing.T) {
	d := bulkOperationDetector{threshold: 100}

	cases := []struct {
		action domain.Action
		want   string
	}{
		{domain.ActionEnqueue, "bulk_enqueue"},
		{domain.ActionDelete, "bulk_delete"},
		{domain.ActionMove, "bulk_move"},
	}
	for _, tc := range cases {
		a := d.Detect(DetectionContext{Action: tc.action, BatchSize: 150})
		require.NotNil(t, a, "action %s", tc.action)
		assert.Equal(t, tc.want, a.Type)
	}

	assert.Nil(t, d.Detect(DetectionContext{Action: domain.ActionEnqueue, BatchSize: 99}))
	assert.Nil(t, d.Detect(DetectionContext{Action: domain.ActionAck, BatchSize: 150}))
}

func TestQueueClearedDetector(t *testing.T) {
	var d queueClearedDetector
	a := d.Detect(DetectionContext{Action: domain.ActionClear, BatchSize: 7})
	require.NotNil(t, a)
	assert.Equal(t, "queue_cleared", a.Type)
	assert.Nil(t, d.Detect(DetectionContext{Action: domain.ActionDelete}))
}

func TestRunDetectorsFirstMatchWins(t *testing.T) {
	cfg := config.Config{
		FlashMessageThreshold:      time.Hour,
		LargePayloadThresholdBytes: 1,
		BurstThresholdCount:        1000,
	}
	detectors := DefaultDetectors(cfg, NewSlidingWindows(10*time.Second))

	now := time.Now().UTC()
	m := &domain.Message{CreatedAt: now.Add(-time.Minute), PayloadSize: 10}
	a := runDetectors(detectors, DetectionContext{Action: domain.ActionDequeue, Message: m, ConsumerID: "c", Now: now})
	require.NotNil(t, a)
	assert.Equal(t, "flash_message", a.Type)
}

func TestBurstCountsFastDequeues(t *testing.T) {
	cfg := config.Config{
		FlashMessageThreshold: time.Hour,
		BurstThresholdCount:   3,
		BurstThresholdSeconds: 10,
	}
	detectors := DefaultDetectors(cfg, NewSlidingWindows(10*time.Second))
	now := time.Now().UTC()

	// Young messages trip flash_message on every claim; the burst window
	// still has to fill up and take over at the threshold.
	var burst, flash int
	for i := 0; i < 5; i++ {
		a := runDetectors(detectors, DetectionContext{
			Action: domain.ActionDequeue, Message: msgAt(now), ConsumerID: "c1", Now: now,
		})
		require.NotNil(t, a)
		switch a.Type {
		case "burst_dequeue":
			burst++
		case "flash_message":
			flash++
		}
	}
	assert.Equal(t, 3, burst)
	assert.Equal(t, 2, flash)
}

type panicDetector struct{}

func (panicDetector) Name() string                            { return "panic" }
func (panicDetector) Detect(DetectionContext) *domain.Anomaly { panic("bad detector") }

func TestRunDetectorsRecoversPanic(t *testing.T) {
	detectors := []Detector{panicDetector{}, queueClearedDetector{}}
	a := runDetectors(detectors, DetectionContext{Action: domain.ActionClear})
	require.NotNil(t, a)
	assert.Equal(t, "queue_cleared", a.Type)
}
