package usecase_test

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/relay/internal/domain"
)

// memStore is an in-memory implementation of the store ports with the same
// transition semantics as the Postgres adapter, for exercising the engine
// without a database.
type memStore struct {
	mu      sync.Mutex
	queues  map[string]domain.Queue
	msgs    map[string]*domain.Message
	order   []string // insertion order, for stable tie-breaks
	logs    []domain.ActivityLog
	nextLog int64
	stats   map[string]*domain.ConsumerStats

	failNext error // when set, the next store call returns it once
}

func newMemStore() *memStore {
	return &memStore{
		queues: make(map[string]domain.Queue),
		msgs:   make(map[string]*domain.Message),
		stats:  make(map[string]*domain.ConsumerStats),
	}
}

func (s *memStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *memStore) appendLog(l domain.ActivityLog) {
	s.nextLog++
	l.LogID = s.nextLog
	s.logs = append(s.logs, l)
}

func (s *memStore) effAck(m *domain.Message, override, def int) int {
	if override > 0 {
		return override
	}
	if m.AckTimeoutSeconds != nil && *m.AckTimeoutSeconds > 0 {
		return *m.AckTimeoutSeconds
	}
	if q, ok := s.queues[m.QueueName]; ok && q.AckTimeoutSeconds > 0 {
		return q.AckTimeoutSeconds
	}
	return def
}

func (s *memStore) effMax(m *domain.Message, def int) int {
	if m.MaxAttempts != nil && *m.MaxAttempts > 0 {
		return *m.MaxAttempts
	}
	if q, ok := s.queues[m.QueueName]; ok && q.MaxAttempts > 0 {
		return q.MaxAttempts
	}
	return def
}

// MessageStore

func (s *memStore) Enqueue(_ domain.Context, q domain.Queue, msgs []domain.Message, logs domain.EnqueueLogsFn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	if _, ok := s.queues[q.Name]; !ok {
		return fmt.Errorf("enqueue queue=%s: %w", q.Name, domain.ErrQueueNotFound)
	}
	for i := range msgs {
		m := msgs[i]
		s.msgs[m.ID] = &m
		s.order = append(s.order, m.ID)
	}
	if logs != nil {
		for _, l := range logs(msgs) {
			s.appendLog(l)
		}
	}
	return nil
}

func (s *memStore) Claim(_ domain.Context, req domain.ClaimRequest, log domain.TransitionLogFn) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	var best *domain.Message
	for _, id := range s.order {
		m := s.msgs[id]
		if m == nil || m.QueueName != req.Queue.Name || m.Status != domain.StatusQueued {
			continue
		}
		if req.Type != "" && m.Type != req.Type {
			continue
		}
		if best == nil || m.Priority > best.Priority ||
			(m.Priority == best.Priority && m.CreatedAt.Before(best.CreatedAt)) {
			best = m
		}
	}
	if best == nil {
		return nil, nil
	}
	now := time.Now().UTC()
	ack := s.effAck(best, req.AckTimeoutOverride, req.DefaultAckTimeout)
	until := now.Add(time.Duration(ack) * time.Second)
	token := req.LockToken
	best.Status = domain.StatusProcessing
	best.LockToken = &token
	best.LockedUntil = &until
	best.AttemptCount++
	best.DequeuedAt = &now
	if req.ConsumerID != "" {
		c := req.ConsumerID
		best.ConsumerID = &c
		st := s.stats[c]
		if st == nil {
			st = &domain.ConsumerStats{ConsumerID: c, AnomalyCounts: map[string]int64{}}
			s.stats[c] = st
		}
		st.TotalDequeued++
		st.LastDequeueAt = &now
	}
	cp := *best
	if log != nil {
		s.appendLog(log(cp))
	}
	return &cp, nil
}

func (s *memStore) Ack(_ domain.Context, id, token string, log domain.TransitionLogFn) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	m, ok := s.msgs[id]
	if !ok {
		return nil, fmt.Errorf("ack id=%s: %w", id, domain.ErrNotFound)
	}
	if m.Status != domain.StatusProcessing || m.LockToken == nil || *m.LockToken != token {
		cp := *m
		return &cp, fmt.Errorf("ack id=%s: %w", id, domain.ErrLockLost)
	}
	now := time.Now().UTC()
	m.Status = domain.StatusAcknowledged
	m.AcknowledgedAt = &now
	m.LockToken = nil
	m.LockedUntil = nil
	cp := *m
	if log != nil {
		s.appendLog(log(cp))
	}
	return &cp, nil
}

func (s *memStore) Nack(_ domain.Context, id, token, reason string, defaultMax int, log domain.RetryLogFn) (*domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, false, err
	}
	m, ok := s.msgs[id]
	if !ok {
		return nil, false, fmt.Errorf("nack id=%s: %w", id, domain.ErrNotFound)
	}
	if m.Status != domain.StatusProcessing || m.LockToken == nil || *m.LockToken != token {
		cp := *m
		return &cp, false, fmt.Errorf("nack id=%s: %w", id, domain.ErrLockLost)
	}
	effMax := s.effMax(m, defaultMax)
	dead := m.AttemptCount >= effMax
	if dead {
		m.Status = domain.StatusDead
	} else {
		m.Status = domain.StatusQueued
		m.DequeuedAt = nil
		m.ConsumerID = nil
	}
	m.LockToken = nil
	m.LockedUntil = nil
	if reason != "" {
		r := reason
		m.LastError = &r
	}
	cp := *m
	if log != nil {
		s.appendLog(log(cp, dead, effMax))
	}
	return &cp, dead, nil
}

func (s *memStore) Touch(_ domain.Context, id, token string, extendSecs, defaultAck int, log domain.TouchLogFn) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return time.Time{}, err
	}
	m, ok := s.msgs[id]
	if !ok {
		return time.Time{}, fmt.Errorf("touch id=%s: %w", id, domain.ErrNotFound)
	}
	if m.Status != domain.StatusProcessing || m.LockToken == nil || *m.LockToken != token {
		return time.Time{}, fmt.Errorf("touch id=%s: %w", id, domain.ErrLockLost)
	}
	secs := extendSecs
	if secs <= 0 {
		secs = s.effAck(m, 0, defaultAck)
	}
	until := time.Now().UTC().Add(time.Duration(secs) * time.Second)
	m.LockedUntil = &until
	if log != nil {
		s.appendLog(log(*m, until))
	}
	return until, nil
}

func (s *memStore) ReclaimOverdue(_ domain.Context, limit int, defs domain.ReclaimDefaults, log domain.ReclaimLogFn) ([]domain.ReclaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var overdue []*domain.Message
	for _, id := range s.order {
		m := s.msgs[id]
		if m != nil && m.Status == domain.StatusProcessing && m.LockedUntil != nil && m.LockedUntil.Before(now) {
			overdue = append(overdue, m)
		}
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i].LockedUntil.Before(*overdue[j].LockedUntil) })
	if limit > 0 && len(overdue) > limit {
		overdue = overdue[:limit]
	}
	var results []domain.ReclaimResult
	for _, m := range overdue {
		effMax := s.effMax(m, defs.MaxAttempts)
		effAck := s.effAck(m, 0, defs.AckTimeoutSeconds)
		dead := m.AttemptCount >= effMax
		prevConsumer := m.ConsumerID
		prevDequeued := m.DequeuedAt
		if dead {
			m.Status = domain.StatusDead
			le := "ack timeout exceeded"
			m.LastError = &le
		} else {
			// Requeue clears lock state only; last_error stays as it was.
			m.Status = domain.StatusQueued
			m.DequeuedAt = nil
			m.ConsumerID = nil
		}
		m.LockToken = nil
		m.LockedUntil = nil
		cp := *m
		cp.ConsumerID = prevConsumer
		cp.DequeuedAt = prevDequeued
		r := domain.ReclaimResult{Message: cp, Dead: dead, EffAckTimeoutSeconds: effAck}
		if log != nil {
			s.appendLog(log(r))
		}
		results = append(results, r)
	}
	return results, nil
}

func (s *memStore) Get(_ domain.Context, id string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return domain.Message{}, fmt.Errorf("get id=%s: %w", id, domain.ErrNotFound)
	}
	return *m, nil
}

func (s *memStore) List(_ domain.Context, f domain.MessageFilter) ([]domain.Message, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []domain.Message
	for _, id := range s.order {
		m := s.msgs[id]
		if m == nil {
			continue
		}
		if f.Queue != "" && m.QueueName != f.Queue {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		if f.ConsumerID != "" && (m.ConsumerID == nil || *m.ConsumerID != f.ConsumerID) {
			continue
		}
		all = append(all, *m)
	}
	total := int64(len(all))
	if f.Offset > 0 {
		if f.Offset >= len(all) {
			return nil, total, nil
		}
		all = all[f.Offset:]
	}
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (s *memStore) Delete(_ domain.Context, id string, log domain.TransitionLogFn) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return domain.Message{}, fmt.Errorf("delete id=%s: %w", id, domain.ErrNotFound)
	}
	cp := *m
	delete(s.msgs, id)
	if log != nil {
		s.appendLog(log(cp))
	}
	return cp, nil
}

func (s *memStore) Move(_ domain.Context, req domain.MoveRequest, log domain.TransitionLogFn) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	ids := req.IDs
	if len(ids) == 0 {
		for _, id := range s.order {
			m := s.msgs[id]
			if m != nil && m.QueueName == req.SourceQueue && m.Status == req.SourceStatus {
				ids = append(ids, id)
			}
		}
	}
	var moved []domain.Message
	for _, id := range ids {
		m, ok := s.msgs[id]
		if !ok {
			continue
		}
		if req.TargetQueue != "" {
			m.QueueName = req.TargetQueue
		}
		if req.TargetStatus != "" {
			m.Status = req.TargetStatus
			switch req.TargetStatus {
			case domain.StatusProcessing:
				token := domain.NewLockToken()
				until := time.Now().UTC().Add(time.Minute)
				m.LockToken = &token
				m.LockedUntil = &until
			case domain.StatusQueued:
				m.LockToken = nil
				m.LockedUntil = nil
				m.DequeuedAt = nil
				m.ConsumerID = nil
			default:
				m.LockToken = nil
				m.LockedUntil = nil
			}
		}
		cp := *m
		if log != nil {
			s.appendLog(log(cp))
		}
		moved = append(moved, cp)
	}
	return moved, nil
}

func (s *memStore) Purge(_ domain.Context, queue string, status domain.Status, log domain.PurgeLogFn) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.msgs {
		if m.QueueName != queue {
			continue
		}
		if status != "" && m.Status != status {
			continue
		}
		delete(s.msgs, id)
		n++
	}
	if log != nil {
		s.appendLog(log(n))
	}
	return n, nil
}

func (s *memStore) CountsByStatus(_ domain.Context, queue string) (map[domain.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[domain.Status]int64)
	for _, m := range s.msgs {
		if m.QueueName == queue {
			counts[m.Status]++
		}
	}
	return counts, nil
}

// memQueueStore adapts the shared state to the QueueStore port; the method
// sets of the two ports collide on one receiver.
type memQueueStore struct{ s *memStore }

func (qs memQueueStore) Create(_ domain.Context, q domain.Queue) (domain.Queue, error) {
	s := qs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[q.Name]; ok {
		return domain.Queue{}, fmt.Errorf("create queue=%s: %w", q.Name, domain.ErrAlreadyExists)
	}
	now := time.Now().UTC()
	q.CreatedAt = now
	q.UpdatedAt = now
	s.queues[q.Name] = q
	return q, nil
}

func (qs memQueueStore) Get(_ domain.Context, name string) (domain.Queue, error) {
	s := qs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return domain.Queue{}, fmt.Errorf("get queue=%s: %w", name, domain.ErrQueueNotFound)
	}
	return q, nil
}

func (qs memQueueStore) List(_ domain.Context) ([]domain.QueueWithCounts, error) {
	s := qs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name := range s.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]domain.QueueWithCounts, 0, len(names))
	for _, name := range names {
		counts := make(map[domain.Status]int64)
		for _, m := range s.msgs {
			if m.QueueName == name {
				counts[m.Status]++
			}
		}
		out = append(out, domain.QueueWithCounts{Queue: s.queues[name], Counts: counts})
	}
	return out, nil
}

func (qs memQueueStore) Update(_ domain.Context, name string, upd domain.QueueUpdate) (domain.Queue, error) {
	s := qs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return domain.Queue{}, fmt.Errorf("update queue=%s: %w", name, domain.ErrQueueNotFound)
	}
	if upd.AckTimeoutSeconds != nil {
		q.AckTimeoutSeconds = *upd.AckTimeoutSeconds
	}
	if upd.MaxAttempts != nil {
		q.MaxAttempts = *upd.MaxAttempts
	}
	if upd.RetentionInterval != nil {
		q.RetentionInterval = upd.RetentionInterval
	}
	q.UpdatedAt = time.Now().UTC()
	s.queues[name] = q
	return q, nil
}

func (qs memQueueStore) Delete(_ domain.Context, name string, force bool) error {
	s := qs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[name]; !ok {
		return fmt.Errorf("delete queue=%s: %w", name, domain.ErrQueueNotFound)
	}
	var n int
	for _, m := range s.msgs {
		if m.QueueName == name {
			n++
		}
	}
	if n > 0 && !force {
		return fmt.Errorf("delete queue=%s: %w", name, domain.ErrConflict)
	}
	for id, m := range s.msgs {
		if m.QueueName == name {
			delete(s.msgs, id)
		}
	}
	delete(s.queues, name)
	return nil
}

// ActivityStore

func (s *memStore) Append(_ domain.Context, l domain.ActivityLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	s.appendLog(l)
	return nil
}

func (s *memStore) Logs(_ domain.Context, f domain.ActivityFilter) ([]domain.ActivityLog, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []domain.ActivityLog
	for _, l := range s.logs {
		if f.Queue != "" && l.QueueName != f.Queue {
			continue
		}
		if f.MessageID != "" && l.MessageID != f.MessageID {
			continue
		}
		if f.ConsumerID != "" && l.ConsumerID != f.ConsumerID {
			continue
		}
		if f.Action != "" && l.Action != f.Action {
			continue
		}
		if f.AnomaliesOnly && l.Anomaly == nil {
			continue
		}
		if f.Since != nil && l.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && l.Timestamp.After(*f.Until) {
			continue
		}
		all = append(all, l)
	}
	// newest first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	total := int64(len(all))
	if f.Offset > 0 {
		if f.Offset >= len(all) {
			return nil, total, nil
		}
		all = all[f.Offset:]
	}
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (s *memStore) History(_ domain.Context, messageID string) ([]domain.ActivityLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ActivityLog
	for _, l := range s.logs {
		if l.MessageID == messageID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *memStore) Anomalies(_ domain.Context, f domain.AnomalyFilter) ([]domain.ActivityLog, domain.AnomalySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := domain.AnomalySummary{ByType: map[string]int64{}, BySeverity: map[string]int64{}}
	var out []domain.ActivityLog
	for _, l := range s.logs {
		if l.Anomaly == nil {
			continue
		}
		if f.Queue != "" && l.QueueName != f.Queue {
			continue
		}
		if f.Type != "" && l.Anomaly.Type != f.Type {
			continue
		}
		if f.Severity != "" && l.Anomaly.Severity != f.Severity {
			continue
		}
		sum.Total++
		sum.ByType[l.Anomaly.Type]++
		sum.BySeverity[string(l.Anomaly.Severity)]++
		out = append(out, l)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, sum, nil
}

func (s *memStore) ConsumerStats(_ domain.Context, consumerID string) ([]domain.ConsumerStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ConsumerStats
	for id, st := range s.stats {
		if consumerID != "" && id != consumerID {
			continue
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConsumerID < out[j].ConsumerID })
	return out, nil
}

func (s *memStore) BumpAnomaly(_ domain.Context, consumerID, anomalyType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[consumerID]
	if st == nil {
		st = &domain.ConsumerStats{ConsumerID: consumerID, AnomalyCounts: map[string]int64{}}
		s.stats[consumerID] = st
	}
	st.AnomalyCounts[anomalyType]++
	return nil
}

func (s *memStore) DeleteOlderThan(_ domain.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []domain.ActivityLog
	var n int64
	for _, l := range s.logs {
		if l.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	s.logs = kept
	return n, nil
}

// test helpers

func (s *memStore) expireLock(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.msgs[id]; ok && m.LockedUntil != nil {
		past := time.Now().UTC().Add(-time.Second)
		m.LockedUntil = &past
	}
}

func (s *memStore) historyActions(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, l := range s.logs {
		if l.MessageID == id {
			out = append(out, string(l.Action))
		}
	}
	return out
}

func (s *memStore) counters(consumer string) map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[consumer]
	if st == nil {
		return nil
	}
	out := make(map[string]int64, len(st.AnomalyCounts))
	for k, v := range st.AnomalyCounts {
		out[k] = v
	}
	return out
}

func (s *memStore) anomaliesFor(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, l := range s.logs {
		if l.MessageID == id && l.Anomaly != nil {
			out = append(out, l.Anomaly.Type)
		}
	}
	return out
}
