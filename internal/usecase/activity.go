package usecase

import (
	"fmt"

	"github.com/fairyhunter13/relay/internal/domain"
)

// ActivityLogs pages through the audit trail, newest first.
func (e *Engine) ActivityLogs(ctx domain.Context, f domain.ActivityFilter) ([]domain.ActivityLog, int64, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	logs, total, err := e.activity.Logs(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("op=engine.ActivityLogs: %w", err)
	}
	return logs, total, nil
}

// MessageHistory returns the full audit trail of one message, oldest first.
// The message itself may already be gone; an empty history means it was
// never seen.
func (e *Engine) MessageHistory(ctx domain.Context, id string) ([]domain.ActivityLog, error) {
	if id == "" {
		return nil, fmt.Errorf("op=engine.MessageHistory reason=id required: %w", domain.ErrInvalidArgument)
	}
	logs, err := e.activity.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("op=engine.MessageHistory id=%s: %w", id, err)
	}
	return logs, nil
}

// Anomalies pages through anomaly-carrying audit rows with an aggregate
// summary of the full match set.
func (e *Engine) Anomalies(ctx domain.Context, f domain.AnomalyFilter) ([]domain.ActivityLog, domain.AnomalySummary, error) {
	if f.Severity != "" {
		switch f.Severity {
		case domain.SeverityInfo, domain.SeverityWarning, domain.SeverityCritical:
		default:
			return nil, domain.AnomalySummary{}, fmt.Errorf("op=engine.Anomalies severity=%q: %w", f.Severity, domain.ErrInvalidArgument)
		}
	}
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	logs, sum, err := e.activity.Anomalies(ctx, f)
	if err != nil {
		return nil, domain.AnomalySummary{}, fmt.Errorf("op=engine.Anomalies: %w", err)
	}
	return logs, sum, nil
}

// ConsumerStats returns per-consumer counters; an empty id returns all.
func (e *Engine) ConsumerStats(ctx domain.Context, consumerID string) ([]domain.ConsumerStats, error) {
	stats, err := e.activity.ConsumerStats(ctx, consumerID)
	if err != nil {
		return nil, fmt.Errorf("op=engine.ConsumerStats: %w", err)
	}
	return stats, nil
}
