package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/relay/internal/usecase"
)

// RetentionSweeper prunes activity rows past the retention horizon.
type RetentionSweeper struct {
	engine   *usecase.Engine
	interval time.Duration
}

// NewRetentionSweeper constructs the sweeper; a nil engine disables it.
func NewRetentionSweeper(engine *usecase.Engine, interval time.Duration) *RetentionSweeper {
	if engine == nil {
		return nil
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionSweeper{engine: engine, interval: interval}
}

// Run blocks until ctx is done, pruning once per interval.
func (s *RetentionSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopping")
			return
		case <-ticker.C:
			n, err := s.engine.PruneActivity(ctx)
			if err != nil {
				slog.Error("activity retention sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Info("activity rows pruned", slog.Int64("count", n))
			}
		}
	}
}
