package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/relay/internal/domain"
	"github.com/fairyhunter13/relay/internal/usecase"
)

// RequeueAdvisoryKey is the deployment-wide advisory lock key gating the
// overdue sweep. Exactly one replica holds it per tick.
const RequeueAdvisoryKey int64 = 0x52454C4159 // "RELAY"

// RequeueWorker runs the overdue sweep on a fixed interval, serialized
// across replicas by a store advisory lock.
type RequeueWorker struct {
	engine   *usecase.Engine
	locker   domain.AdvisoryLocker
	interval time.Duration
}

// NewRequeueWorker constructs the worker; nil deps disable it.
func NewRequeueWorker(engine *usecase.Engine, locker domain.AdvisoryLocker, interval time.Duration) *RequeueWorker {
	if engine == nil || locker == nil {
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &RequeueWorker{engine: engine, locker: locker, interval: interval}
}

// Run blocks until ctx is done, sweeping once per tick. A replica that fails
// to take the advisory lock skips its tick.
func (w *RequeueWorker) Run(ctx context.Context) {
	if w == nil {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.tickOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("requeue worker stopping")
			return
		case <-ticker.C:
			w.tickOnce(ctx)
		}
	}
}

func (w *RequeueWorker) tickOnce(ctx context.Context) {
	tracer := otel.Tracer("relay.requeue")
	ctx, span := tracer.Start(ctx, "RequeueWorker.tickOnce")
	defer span.End()

	held, err := w.locker.WithLock(ctx, RequeueAdvisoryKey, func(ctx context.Context) error {
		n, err := w.engine.ReclaimOverdueTick(ctx)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int("relay.reclaimed", n))
		if n > 0 {
			slog.Info("overdue messages reclaimed", slog.Int("count", n))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		slog.Error("requeue tick failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Bool("relay.lock_held", held))
}
