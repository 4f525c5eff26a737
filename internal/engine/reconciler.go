package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/weftlab/weft/internal/core/storage"
)

const staleBatchSize = 500

// Reconciler is the background sweep that keeps the queue and the event
// store consistent: it returns crashed workers' expired leases to the
// queue, and re-enqueues events whose enqueue was lost after the durable
// write (queue infrastructure failure during ingestion).
type Reconciler struct {
	events         storage.EventStore
	queue          storage.QueueStore
	sweepInterval  time.Duration
	staleThreshold time.Duration
}

// NewReconciler creates a reconciliation sweeper.
func NewReconciler(events storage.EventStore, queue storage.QueueStore, sweepInterval, staleThreshold time.Duration) *Reconciler {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	if staleThreshold <= 0 {
		staleThreshold = 2 * time.Minute
	}
	return &Reconciler{
		events:         events,
		queue:          queue,
		sweepInterval:  sweepInterval,
		staleThreshold: staleThreshold,
	}
}

// Run sweeps periodically until ctx is cancelled. One final sweep runs on
// shutdown so a clean restart starts from a reconciled state.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	slog.Info("[Reconciler] Starting sweep loop",
		"interval", r.sweepInterval,
		"stale_threshold", r.staleThreshold)

	r.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			r.sweep(ctx)
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			r.sweep(shutdownCtx)
			slog.Info("[Reconciler] Stopped")
			return nil
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	now := time.Now().UTC()

	reaped, err := r.queue.ReapExpiredLeases(ctx, now)
	if err != nil {
		slog.Error("[Reconciler] Lease reap failed", "error", err)
	} else if reaped > 0 {
		slog.Info("[Reconciler] Returned expired leases to queue", "count", reaped)
	}

	stale, err := r.events.ListStaleReceived(ctx, now.Add(-r.staleThreshold), staleBatchSize)
	if err != nil {
		slog.Error("[Reconciler] Stale event scan failed", "error", err)
		return
	}

	requeued := 0
	for _, evt := range stale {
		if _, err := r.queue.Enqueue(ctx, evt.ID, evt.InstanceID); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				// Item exists; the event is stale but not lost. Leave it to
				// the queue's own retry machinery.
				continue
			}
			slog.Error("[Reconciler] Re-enqueue failed", "event_id", evt.ID, "error", err)
			continue
		}
		requeued++
	}

	if requeued > 0 {
		slog.Info("[Reconciler] Re-enqueued stale events", "count", requeued)
	}
}
