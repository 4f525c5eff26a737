package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/weftlab/weft/internal/action"
	v1 "github.com/weftlab/weft/internal/api/v1"
	"github.com/weftlab/weft/internal/core/storage"
	"github.com/weftlab/weft/internal/deadletter"
	"github.com/weftlab/weft/internal/identity"
	"github.com/weftlab/weft/internal/telemetry"
	"github.com/weftlab/weft/internal/workflow"
)

// Telemetry outcomes emitted by the pool.
const (
	OutcomeCompleted        = "completed"
	OutcomeNoMatch          = "no_match"
	OutcomeRetryableFailure = "retryable_failure"
	OutcomePermanentFailure = "permanent_failure"
	OutcomeSkippedDisabled  = "skipped_disabled"
)

// PoolConfig sizes the worker pool and its retry policy.
type PoolConfig struct {
	WorkerCount  int
	MaxAttempts  int
	Lease        time.Duration
	PollInterval time.Duration
	Backoff      Backoff
}

func (c PoolConfig) normalized() PoolConfig {
	n := c
	if n.WorkerCount <= 0 {
		n.WorkerCount = 8
	}
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = 5
	}
	if n.Lease <= 0 {
		n.Lease = 30 * time.Second
	}
	if n.PollInterval <= 0 {
		n.PollInterval = 500 * time.Millisecond
	}
	return n
}

// Pool pulls queue items and drives them through guard evaluation and
// action execution. Each worker owns one item at a time; coordination
// between workers happens entirely through the queue's lease mechanism.
type Pool struct {
	queue       storage.QueueStore
	events      storage.EventStore
	resolver    *identity.Resolver
	workflows   *workflow.Store
	evaluator   *workflow.Evaluator
	executor    *action.Executor
	deadLetters *deadletter.Handler
	emitter     *telemetry.Emitter
	cfg         PoolConfig
}

// NewPool creates a worker pool.
func NewPool(
	queue storage.QueueStore,
	events storage.EventStore,
	resolver *identity.Resolver,
	workflows *workflow.Store,
	evaluator *workflow.Evaluator,
	executor *action.Executor,
	deadLetters *deadletter.Handler,
	emitter *telemetry.Emitter,
	cfg PoolConfig,
) *Pool {
	return &Pool{
		queue:       queue,
		events:      events,
		resolver:    resolver,
		workflows:   workflows,
		evaluator:   evaluator,
		executor:    executor,
		deadLetters: deadLetters,
		emitter:     emitter,
		cfg:         cfg.normalized(),
	}
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("[Worker] Starting pool",
		"workers", p.cfg.WorkerCount,
		"max_attempts", p.cfg.MaxAttempts,
		"lease", p.cfg.Lease)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			p.runLoop(ctx, workerID)
			return nil
		})
	}
	err := g.Wait()
	slog.Info("[Worker] Pool stopped")
	return err
}

func (p *Pool) runLoop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := p.queue.Dequeue(ctx, workerID, p.cfg.Lease)
		if err != nil {
			if !errors.Is(err, storage.ErrEmptyQueue) && ctx.Err() == nil {
				slog.Error("[Worker] Dequeue failed", "worker", workerID, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		p.process(ctx, workerID, item)
	}
}

// process drives one leased item to a terminal outcome: done, requeued
// with backoff, or dead-lettered. All terminal queue operations carry the
// worker's id so a stale worker, reaped mid-flight, cannot overwrite the
// state of whoever holds the lease now.
func (p *Pool) process(ctx context.Context, workerID string, item *v1.QueueItem) {
	start := time.Now()

	event, err := p.events.GetEvent(ctx, item.EventID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Queue item without an event row: unrecoverable, drop it.
			slog.Error("[Worker] Queue item references missing event",
				"item_id", item.ID, "event_id", item.EventID)
			_ = p.queue.MarkDeadLetter(ctx, item.ID, workerID, "event row missing")
			return
		}
		p.nack(ctx, workerID, item, fmt.Errorf("load event: %w", err))
		return
	}

	snapshot := p.workflows.Snapshot()
	cfg := snapshot.Instance(event.InstanceID)

	// Disabled instances short-circuit to done rather than erroring; the
	// backlog drains as no-ops until the instance is re-enabled.
	if cfg != nil && !cfg.Enabled {
		p.finish(ctx, workerID, item, event, "instance_disabled")
		p.emit(event, OutcomeSkippedDisabled, item.AttemptCount, start, "")
		return
	}

	if err := p.events.UpdateEventStatus(ctx, event.ID, v1.StatusProcessing); err != nil {
		slog.Warn("[Worker] Failed to mark event processing", "event_id", event.ID, "error", err)
	}

	decision := p.evaluator.Evaluate(event, cfg)

	var chain []workflow.ActionSpec
	if decision.Matched {
		chain = snapshot.ActionChain(event.InstanceID, decision.RuleID)
	}

	if len(chain) == 0 {
		// No rule matched, or the matched rule carries no actions
		// (typical for denylist suppression rules).
		p.finish(ctx, workerID, item, event, decision.Reason)
		outcome := OutcomeCompleted
		if !decision.Matched {
			outcome = OutcomeNoMatch
		}
		p.emit(event, outcome, item.AttemptCount, start, "")
		return
	}

	identityCtx := p.resolver.Context(ctx, event)

	// A multi-step chain can legitimately run longer than one lease, so the
	// lease is renewed in the background while the chain executes.
	stopRenewal := p.renewLease(ctx, workerID, item.ID)
	result := p.executor.Execute(ctx, event, identityCtx, chain)
	stopRenewal()

	// If the instance was disabled while actions ran, discard the result.
	if current := p.workflows.Snapshot().Instance(event.InstanceID); current != nil && !current.Enabled {
		p.finish(ctx, workerID, item, event, "instance_disabled")
		p.emit(event, OutcomeSkippedDisabled, item.AttemptCount, start, "")
		return
	}

	switch result.State {
	case action.ChainSucceeded:
		p.finish(ctx, workerID, item, event, decision.Reason)
		p.emit(event, OutcomeCompleted, item.AttemptCount, start, "")

	case action.ChainFailedPermanent:
		// Telemetry before the dead-letter decision, so the failure is
		// recorded even if capture itself fails.
		p.emit(event, OutcomePermanentFailure, item.AttemptCount, start, result.FailedStep)
		p.deadLetter(ctx, workerID, item, event, deadletter.ClassPermanent, result.Err)

	case action.ChainFailedRetryable:
		p.emit(event, OutcomeRetryableFailure, item.AttemptCount, start, result.FailedStep)
		if item.AttemptCount >= p.maxAttempts(cfg) {
			p.deadLetter(ctx, workerID, item, event, deadletter.ClassExhausted, result.Err)
			return
		}
		p.nack(ctx, workerID, item, result.Err)
	}
}

// renewLease extends the item's lease at half-lease intervals until the
// returned stop function is called. If a renewal fails the lease was lost
// (the item was reaped); renewal stops and the fenced terminal operations
// turn into no-ops for this worker.
func (p *Pool) renewLease(ctx context.Context, workerID string, itemID uuid.UUID) func() {
	renewCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.Lease / 2)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(renewCtx, itemID, workerID, p.cfg.Lease); err != nil {
					if renewCtx.Err() == nil {
						slog.Warn("[Worker] Lease renewal failed, item lost",
							"item_id", itemID, "worker", workerID, "error", err)
					}
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// maxAttempts applies the per-instance override when configured.
func (p *Pool) maxAttempts(cfg *workflow.InstanceConfig) int {
	if cfg != nil && cfg.MaxAttempts > 0 {
		return cfg.MaxAttempts
	}
	return p.cfg.MaxAttempts
}

// finish acks the item and completes the event, recording the guard reason.
// When the ack fails the lease was lost mid-flight; the event status is left
// alone for whoever holds the lease now.
func (p *Pool) finish(ctx context.Context, workerID string, item *v1.QueueItem, event *v1.Event, reason string) {
	if reason != "" {
		if err := p.events.SetGuardReason(ctx, event.ID, reason); err != nil {
			slog.Warn("[Worker] Failed to record guard reason", "event_id", event.ID, "error", err)
		}
	}
	if err := p.queue.Ack(ctx, item.ID, workerID); err != nil {
		slog.Error("[Worker] Ack failed", "item_id", item.ID, "worker", workerID, "error", err)
		return
	}
	if err := p.events.UpdateEventStatus(ctx, event.ID, v1.StatusCompleted); err != nil {
		slog.Warn("[Worker] Failed to mark event completed", "event_id", event.ID, "error", err)
	}
}

func (p *Pool) nack(ctx context.Context, workerID string, item *v1.QueueItem, cause error) {
	delay := p.cfg.Backoff.Delay(item.AttemptCount)
	nextVisible := time.Now().UTC().Add(delay)

	if err := p.queue.Nack(ctx, item.ID, workerID, cause.Error(), nextVisible); err != nil {
		slog.Error("[Worker] Nack failed", "item_id", item.ID, "worker", workerID, "error", err)
		return
	}
	slog.Info("[Worker] Requeued with backoff",
		"item_id", item.ID,
		"event_id", item.EventID,
		"attempt", item.AttemptCount,
		"delay", delay,
		"error", cause)
}

// deadLetter flips the queue item first: the fenced update doubles as the
// ownership check, so a worker that lost its lease never records a letter
// for an item another worker is already processing.
func (p *Pool) deadLetter(ctx context.Context, workerID string, item *v1.QueueItem, event *v1.Event, class string, cause error) {
	if err := p.queue.MarkDeadLetter(ctx, item.ID, workerID, cause.Error()); err != nil {
		slog.Error("[Worker] Failed to mark item dead-lettered", "item_id", item.ID, "worker", workerID, "error", err)
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
	}
	if err := p.deadLetters.Capture(ctx, event, item, class, cause); err != nil {
		slog.Error("[Worker] Dead letter capture failed", "event_id", event.ID, "error", err)
	}
}

func (p *Pool) emit(event *v1.Event, outcome string, attempt int, start time.Time, errorClass string) {
	p.emitter.Emit(v1.TelemetryRecord{
		EventID:    event.ID,
		InstanceID: event.InstanceID,
		Outcome:    outcome,
		Attempt:    attempt,
		LatencyMS:  time.Since(start).Milliseconds(),
		ErrorClass: errorClass,
	})
}
