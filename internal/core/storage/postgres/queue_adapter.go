package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	v1 "github.com/weftlab/weft/internal/api/v1"
	"github.com/weftlab/weft/internal/core/storage"
)

// QueueAdapter implements storage.QueueStore for PostgreSQL.
// Visibility is a timestamp horizon (next_visible_at); leasing a row is a
// single UPDATE over a SKIP LOCKED sub-select, so concurrent workers never
// contend on the same candidate item.
type QueueAdapter struct {
	db *sql.DB
}

// NewQueueAdapter creates a queue adapter over an existing pool.
func NewQueueAdapter(db *sql.DB) *QueueAdapter {
	return &QueueAdapter{db: db}
}

// Enqueue creates a queued item for the event, idempotently: a second
// enqueue for the same event returns storage.ErrDuplicate.
func (a *QueueAdapter) Enqueue(ctx context.Context, eventID uuid.UUID, instanceID string) (*v1.QueueItem, error) {
	now := time.Now().UTC()
	item := &v1.QueueItem{
		ID:            uuid.New(),
		EventID:       eventID,
		InstanceID:    instanceID,
		State:         v1.QueueStateQueued,
		NextVisibleAt: now,
		EnqueuedAt:    now,
	}

	var storedID uuid.UUID
	err := a.db.QueryRowContext(ctx, queryEnqueue, item.ID, eventID, instanceID, now).Scan(&storedID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue event: %w", err)
	}

	slog.Debug("[Postgres] Enqueued event", "event_id", eventID, "item_id", item.ID)
	return item, nil
}

// Dequeue leases the oldest visible queued item to workerID for the given
// lease duration. Increments attempt_count as part of the lease so a worker
// crash still consumes an attempt when the item is reaped back to queued.
func (a *QueueAdapter) Dequeue(ctx context.Context, workerID string, lease time.Duration) (*v1.QueueItem, error) {
	now := time.Now().UTC()
	item, err := scanQueueItemRow(a.db.QueryRowContext(ctx, queryDequeue, workerID, now.Add(lease), now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrEmptyQueue
		}
		return nil, err
	}
	return item, nil
}

// Ack marks an in-flight item done. The update is fenced on leased_by, so
// an ack from a worker whose lease was reaped and re-granted matches no row
// and surfaces as ErrNotFound.
func (a *QueueAdapter) Ack(ctx context.Context, itemID uuid.UUID, workerID string) error {
	res, err := a.db.ExecContext(ctx, queryAckItem, itemID, workerID)
	if err != nil {
		return fmt.Errorf("failed to ack queue item: %w", err)
	}
	return requireAffected(res, "ack")
}

// Nack returns an in-flight item to queued with a backoff horizon. Fenced
// on leased_by like Ack.
func (a *QueueAdapter) Nack(ctx context.Context, itemID uuid.UUID, workerID, lastError string, nextVisibleAt time.Time) error {
	res, err := a.db.ExecContext(ctx, queryNackItem, itemID, lastError, nextVisibleAt.UTC(), workerID)
	if err != nil {
		return fmt.Errorf("failed to nack queue item: %w", err)
	}
	return requireAffected(res, "nack")
}

// ExtendLease pushes out the visibility horizon of an in-flight item, but
// only while workerID still holds the lease.
func (a *QueueAdapter) ExtendLease(ctx context.Context, itemID uuid.UUID, workerID string, lease time.Duration) error {
	res, err := a.db.ExecContext(ctx, queryExtendLease, itemID, time.Now().UTC().Add(lease), workerID)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	return requireAffected(res, "extend lease")
}

// MarkDeadLetter transitions an item to dead_letter. Fenced on leased_by
// like Ack.
func (a *QueueAdapter) MarkDeadLetter(ctx context.Context, itemID uuid.UUID, workerID, lastError string) error {
	res, err := a.db.ExecContext(ctx, queryMarkDeadLetter, itemID, lastError, workerID)
	if err != nil {
		return fmt.Errorf("failed to mark dead letter: %w", err)
	}
	return requireAffected(res, "mark dead letter")
}

// RequeueDeadLetter returns the event's dead-lettered item to queued with a
// fresh attempt budget. Used by operator replay.
func (a *QueueAdapter) RequeueDeadLetter(ctx context.Context, eventID uuid.UUID) error {
	res, err := a.db.ExecContext(ctx, queryRequeueDeadLetter, eventID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to requeue dead letter: %w", err)
	}
	return requireAffected(res, "requeue dead letter")
}

// ReapExpiredLeases flips in-flight items with expired leases back to queued.
func (a *QueueAdapter) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := a.db.ExecContext(ctx, queryReapExpiredLeases, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected > 0 {
		slog.Warn("[Postgres] Reaped expired queue leases", "count", affected)
	}
	return int(affected), nil
}

// requireAffected maps zero-row updates to ErrNotFound: the item does not
// exist, is no longer in the state the operation requires, or is leased by
// a different worker.
func requireAffected(res sql.Result, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return nil
}
