package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	v1 "github.com/weftlab/weft/internal/api/v1"
)

// ErrDuplicate is returned when a write collides with the idempotency key
// of an existing row. Callers treat this as "already done", not a failure.
var ErrDuplicate = errors.New("record already exists")

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// ErrHandleConflict is returned when a handle insert loses a race against a
// concurrent resolver claiming the same (provider, external_id, instance_id).
var ErrHandleConflict = errors.New("handle already claimed")

// ErrEmptyQueue is returned by Dequeue when no item is currently visible.
var ErrEmptyQueue = errors.New("queue is empty")

// EventStore persists canonical Events. SaveEvent is the only creation path
// and UpdateEventStatus the only mutation; Events are never deleted here.
type EventStore interface {
	// SaveEvent persists the event exactly once per idempotency key.
	// Returns ErrDuplicate when the key already exists.
	SaveEvent(ctx context.Context, event *v1.Event) error

	// UpdateEventStatus transitions the event's processing status.
	UpdateEventStatus(ctx context.Context, eventID uuid.UUID, status v1.EventStatus) error

	// SetGuardReason records why the guard layer matched (or ignored) the
	// event, under metadata.guard_reason.
	SetGuardReason(ctx context.Context, eventID uuid.UUID, reason string) error

	GetEvent(ctx context.Context, eventID uuid.UUID) (*v1.Event, error)

	// ListEventsByIdentity returns an identity's timeline within [start, end).
	ListEventsByIdentity(ctx context.Context, identityID uuid.UUID, start, end time.Time, limit int) ([]*v1.Event, error)

	// ListEventsByInstance returns an instance's timeline within [start, end).
	ListEventsByInstance(ctx context.Context, instanceID string, start, end time.Time, limit int) ([]*v1.Event, error)

	// ListStaleReceived returns events stuck in "received" since before cutoff.
	// Used by the reconciliation sweep to recover from failed enqueues.
	ListStaleReceived(ctx context.Context, cutoff time.Time, limit int) ([]*v1.Event, error)
}

// IdentityStore persists Identities and their Handles. Creation only; the
// engine never deletes or merges identities.
type IdentityStore interface {
	// FindHandle looks up a handle by its unique key.
	// Returns ErrNotFound when no identity claims the handle.
	FindHandle(ctx context.Context, provider, externalID, instanceID string) (*v1.Handle, error)

	// CreateIdentityWithHandle inserts an identity and its first handle in
	// one transaction. Returns ErrHandleConflict if a concurrent resolver
	// claimed the handle first; the identity row is not left behind.
	CreateIdentityWithHandle(ctx context.Context, identity *v1.Identity, handle *v1.Handle) error

	GetIdentity(ctx context.Context, identityID uuid.UUID) (*v1.Identity, error)
}

// QueueStore is the durable action queue. Items are leased to one worker at
// a time via next_visible_at; there is no global queue lock.
type QueueStore interface {
	// Enqueue creates a queued item for the event. Returns ErrDuplicate if
	// an item for this event already exists (idempotent enqueue).
	Enqueue(ctx context.Context, eventID uuid.UUID, instanceID string) (*v1.QueueItem, error)

	// Dequeue leases the oldest visible queued item to workerID, increments
	// its attempt count and marks it in_flight until the lease expires.
	// Returns ErrEmptyQueue when nothing is visible.
	Dequeue(ctx context.Context, workerID string, lease time.Duration) (*v1.QueueItem, error)

	// Ack marks an in-flight item done. Fenced on the lease holder: if the
	// item was reaped and re-leased to another worker, returns ErrNotFound
	// instead of touching the new holder's state.
	Ack(ctx context.Context, itemID uuid.UUID, workerID string) error

	// Nack returns an in-flight item to queued with the given backoff
	// horizon and records the error. Fenced on the lease holder.
	Nack(ctx context.Context, itemID uuid.UUID, workerID, lastError string, nextVisibleAt time.Time) error

	// ExtendLease pushes out the visibility horizon of an in-flight item.
	// Fenced on the lease holder; a worker whose lease was already reaped
	// gets ErrNotFound and must abandon the item.
	ExtendLease(ctx context.Context, itemID uuid.UUID, workerID string, lease time.Duration) error

	// MarkDeadLetter transitions an in-flight item to dead_letter. Fenced
	// on the lease holder.
	MarkDeadLetter(ctx context.Context, itemID uuid.UUID, workerID, lastError string) error

	// RequeueDeadLetter returns the event's dead-lettered item to queued
	// with a fresh attempt budget. Used by operator replay.
	RequeueDeadLetter(ctx context.Context, eventID uuid.UUID) error

	// ReapExpiredLeases flips in-flight items whose lease expired back to
	// queued. The attempt already counted at dequeue, so a crashed worker
	// consumes one attempt. Returns the number of items reaped.
	ReapExpiredLeases(ctx context.Context, now time.Time) (int, error)
}

// DeadLetterStore records permanently failed work for operator review.
type DeadLetterStore interface {
	SaveDeadLetter(ctx context.Context, dl *v1.DeadLetter) error
	GetDeadLetter(ctx context.Context, id uuid.UUID) (*v1.DeadLetter, error)
	ListDeadLetters(ctx context.Context, instanceID string, limit int) ([]*v1.DeadLetter, error)
	MarkReplayed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// TelemetryStore records processing outcomes.
type TelemetryStore interface {
	SaveTelemetry(ctx context.Context, rec *v1.TelemetryRecord) error
}
