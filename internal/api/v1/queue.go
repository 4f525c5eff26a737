package v1

import (
	"time"

	"github.com/google/uuid"
)

// QueueState is the lifecycle of a QueueItem.
type QueueState string

const (
	QueueStateQueued     QueueState = "queued"
	QueueStateInFlight   QueueState = "in_flight"
	QueueStateDone       QueueState = "done"
	QueueStateDeadLetter QueueState = "dead_letter"
)

// QueueItem is one unit of deferred work referencing an Event.
// At most one worker holds an item in_flight at a time, enforced by the
// lease (next_visible_at), not by a global lock.
type QueueItem struct {
	ID           uuid.UUID  `json:"id"`
	EventID      uuid.UUID  `json:"event_id"`
	InstanceID   string     `json:"instance_id"`
	AttemptCount int        `json:"attempt_count"`
	State        QueueState `json:"state"`
	LastError    string     `json:"last_error,omitempty"`

	// NextVisibleAt is the lease/backoff horizon: the item is invisible to
	// dequeuers until this time passes.
	NextVisibleAt time.Time `json:"next_visible_at"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DeadLetter captures a permanently failed QueueItem with enough context
// for operator inspection and replay.
type DeadLetter struct {
	ID           uuid.UUID              `json:"id"`
	EventID      uuid.UUID              `json:"event_id"`
	InstanceID   string                 `json:"instance_id"`
	AttemptCount int                    `json:"attempt_count"`
	ErrorClass   string                 `json:"error_class"`
	LastError    string                 `json:"last_error"`
	RawPayload   map[string]interface{} `json:"raw_payload,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	ReplayedAt   *time.Time             `json:"replayed_at,omitempty"`
}

// TelemetryRecord is one processing outcome observation. Records are
// emitted for every attempt, success or failure, before any retry or
// dead-letter decision is applied.
type TelemetryRecord struct {
	EventID    uuid.UUID `json:"event_id"`
	InstanceID string    `json:"instance_id"`
	Outcome    string    `json:"outcome"` // completed | no_match | retryable_failure | permanent_failure | skipped_disabled
	Attempt    int       `json:"attempt"`
	LatencyMS  int64     `json:"latency_ms"`
	ErrorClass string    `json:"error_class,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}
