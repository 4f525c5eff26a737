package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	v1 "github.com/weftlab/weft/internal/api/v1"
	"github.com/weftlab/weft/internal/core/storage"
)

// Error classes recorded on dead letters.
const (
	ClassMalformed = "malformed_input"
	ClassPermanent = "permanent_failure"
	ClassExhausted = "retries_exhausted"
)

// Handler captures permanently failed work with full context for operator
// inspection, and replays it on request.
type Handler struct {
	letters storage.DeadLetterStore
	queue   storage.QueueStore
	events  storage.EventStore
}

// NewHandler creates a dead letter handler.
func NewHandler(letters storage.DeadLetterStore, queue storage.QueueStore, events storage.EventStore) *Handler {
	return &Handler{letters: letters, queue: queue, events: events}
}

// Capture records a dead letter for a queued event and marks the event
// failed. Called synchronously when retries are exhausted or a step failed
// permanently.
func (h *Handler) Capture(ctx context.Context, event *v1.Event, item *v1.QueueItem, errClass string, cause error) error {
	dl := &v1.DeadLetter{
		ID:           uuid.New(),
		EventID:      event.ID,
		InstanceID:   event.InstanceID,
		AttemptCount: item.AttemptCount,
		ErrorClass:   errClass,
		LastError:    cause.Error(),
		RawPayload:   event.RawPayload,
		CreatedAt:    time.Now().UTC(),
	}

	if err := h.letters.SaveDeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("dead letter save: %w", err)
	}

	if err := h.events.UpdateEventStatus(ctx, event.ID, v1.StatusFailed); err != nil {
		slog.Error("[DeadLetter] Failed to mark event failed",
			"event_id", event.ID, "error", err)
	}

	slog.Error("[DeadLetter] Captured",
		"event_id", event.ID,
		"instance_id", event.InstanceID,
		"error_class", errClass,
		"attempts", item.AttemptCount,
		"error", cause)
	return nil
}

// CaptureMalformed records a payload the normalizer rejected. There is no
// event row for it; the raw payload is the whole context.
func (h *Handler) CaptureMalformed(ctx context.Context, instanceID string, raw map[string]interface{}, cause error) error {
	dl := &v1.DeadLetter{
		ID:         uuid.New(),
		EventID:    uuid.Nil,
		InstanceID: instanceID,
		ErrorClass: ClassMalformed,
		LastError:  cause.Error(),
		RawPayload: raw,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.letters.SaveDeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("dead letter save: %w", err)
	}
	slog.Warn("[DeadLetter] Captured malformed payload",
		"instance_id", instanceID, "error", cause)
	return nil
}

// Replay returns a dead letter's queue item to the queue with a fresh
// attempt budget and marks the letter replayed.
func (h *Handler) Replay(ctx context.Context, id uuid.UUID) error {
	dl, err := h.letters.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	if dl.EventID == uuid.Nil {
		return fmt.Errorf("dead letter %s has no event to replay", id)
	}

	if err := h.queue.RequeueDeadLetter(ctx, dl.EventID); err != nil {
		return fmt.Errorf("requeue event %s: %w", dl.EventID, err)
	}
	if err := h.events.UpdateEventStatus(ctx, dl.EventID, v1.StatusReceived); err != nil {
		return fmt.Errorf("reset event status: %w", err)
	}
	if err := h.letters.MarkReplayed(ctx, id, time.Now().UTC()); err != nil {
		return err
	}

	slog.Info("[DeadLetter] Replayed", "dead_letter_id", id, "event_id", dl.EventID)
	return nil
}

// List returns recent dead letters for an instance ("" = all).
func (h *Handler) List(ctx context.Context, instanceID string, limit int) ([]*v1.DeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return h.letters.ListDeadLetters(ctx, instanceID, limit)
}

// Get returns one dead letter by id.
func (h *Handler) Get(ctx context.Context, id uuid.UUID) (*v1.DeadLetter, error) {
	return h.letters.GetDeadLetter(ctx, id)
}
