package v1

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType classifies what kind of provider occurrence an Event records.
type EventType string

const (
	EventTypeMessage  EventType = "message"
	EventTypeReaction EventType = "reaction"
	EventTypeStatus   EventType = "status"
	EventTypePresence EventType = "presence"
	EventTypeProtocol EventType = "protocol"
)

// ValidEventType reports whether t is one of the canonical event types.
func ValidEventType(t EventType) bool {
	switch t {
	case EventTypeMessage, EventTypeReaction, EventTypeStatus, EventTypePresence, EventTypeProtocol:
		return true
	}
	return false
}

// Direction records which way an Event flowed relative to the instance.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionSystem   Direction = "system"
)

// ContentType is the canonical classification of an Event's payload shape.
// Provider shapes that don't map onto one of these land in ContentTypeUnknown
// with the original shape preserved under metadata.unmapped.
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeMedia    ContentType = "media"
	ContentTypeSticker  ContentType = "sticker"
	ContentTypePoll     ContentType = "poll"
	ContentTypeReaction ContentType = "reaction"
	ContentTypeProtocol ContentType = "protocol"
	ContentTypeUnknown  ContentType = "unknown"
)

// EventStatus is the processing lifecycle of a persisted Event.
// Status transitions are the only mutation permitted after creation.
type EventStatus string

const (
	StatusReceived   EventStatus = "received"
	StatusProcessing EventStatus = "processing"
	StatusCompleted  EventStatus = "completed"
	StatusFailed     EventStatus = "failed"
)

// Metadata keys written by the engine itself.
const (
	MetaUnmapped          = "unmapped"
	MetaResolutionPending = "resolution_pending"
	MetaGuardReason       = "guard_reason"
)

// Event is one canonical, immutable record of a provider occurrence.
// Created exactly once per idempotency key; only Status mutates afterward.
type Event struct {
	// ID is system-generated at normalization time.
	ID uuid.UUID `json:"id"`

	// Provider names the messaging platform the event was observed on.
	Provider string `json:"provider"`

	// ProviderEventID is the platform-native id. May be empty, in which case
	// the idempotency key is synthesized from content hash + sender + time bucket.
	ProviderEventID string `json:"provider_event_id,omitempty"`

	// InstanceID is the tenant/connection scope the event belongs to.
	InstanceID string `json:"instance_id"`

	// IdempotencyKey collapses duplicate deliveries of the same occurrence.
	// Unique per (provider, instance_id). Assigned deterministically by the
	// normalizer so retried submissions compute the same key.
	IdempotencyKey string `json:"idempotency_key"`

	EventType EventType `json:"event_type"`
	Direction Direction `json:"direction"`

	// SenderIdentityID / RecipientIdentityID reference resolved Identities.
	// Nil when resolution was unavailable at ingest time; the reconciliation
	// sweep backfills them later (metadata.resolution_pending is set).
	SenderIdentityID    *uuid.UUID `json:"sender_identity_id,omitempty"`
	RecipientIdentityID *uuid.UUID `json:"recipient_identity_id,omitempty"`

	// Denormalized provider-native handles, kept for filtering before
	// identity resolution completes.
	SenderHandle    string `json:"sender_handle"`
	RecipientHandle string `json:"recipient_handle,omitempty"`

	ContentType     ContentType `json:"content_type"`
	ContentText     string      `json:"content_text,omitempty"`
	ContentMediaRef string      `json:"content_media_ref,omitempty"`

	// RawPayload is the provider-native payload stored verbatim for replay.
	RawPayload map[string]interface{} `json:"raw_payload,omitempty"`

	// Metadata holds normalized structured extras: reactions, thread ids,
	// forwarded flags, mentions, plus engine-written keys (Meta* constants).
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	Status EventStatus `json:"status"`

	// ProviderTimestamp is the occurrence time per the provider's clock;
	// ReceivedAt is when this engine accepted it.
	ProviderTimestamp time.Time `json:"provider_timestamp"`
	ReceivedAt        time.Time `json:"received_at"`
}

// Validate ensures the event carries every attribute the store requires.
func (e *Event) Validate() error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("id is required")
	}
	if e.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if e.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if e.IdempotencyKey == "" {
		return fmt.Errorf("idempotency_key is required")
	}
	if !ValidEventType(e.EventType) {
		return fmt.Errorf("event_type %q is not valid", e.EventType)
	}
	if e.SenderHandle == "" {
		return fmt.Errorf("sender_handle is required")
	}
	if e.ProviderTimestamp.IsZero() {
		return fmt.Errorf("provider_timestamp is required")
	}
	return nil
}

// SetMetadata sets a metadata key, allocating the map on first use.
func (e *Event) SetMetadata(key string, value interface{}) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
}
