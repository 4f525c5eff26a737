package v1

import (
	"fmt"
	"time"
)

// InboundContent is the content block of a canonical inbound payload.
// Type is the adapter's classification of the provider shape ("text",
// "image", "audio", "video", "document", "sticker", "poll", "reaction",
// "delete", ...); the normalizer folds it into the canonical ContentType.
type InboundContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MediaRef string `json:"media_ref,omitempty"`
}

// InboundPayload is the ingestion contract consumed from channel adapters.
// Adapters unwrap provider-specific webhooks into this shape; the engine
// never sees raw provider wire formats except via the opaque Raw field.
type InboundPayload struct {
	Provider        string                 `json:"provider"`
	InstanceID      string                 `json:"instance_id"`
	ProviderEventID string                 `json:"provider_event_id,omitempty"`
	SenderHandle    string                 `json:"sender_handle"`
	RecipientHandle string                 `json:"recipient_handle,omitempty"`
	EventType       EventType              `json:"event_type"`
	Direction       Direction              `json:"direction,omitempty"`
	Content         InboundContent         `json:"content"`
	Raw             map[string]interface{} `json:"raw,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`

	ProviderTimestamp time.Time `json:"provider_timestamp"`
}

// Validate enforces the ingestion contract's required fields.
func (p *InboundPayload) Validate() error {
	if p.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if p.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if p.SenderHandle == "" {
		return fmt.Errorf("sender_handle is required")
	}
	if !ValidEventType(p.EventType) {
		return fmt.Errorf("event_type %q is not valid", p.EventType)
	}
	if p.Content.Type == "" {
		return fmt.Errorf("content.type is required")
	}
	if p.ProviderTimestamp.IsZero() {
		return fmt.Errorf("provider_timestamp is required")
	}
	return nil
}
