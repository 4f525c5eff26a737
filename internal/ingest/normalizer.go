package ingest

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	v1 "github.com/weftlab/weft/internal/api/v1"
)

// ValidationError marks a payload as malformed. Never retried: the ingest
// handler routes it straight to the dead letter store with the raw payload
// attached for operator review.
type ValidationError struct {
	Reason  string
	Payload *v1.InboundPayload
}

func (e *ValidationError) Error() string {
	return "payload validation failed: " + e.Reason
}

// contentTypeMap folds adapter content classifications into the canonical
// enum. Anything absent maps to unknown with the original type preserved
// under metadata.unmapped.
var contentTypeMap = map[string]v1.ContentType{
	"text":     v1.ContentTypeText,
	"image":    v1.ContentTypeMedia,
	"audio":    v1.ContentTypeMedia,
	"voice":    v1.ContentTypeMedia,
	"video":    v1.ContentTypeMedia,
	"document": v1.ContentTypeMedia,
	"sticker":  v1.ContentTypeSticker,
	"poll":     v1.ContentTypePoll,
	"reaction": v1.ContentTypeReaction,
	"delete":   v1.ContentTypeProtocol,
	"revoke":   v1.ContentTypeProtocol,
	"protocol": v1.ContentTypeProtocol,
}

// idempotencyBucket is the time granularity used when synthesizing a key for
// payloads without a provider event id. Two identical payloads inside one
// bucket collapse into one event.
const idempotencyBucket = time.Minute

// Normalize converts a canonical inbound payload into an Event. Pure: no
// I/O, no clock reads beyond the receivedAt argument, so retried
// submissions produce byte-identical idempotency keys.
func Normalize(payload *v1.InboundPayload, receivedAt time.Time) (*v1.Event, error) {
	if payload == nil {
		return nil, &ValidationError{Reason: "payload is nil"}
	}
	if err := payload.Validate(); err != nil {
		return nil, &ValidationError{Reason: err.Error(), Payload: payload}
	}

	contentType, mapped := contentTypeMap[strings.ToLower(payload.Content.Type)]
	if !mapped {
		contentType = v1.ContentTypeUnknown
	}

	direction := payload.Direction
	if direction == "" {
		direction = v1.DirectionInbound
	}

	evt := &v1.Event{
		ID:                uuid.New(),
		Provider:          payload.Provider,
		ProviderEventID:   payload.ProviderEventID,
		InstanceID:        payload.InstanceID,
		IdempotencyKey:    idempotencyKey(payload),
		EventType:         payload.EventType,
		Direction:         direction,
		SenderHandle:      payload.SenderHandle,
		RecipientHandle:   payload.RecipientHandle,
		ContentType:       contentType,
		ContentText:       payload.Content.Text,
		ContentMediaRef:   payload.Content.MediaRef,
		RawPayload:        payload.Raw,
		Status:            v1.StatusReceived,
		ProviderTimestamp: payload.ProviderTimestamp.UTC(),
		ReceivedAt:        receivedAt.UTC(),
	}

	for k, val := range payload.Metadata {
		evt.SetMetadata(k, val)
	}
	if !mapped {
		evt.SetMetadata(v1.MetaUnmapped, payload.Content.Type)
	}

	return evt, nil
}

// idempotencyKey derives the deduplication key for a payload. The provider's
// own event id wins when present; otherwise the key is a digest of content +
// sender + a time bucket, stable across redeliveries of the same occurrence.
func idempotencyKey(p *v1.InboundPayload) string {
	if p.ProviderEventID != "" {
		return p.ProviderEventID
	}

	bucket := p.ProviderTimestamp.UTC().Truncate(idempotencyBucket).Unix()
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%d",
		p.Provider,
		p.InstanceID,
		p.SenderHandle,
		p.Content.Type,
		p.Content.Text,
		p.Content.MediaRef,
		bucket,
	)
	return fmt.Sprintf("synth:%x", h.Sum(nil))
}
