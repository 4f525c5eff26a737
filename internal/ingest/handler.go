package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	v1 "github.com/weftlab/weft/internal/api/v1"
	httperr "github.com/weftlab/weft/internal/core/errors"
	"github.com/weftlab/weft/internal/core/storage"
	"github.com/weftlab/weft/internal/identity"
)

const (
	msgReadBodyFailed = "Failed to read request body"
	msgInvalidJSON    = "Invalid JSON body"
	msgPersistFailed  = "Failed to persist event"
)

// ingestError carries the structured HTTP error shape from a helper back to
// the orchestrator. Helpers return this instead of writing to gin.Context
// directly, keeping them decoupled from HTTP.
type ingestError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *ingestError) Error() string {
	return e.message
}

// IngestHandler handles HTTP POST requests from channel adapters.
//
// The pipeline is: normalize (pure) -> resolve identities (degradable) ->
// durable write (idempotent) -> async enqueue (recoverable). Only the
// durable write can fail the request; an enqueue failure leaves the event
// in "received" for the reconciliation sweep to pick up.
func (s *Service) IngestHandler(c *gin.Context) {
	payload, payloadSize, ierr := s.parsePayload(c)
	if ierr != nil {
		writeError(c, ierr)
		return
	}

	evt, err := Normalize(payload, time.Now())
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			// Malformed input is never retried: dead-letter it with the raw
			// payload attached and tell the adapter not to resend.
			if s.deadLetters != nil {
				if dlErr := s.deadLetters.CaptureMalformed(c.Request.Context(), payload.InstanceID, payload.Raw, verr); dlErr != nil {
					slog.Error("Failed to dead-letter malformed payload", "error", dlErr)
				}
			}
			writeError(c, &ingestError{
				statusCode: http.StatusBadRequest,
				errorType:  httperr.HttpValidationError,
				message:    verr.Error(),
			})
			return
		}
		writeError(c, &ingestError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    err.Error(),
		})
		return
	}

	s.resolveIdentities(c.Request.Context(), evt, payload)

	slog.Info("Received event",
		"event_id", evt.ID,
		"provider", evt.Provider,
		"instance_id", evt.InstanceID,
		"event_type", evt.EventType,
		"content_type", evt.ContentType,
		"payload_size", payloadSize)

	duplicate, ierr := s.persistEvent(c.Request.Context(), evt)
	if ierr != nil {
		writeError(c, ierr)
		return
	}
	if duplicate {
		// Same occurrence delivered again. Not an error, and the queue item
		// from the first delivery already covers processing.
		c.JSON(http.StatusAccepted, gin.H{"status": "duplicate"})
		return
	}

	s.enqueueEvent(c.Request.Context(), evt)

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "event_id": evt.ID})
}

// parsePayload reads the raw request body and binds it into an InboundPayload.
// Returns the payload and the raw body size (used for structured logging upstream).
func (s *Service) parsePayload(c *gin.Context) (*v1.InboundPayload, int, *ingestError) {
	// Enforce maximum body size to prevent OOM attacks
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("Failed to read request body", "error", err)
		return nil, 0, &ingestError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return nil, len(bodyBytes), &ingestError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Request body exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		}
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var payload v1.InboundPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		slog.Warn("Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return nil, len(bodyBytes), &ingestError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		}
	}

	return &payload, len(bodyBytes), nil
}

// resolveIdentities fills in sender/recipient identity references. A
// resolver outage does not fail ingestion: the event is flagged
// resolution_pending and the reference stays nil for later backfill.
func (s *Service) resolveIdentities(ctx context.Context, evt *v1.Event, payload *v1.InboundPayload) {
	hints := identity.Hints{}
	if name, ok := payload.Metadata["sender_display_name"].(string); ok {
		hints.DisplayName = name
	}

	senderID, err := s.resolver.Resolve(ctx, evt.Provider, evt.SenderHandle, evt.InstanceID, hints)
	if err != nil {
		slog.Warn("Identity resolution failed for sender",
			"provider", evt.Provider,
			"sender_handle", evt.SenderHandle,
			"error", err)
		evt.SetMetadata(v1.MetaResolutionPending, true)
	} else {
		evt.SenderIdentityID = &senderID
	}

	if evt.RecipientHandle == "" {
		return
	}
	recipientID, err := s.resolver.Resolve(ctx, evt.Provider, evt.RecipientHandle, evt.InstanceID, identity.Hints{})
	if err != nil {
		slog.Warn("Identity resolution failed for recipient",
			"provider", evt.Provider,
			"recipient_handle", evt.RecipientHandle,
			"error", err)
		evt.SetMetadata(v1.MetaResolutionPending, true)
		return
	}
	evt.RecipientIdentityID = &recipientID
}

// persistEvent saves the event. Duplicates are reported, not failed.
func (s *Service) persistEvent(ctx context.Context, evt *v1.Event) (duplicate bool, _ *ingestError) {
	if err := s.store.SaveEvent(ctx, evt); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			slog.Info("Duplicate delivery ignored",
				"event_id", evt.ID,
				"idempotency_key", evt.IdempotencyKey,
				"instance_id", evt.InstanceID)
			return true, nil
		}

		slog.Error("Failed to persist event", "error", err, "event_id", evt.ID)
		return false, &ingestError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgPersistFailed,
		}
	}
	return false, nil
}

// enqueueEvent hands the durably-written event to the queue. Failure here
// is tolerated: the event stays in "received" and the reconciliation sweep
// re-enqueues it past the staleness threshold.
func (s *Service) enqueueEvent(ctx context.Context, evt *v1.Event) {
	if _, err := s.queue.Enqueue(ctx, evt.ID, evt.InstanceID); err != nil && !errors.Is(err, storage.ErrDuplicate) {
		slog.Error("Failed to enqueue event; reconciler will retry",
			"event_id", evt.ID,
			"error", err)
	}
}

// writeError serializes an ingestError as the JSON HTTP response.
func writeError(c *gin.Context, err *ingestError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
