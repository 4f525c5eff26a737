package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	v1 "github.com/weftlab/weft/internal/api/v1"
)

// marshalEventJSON marshals an event's raw_payload and metadata to JSON.
// Nil maps produce nil (SQL NULL) rather than the JSON "null" string.
func marshalEventJSON(event *v1.Event) (rawJSON, metadataJSON []byte, err error) {
	if len(event.RawPayload) > 0 {
		rawJSON, err = json.Marshal(event.RawPayload)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal raw_payload: %w", err)
		}
	}
	if len(event.Metadata) > 0 {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}
	return rawJSON, metadataJSON, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanEventRow scans a database row into an Event struct.
// Compatible with both sql.Row (single) and sql.Rows (multiple).
func scanEventRow(row scanner) (*v1.Event, error) {
	var evt v1.Event
	var rawJSON, metadataJSON []byte
	var senderID, recipientID uuid.NullUUID

	err := row.Scan(
		&evt.ID,
		&evt.Provider,
		&evt.ProviderEventID,
		&evt.InstanceID,
		&evt.IdempotencyKey,
		&evt.EventType,
		&evt.Direction,
		&senderID,
		&recipientID,
		&evt.SenderHandle,
		&evt.RecipientHandle,
		&evt.ContentType,
		&evt.ContentText,
		&evt.ContentMediaRef,
		&rawJSON,
		&metadataJSON,
		&evt.Status,
		&evt.ProviderTimestamp,
		&evt.ReceivedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", err)
	}

	if senderID.Valid {
		id := senderID.UUID
		evt.SenderIdentityID = &id
	}
	if recipientID.Valid {
		id := recipientID.UUID
		evt.RecipientIdentityID = &id
	}

	if len(rawJSON) > 0 {
		if err := json.Unmarshal(rawJSON, &evt.RawPayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal raw_payload: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &evt.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &evt, nil
}

// collectEventRows drains rows into a slice, propagating iteration errors.
func collectEventRows(rows *sql.Rows) ([]*v1.Event, error) {
	defer rows.Close()

	var events []*v1.Event
	for rows.Next() {
		event, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// scanQueueItemRow scans a queue item row.
func scanQueueItemRow(row scanner) (*v1.QueueItem, error) {
	var item v1.QueueItem
	err := row.Scan(
		&item.ID,
		&item.EventID,
		&item.InstanceID,
		&item.AttemptCount,
		&item.State,
		&item.LastError,
		&item.NextVisibleAt,
		&item.EnqueuedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue item row: %w", err)
	}
	return &item, nil
}

// scanDeadLetterRow scans a dead letter row.
func scanDeadLetterRow(row scanner) (*v1.DeadLetter, error) {
	var dl v1.DeadLetter
	var rawJSON []byte
	var replayedAt sql.NullTime

	err := row.Scan(
		&dl.ID,
		&dl.EventID,
		&dl.InstanceID,
		&dl.AttemptCount,
		&dl.ErrorClass,
		&dl.LastError,
		&rawJSON,
		&dl.CreatedAt,
		&replayedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan dead letter row: %w", err)
	}

	if replayedAt.Valid {
		t := replayedAt.Time.UTC()
		dl.ReplayedAt = &t
	}
	if len(rawJSON) > 0 {
		if err := json.Unmarshal(rawJSON, &dl.RawPayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal raw_payload: %w", err)
		}
	}
	return &dl, nil
}

// nullString maps "" to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullUUID maps a nil pointer to SQL NULL.
func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

// utc truncates to UTC for consistent round-tripping through timestamptz.
func utc(t time.Time) time.Time {
	return t.UTC()
}
