package postgres

// SQL queries for the event, identity, queue, dead-letter and telemetry tables.

const (
	// querySaveEvent inserts a canonical event exactly once per idempotency key.
	// ON CONFLICT DO NOTHING returns no rows (sql.ErrNoRows) for duplicates.
	querySaveEvent = `
		INSERT INTO events (
			id, provider, provider_event_id, instance_id, idempotency_key,
			event_type, direction,
			sender_identity_id, recipient_identity_id,
			sender_handle, recipient_handle,
			content_type, content_text, content_media_ref,
			raw_payload, metadata, status,
			provider_timestamp, received_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (provider, instance_id, idempotency_key) DO NOTHING
		RETURNING id
	`

	// queryUpdateEventStatus transitions the processing status.
	queryUpdateEventStatus = `
		UPDATE events SET status = $2 WHERE id = $1
	`

	// querySetGuardReason merges the guard decision reason into metadata so
	// the decision is observable on the stored event.
	querySetGuardReason = `
		UPDATE events
		SET metadata = COALESCE(metadata, '{}'::jsonb) || jsonb_build_object('guard_reason', $2::text)
		WHERE id = $1
	`

	eventColumns = `
		id, provider, COALESCE(provider_event_id, ''), instance_id, idempotency_key,
		event_type, direction,
		sender_identity_id, recipient_identity_id,
		sender_handle, COALESCE(recipient_handle, ''),
		content_type, COALESCE(content_text, ''), COALESCE(content_media_ref, ''),
		raw_payload, metadata, status,
		provider_timestamp, received_at
	`

	queryGetEvent = `
		SELECT ` + eventColumns + `
		FROM events
		WHERE id = $1
	`

	// queryListEventsByIdentity returns an identity's timeline, as sender or
	// recipient, within [start, end), oldest first.
	queryListEventsByIdentity = `
		SELECT ` + eventColumns + `
		FROM events
		WHERE (sender_identity_id = $1 OR recipient_identity_id = $1)
		  AND provider_timestamp >= $2
		  AND provider_timestamp < $3
		ORDER BY provider_timestamp ASC
		LIMIT $4
	`

	queryListEventsByInstance = `
		SELECT ` + eventColumns + `
		FROM events
		WHERE instance_id = $1
		  AND provider_timestamp >= $2
		  AND provider_timestamp < $3
		ORDER BY provider_timestamp ASC
		LIMIT $4
	`

	// queryListStaleReceived finds events whose enqueue never happened (or was
	// lost), for the reconciliation sweep to re-enqueue.
	queryListStaleReceived = `
		SELECT ` + eventColumns + `
		FROM events
		WHERE status = 'received'
		  AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2
	`

	// queryFindHandle looks up the identity claiming a handle.
	// instance_id uses '' (not NULL) for instance-independent handles so the
	// unique index covers both cases.
	queryFindHandle = `
		SELECT identity_id, provider, external_id, instance_id, is_primary, metadata
		FROM handles
		WHERE provider = $1 AND external_id = $2 AND instance_id = $3
	`

	queryInsertIdentity = `
		INSERT INTO identities (id, display_name, entity_type, created_at)
		VALUES ($1, $2, $3, $4)
	`

	// queryInsertHandle is the conditional-insert primitive the resolver's
	// race safety rests on: a concurrent claim surfaces as zero rows.
	queryInsertHandle = `
		INSERT INTO handles (identity_id, provider, external_id, instance_id, is_primary, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider, external_id, instance_id) DO NOTHING
		RETURNING identity_id
	`

	queryGetIdentity = `
		SELECT id, COALESCE(display_name, ''), entity_type, created_at
		FROM identities
		WHERE id = $1
	`

	// queryEnqueue creates at most one queue item per event.
	queryEnqueue = `
		INSERT INTO queue_items (id, event_id, instance_id, attempt_count, state, next_visible_at, enqueued_at)
		VALUES ($1, $2, $3, 0, 'queued', $4, $4)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id
	`

	queueItemColumns = `id, event_id, instance_id, attempt_count, state, COALESCE(last_error, ''), next_visible_at, enqueued_at`

	// queryDequeue leases the oldest visible item. FOR UPDATE SKIP LOCKED
	// keeps concurrent workers from blocking on each other's candidate row;
	// attempt_count increments here so a crashed lease still consumed an
	// attempt when the reconciler returns the item to queued.
	queryDequeue = `
		UPDATE queue_items
		SET state = 'in_flight', attempt_count = attempt_count + 1, leased_by = $1, next_visible_at = $2
		WHERE id = (
			SELECT id FROM queue_items
			WHERE state = 'queued' AND next_visible_at <= $3
			ORDER BY next_visible_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + queueItemColumns + `
	`

	// Terminal and lease operations are fenced on leased_by. A worker whose
	// lease expired and was re-granted to another worker matches zero rows
	// here, so a slow worker can never stomp the current holder's state.
	queryAckItem = `
		UPDATE queue_items
		SET state = 'done', leased_by = NULL
		WHERE id = $1 AND state = 'in_flight' AND leased_by = $2
	`

	queryNackItem = `
		UPDATE queue_items
		SET state = 'queued', last_error = $2, next_visible_at = $3, leased_by = NULL
		WHERE id = $1 AND state = 'in_flight' AND leased_by = $4
	`

	queryExtendLease = `
		UPDATE queue_items
		SET next_visible_at = $2
		WHERE id = $1 AND state = 'in_flight' AND leased_by = $3
	`

	queryMarkDeadLetter = `
		UPDATE queue_items
		SET state = 'dead_letter', last_error = $2, leased_by = NULL
		WHERE id = $1 AND state = 'in_flight' AND leased_by = $3
	`

	queryRequeueDeadLetter = `
		UPDATE queue_items
		SET state = 'queued', attempt_count = 0, last_error = NULL, next_visible_at = $2
		WHERE event_id = $1 AND state = 'dead_letter'
	`

	// queryReapExpiredLeases returns crashed workers' items to the queue.
	queryReapExpiredLeases = `
		UPDATE queue_items
		SET state = 'queued', leased_by = NULL
		WHERE state = 'in_flight' AND next_visible_at <= $1
	`

	querySaveDeadLetter = `
		INSERT INTO dead_letters (id, event_id, instance_id, attempt_count, error_class, last_error, raw_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	queryGetDeadLetter = `
		SELECT id, event_id, instance_id, attempt_count, error_class, last_error, raw_payload, created_at, replayed_at
		FROM dead_letters
		WHERE id = $1
	`

	queryListDeadLetters = `
		SELECT id, event_id, instance_id, attempt_count, error_class, last_error, raw_payload, created_at, replayed_at
		FROM dead_letters
		WHERE ($1 = '' OR instance_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`

	queryMarkReplayed = `
		UPDATE dead_letters SET replayed_at = $2 WHERE id = $1
	`

	querySaveTelemetry = `
		INSERT INTO telemetry (event_id, instance_id, outcome, attempt, latency_ms, error_class, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
)
