package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	v1 "github.com/weftlab/weft/internal/api/v1"
	"github.com/weftlab/weft/internal/core/storage"
)

func newMockEventsAdapter(t *testing.T) (*EventsAdapter, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	adapter := &EventsAdapter{
		db:            db,
		stmtSaveEvent: mustPrepareStmt(t, db, mock, querySaveEvent),
		stmtSetStatus: mustPrepareStmt(t, db, mock, queryUpdateEventStatus),
	}
	return adapter, mock, db
}

func mustPrepareStmt(t *testing.T, db *sql.DB, mock sqlmock.Sqlmock, query string) *sql.Stmt {
	t.Helper()

	mock.ExpectPrepare(regexp.QuoteMeta(query))
	stmt, err := db.Prepare(query)
	require.NoError(t, err)
	return stmt
}

func eventRowColumns() []string {
	return []string{
		"id", "provider", "provider_event_id", "instance_id", "idempotency_key",
		"event_type", "direction",
		"sender_identity_id", "recipient_identity_id",
		"sender_handle", "recipient_handle",
		"content_type", "content_text", "content_media_ref",
		"raw_payload", "metadata", "status",
		"provider_timestamp", "received_at",
	}
}

func sampleEvent() *v1.Event {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return &v1.Event{
		ID:                uuid.New(),
		Provider:          "whatsapp",
		ProviderEventID:   "wamid.1",
		InstanceID:        "inst-1",
		IdempotencyKey:    "wamid.1",
		EventType:         v1.EventTypeMessage,
		Direction:         v1.DirectionInbound,
		SenderHandle:      "15551234567",
		ContentType:       v1.ContentTypeText,
		ContentText:       "hello",
		RawPayload:        map[string]interface{}{"wire": "blob"},
		Metadata:          map[string]interface{}{"thread_id": "t-1"},
		Status:            v1.StatusReceived,
		ProviderTimestamp: now,
		ReceivedAt:        now.Add(time.Second),
	}
}

func TestEventsAdapter_SaveEvent(t *testing.T) {
	adapter, mock, db := newMockEventsAdapter(t)
	defer db.Close()

	evt := sampleEvent()
	mock.ExpectQuery(regexp.QuoteMeta(querySaveEvent)).
		WithArgs(
			evt.ID,
			evt.Provider,
			sqlmock.AnyArg(),
			evt.InstanceID,
			evt.IdempotencyKey,
			string(evt.EventType),
			string(evt.Direction),
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			evt.SenderHandle,
			sqlmock.AnyArg(),
			string(evt.ContentType),
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			string(evt.Status),
			evt.ProviderTimestamp,
			evt.ReceivedAt,
		).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(evt.ID.String()))

	require.NoError(t, adapter.SaveEvent(context.Background(), evt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsAdapter_SaveEventDuplicate(t *testing.T) {
	adapter, mock, db := newMockEventsAdapter(t)
	defer db.Close()

	evt := sampleEvent()
	mock.ExpectQuery(regexp.QuoteMeta(querySaveEvent)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	err := adapter.SaveEvent(context.Background(), evt)
	require.ErrorIs(t, err, storage.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsAdapter_UpdateEventStatus(t *testing.T) {
	adapter, mock, db := newMockEventsAdapter(t)
	defer db.Close()

	eventID := uuid.New()
	mock.ExpectExec(regexp.QuoteMeta(queryUpdateEventStatus)).
		WithArgs(eventID, string(v1.StatusCompleted)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, adapter.UpdateEventStatus(context.Background(), eventID, v1.StatusCompleted))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsAdapter_UpdateEventStatusNotFound(t *testing.T) {
	adapter, mock, db := newMockEventsAdapter(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(queryUpdateEventStatus)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := adapter.UpdateEventStatus(context.Background(), uuid.New(), v1.StatusCompleted)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsAdapter_SetGuardReason(t *testing.T) {
	adapter, mock, db := newMockEventsAdapter(t)
	defer db.Close()

	eventID := uuid.New()
	mock.ExpectExec(regexp.QuoteMeta(querySetGuardReason)).
		WithArgs(eventID, "denylist").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, adapter.SetGuardReason(context.Background(), eventID, "denylist"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsAdapter_GetEvent(t *testing.T) {
	adapter, mock, db := newMockEventsAdapter(t)
	defer db.Close()

	eventID := uuid.New()
	senderID := uuid.New()
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(queryGetEvent)).
		WithArgs(eventID).
		WillReturnRows(sqlmock.NewRows(eventRowColumns()).
			AddRow(
				eventID.String(), "whatsapp", "wamid.1", "inst-1", "wamid.1",
				"message", "inbound",
				senderID.String(), nil,
				"15551234567", "",
				"text", "hello", "",
				[]byte(`{"wire":"blob"}`), []byte(`{"guard_reason":"allowlist"}`), "completed",
				ts, ts.Add(time.Second),
			))

	evt, err := adapter.GetEvent(context.Background(), eventID)
	require.NoError(t, err)
	require.Equal(t, eventID, evt.ID)
	require.Equal(t, v1.EventTypeMessage, evt.EventType)
	require.NotNil(t, evt.SenderIdentityID)
	require.Equal(t, senderID, *evt.SenderIdentityID)
	require.Nil(t, evt.RecipientIdentityID)
	require.Equal(t, "blob", evt.RawPayload["wire"])
	require.Equal(t, "allowlist", evt.Metadata["guard_reason"])
	require.Equal(t, v1.StatusCompleted, evt.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsAdapter_GetEventNotFound(t *testing.T) {
	adapter, mock, db := newMockEventsAdapter(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryGetEvent)).
		WillReturnError(sql.ErrNoRows)

	_, err := adapter.GetEvent(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsAdapter_ListEventsByInstance(t *testing.T) {
	adapter, mock, db := newMockEventsAdapter(t)
	defer db.Close()

	start := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	ts := start.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(queryListEventsByInstance)).
		WithArgs("inst-1", start, end, 100).
		WillReturnRows(sqlmock.NewRows(eventRowColumns()).
			AddRow(
				uuid.New().String(), "whatsapp", "wamid.1", "inst-1", "wamid.1",
				"message", "inbound", nil, nil, "alice", "",
				"text", "one", "", nil, nil, "completed", ts, ts,
			).
			AddRow(
				uuid.New().String(), "whatsapp", "wamid.2", "inst-1", "wamid.2",
				"message", "inbound", nil, nil, "bob", "",
				"text", "two", "", nil, nil, "completed", ts.Add(time.Minute), ts.Add(time.Minute),
			)).
		RowsWillBeClosed()

	events, err := adapter.ListEventsByInstance(context.Background(), "inst-1", start, end, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "one", events[0].ContentText)
	require.Equal(t, "two", events[1].ContentText)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsAdapter_ListStaleReceived(t *testing.T) {
	adapter, mock, db := newMockEventsAdapter(t)
	defer db.Close()

	cutoff := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(queryListStaleReceived)).
		WithArgs(cutoff, 500).
		WillReturnRows(sqlmock.NewRows(eventRowColumns()).
			AddRow(
				uuid.New().String(), "whatsapp", "wamid.9", "inst-1", "wamid.9",
				"message", "inbound", nil, nil, "alice", "",
				"text", "stuck", "", nil, nil, "received",
				cutoff.Add(-time.Hour), cutoff.Add(-time.Hour),
			)).
		RowsWillBeClosed()

	events, err := adapter.ListStaleReceived(context.Background(), cutoff, 500)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, v1.StatusReceived, events[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsAdapter_CloseReturnsDBCloseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	dbCloseErr := errors.New("db close failed")

	mock.ExpectPrepare(regexp.QuoteMeta(querySaveEvent)).WillBeClosed()
	stmtSave, err := db.Prepare(querySaveEvent)
	require.NoError(t, err)

	mock.ExpectPrepare(regexp.QuoteMeta(queryUpdateEventStatus)).WillBeClosed()
	stmtStatus, err := db.Prepare(queryUpdateEventStatus)
	require.NoError(t, err)

	mock.ExpectClose().WillReturnError(dbCloseErr)

	adapter := &EventsAdapter{db: db, stmtSaveEvent: stmtSave, stmtSetStatus: stmtStatus}

	err = adapter.Close()
	require.Error(t, err)
	require.ErrorContains(t, err, "failed to close database")
	require.ErrorIs(t, err, dbCloseErr)
	require.NoError(t, mock.ExpectationsWereMet())
}
