package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	v1 "github.com/weftlab/weft/internal/api/v1"
	"github.com/weftlab/weft/internal/core/storage"
)

func newMockIdentityAdapter(t *testing.T) (*IdentityAdapter, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewIdentityAdapter(db), mock, db
}

func TestIdentityAdapter_FindHandle(t *testing.T) {
	adapter, mock, db := newMockIdentityAdapter(t)
	defer db.Close()

	identityID := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(queryFindHandle)).
		WithArgs("whatsapp", "5511999@c.us", "inst-1").
		WillReturnRows(sqlmock.NewRows([]string{"identity_id", "provider", "external_id", "instance_id", "is_primary", "metadata"}).
			AddRow(identityID.String(), "whatsapp", "5511999@c.us", "inst-1", true, []byte(`{"push_name":"Alice"}`)))

	h, err := adapter.FindHandle(context.Background(), "whatsapp", "5511999@c.us", "inst-1")
	require.NoError(t, err)
	require.Equal(t, identityID, h.IdentityID)
	require.Equal(t, "whatsapp", h.Provider)
	require.True(t, h.IsPrimary)
	require.Equal(t, "Alice", h.Metadata["push_name"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityAdapter_FindHandleNotFound(t *testing.T) {
	adapter, mock, db := newMockIdentityAdapter(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryFindHandle)).
		WillReturnError(sql.ErrNoRows)

	_, err := adapter.FindHandle(context.Background(), "whatsapp", "unknown@c.us", "inst-1")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityAdapter_CreateIdentityWithHandle(t *testing.T) {
	adapter, mock, db := newMockIdentityAdapter(t)
	defer db.Close()

	identity := &v1.Identity{
		ID:          uuid.New(),
		DisplayName: "Alice",
		EntityType:  v1.EntityPerson,
		CreatedAt:   time.Now().UTC(),
	}
	handle := &v1.Handle{
		IdentityID: identity.ID,
		Provider:   "telegram",
		ExternalID: "42",
		InstanceID: "inst-1",
		IsPrimary:  true,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(queryInsertIdentity)).
		WithArgs(identity.ID, sqlmock.AnyArg(), "person", identity.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(queryInsertHandle)).
		WithArgs(identity.ID, "telegram", "42", "inst-1", true, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"identity_id"}).AddRow(identity.ID.String()))
	mock.ExpectCommit()

	require.NoError(t, adapter.CreateIdentityWithHandle(context.Background(), identity, handle))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityAdapter_CreateIdentityWithHandleLosesRace(t *testing.T) {
	adapter, mock, db := newMockIdentityAdapter(t)
	defer db.Close()

	identity := &v1.Identity{ID: uuid.New(), EntityType: v1.EntityPerson, CreatedAt: time.Now().UTC()}
	handle := &v1.Handle{IdentityID: identity.ID, Provider: "telegram", ExternalID: "42"}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(queryInsertIdentity)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(queryInsertHandle)).
		WillReturnRows(sqlmock.NewRows([]string{"identity_id"}))
	mock.ExpectRollback()

	err := adapter.CreateIdentityWithHandle(context.Background(), identity, handle)
	require.ErrorIs(t, err, storage.ErrHandleConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityAdapter_GetIdentity(t *testing.T) {
	adapter, mock, db := newMockIdentityAdapter(t)
	defer db.Close()

	identityID := uuid.New()
	created := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(queryGetIdentity)).
		WithArgs(identityID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "display_name", "entity_type", "created_at"}).
			AddRow(identityID.String(), "Alice", "person", created))

	ident, err := adapter.GetIdentity(context.Background(), identityID)
	require.NoError(t, err)
	require.Equal(t, "Alice", ident.DisplayName)
	require.Equal(t, v1.EntityPerson, ident.EntityType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityAdapter_GetIdentityNotFound(t *testing.T) {
	adapter, mock, db := newMockIdentityAdapter(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryGetIdentity)).
		WillReturnError(sql.ErrNoRows)

	_, err := adapter.GetIdentity(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
