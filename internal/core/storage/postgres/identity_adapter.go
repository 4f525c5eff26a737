package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	v1 "github.com/weftlab/weft/internal/api/v1"
	"github.com/weftlab/weft/internal/core/storage"
)

// IdentityAdapter implements storage.IdentityStore for PostgreSQL.
// Shares the connection pool owned by EventsAdapter.
type IdentityAdapter struct {
	db *sql.DB
}

// NewIdentityAdapter creates an identity adapter over an existing pool.
func NewIdentityAdapter(db *sql.DB) *IdentityAdapter {
	return &IdentityAdapter{db: db}
}

// FindHandle looks up the identity claiming (provider, external_id, instance_id).
// Instance-independent handles are stored with instance_id = ''.
func (a *IdentityAdapter) FindHandle(ctx context.Context, provider, externalID, instanceID string) (*v1.Handle, error) {
	var h v1.Handle
	var metadataJSON []byte

	err := a.db.QueryRowContext(ctx, queryFindHandle, provider, externalID, instanceID).Scan(
		&h.IdentityID,
		&h.Provider,
		&h.ExternalID,
		&h.InstanceID,
		&h.IsPrimary,
		&metadataJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find handle: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &h.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal handle metadata: %w", err)
		}
	}
	return &h, nil
}

// CreateIdentityWithHandle inserts a new identity and its first handle in one
// transaction. The handle insert uses conditional-insert semantics: if a
// concurrent resolver claimed the handle between the caller's lookup and this
// write, the transaction rolls back (no orphan identity) and
// storage.ErrHandleConflict is returned so the caller can re-read.
func (a *IdentityAdapter) CreateIdentityWithHandle(ctx context.Context, identity *v1.Identity, handle *v1.Handle) error {
	var metadataJSON []byte
	if len(handle.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(handle.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal handle metadata: %w", err)
		}
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, queryInsertIdentity,
		identity.ID,
		nullString(identity.DisplayName),
		string(identity.EntityType),
		utc(identity.CreatedAt),
	); err != nil {
		return fmt.Errorf("failed to insert identity: %w", err)
	}

	var claimedBy uuid.UUID
	err = tx.QueryRowContext(ctx, queryInsertHandle,
		handle.IdentityID,
		handle.Provider,
		handle.ExternalID,
		handle.InstanceID,
		handle.IsPrimary,
		metadataJSON,
	).Scan(&claimedBy)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race: another resolver claimed the handle. Roll back the
		// identity row with the deferred Rollback.
		return storage.ErrHandleConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert handle: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit identity transaction: %w", err)
	}

	slog.Debug("[Postgres] Created identity with handle",
		"identity_id", identity.ID,
		"provider", handle.Provider,
		"external_id", handle.ExternalID)
	return nil
}

// GetIdentity fetches one identity by id.
func (a *IdentityAdapter) GetIdentity(ctx context.Context, identityID uuid.UUID) (*v1.Identity, error) {
	var ident v1.Identity
	err := a.db.QueryRowContext(ctx, queryGetIdentity, identityID).Scan(
		&ident.ID,
		&ident.DisplayName,
		&ident.EntityType,
		&ident.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	return &ident, nil
}
