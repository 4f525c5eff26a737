package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	v1 "github.com/weftlab/weft/internal/api/v1"
	"github.com/weftlab/weft/internal/core/storage"
)

// Hints carries best-effort context an adapter knows about the entity
// behind a handle (push name, business flag, ...).
type Hints struct {
	DisplayName string
	EntityType  v1.EntityType
}

// Resolver maps (provider, external_id, instance_id) triples to stable
// Identities, creating one on first contact. Race safety comes from the
// store's conditional handle insert, not from locking: on a lost race the
// resolver re-reads the winning row once.
type Resolver struct {
	store storage.IdentityStore

	// group collapses concurrent in-process resolutions of the same handle
	// into one store round-trip. Cross-process races are still settled by
	// the unique constraint.
	group singleflight.Group
}

// NewResolver creates an identity resolver backed by the given store.
func NewResolver(store storage.IdentityStore) *Resolver {
	if store == nil {
		panic("identity: store must not be nil")
	}
	return &Resolver{store: store}
}

// Resolve returns the Identity id owning the handle, creating the Identity
// and its first Handle atomically when the handle is unclaimed.
func (r *Resolver) Resolve(ctx context.Context, provider, externalID, instanceID string, hints Hints) (uuid.UUID, error) {
	if provider == "" || externalID == "" {
		return uuid.Nil, fmt.Errorf("identity: provider and external id are required")
	}

	key := provider + "|" + externalID + "|" + instanceID
	result, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.resolve(ctx, provider, externalID, instanceID, hints)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return result.(uuid.UUID), nil
}

func (r *Resolver) resolve(ctx context.Context, provider, externalID, instanceID string, hints Hints) (uuid.UUID, error) {
	handle, err := r.store.FindHandle(ctx, provider, externalID, instanceID)
	if err == nil {
		return handle.IdentityID, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return uuid.Nil, fmt.Errorf("identity: handle lookup failed: %w", err)
	}

	entityType := hints.EntityType
	if entityType == "" {
		entityType = v1.EntityUnknown
	}

	ident := &v1.Identity{
		ID:          uuid.New(),
		DisplayName: hints.DisplayName,
		EntityType:  entityType,
		CreatedAt:   time.Now().UTC(),
	}
	newHandle := &v1.Handle{
		IdentityID: ident.ID,
		Provider:   provider,
		ExternalID: externalID,
		InstanceID: instanceID,
		IsPrimary:  true,
	}

	err = r.store.CreateIdentityWithHandle(ctx, ident, newHandle)
	if err == nil {
		slog.Info("[Identity] Created identity",
			"identity_id", ident.ID,
			"provider", provider,
			"external_id", externalID,
			"instance_id", instanceID)
		return ident.ID, nil
	}

	if errors.Is(err, storage.ErrHandleConflict) {
		// A concurrent resolver claimed the handle between our lookup and
		// insert. Retry the lookup once; the winner's row must exist now.
		handle, lookupErr := r.store.FindHandle(ctx, provider, externalID, instanceID)
		if lookupErr != nil {
			return uuid.Nil, fmt.Errorf("identity: lookup after conflict failed: %w", lookupErr)
		}
		return handle.IdentityID, nil
	}

	return uuid.Nil, fmt.Errorf("identity: creation failed: %w", err)
}

// Context assembles the IdentityContext handed to action implementations.
// Unresolvable references degrade to nil rather than failing the chain.
func (r *Resolver) Context(ctx context.Context, event *v1.Event) *v1.IdentityContext {
	ic := &v1.IdentityContext{}
	if event.SenderIdentityID != nil {
		if ident, err := r.store.GetIdentity(ctx, *event.SenderIdentityID); err == nil {
			ic.Sender = ident
		}
	}
	if event.RecipientIdentityID != nil {
		if ident, err := r.store.GetIdentity(ctx, *event.RecipientIdentityID); err == nil {
			ic.Recipient = ident
		}
	}
	return ic
}
