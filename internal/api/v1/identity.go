package v1

import (
	"time"

	"github.com/google/uuid"
)

// EntityType is the best-effort classification of an Identity.
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityUnknown      EntityType = "unknown"
)

// Identity is a provider-agnostic record of one human/entity.
// Identities own one or more Handles and are never merged by the engine;
// merging is an explicit human-triggered operation outside this scope.
type Identity struct {
	ID          uuid.UUID  `json:"id"`
	DisplayName string     `json:"display_name,omitempty"`
	EntityType  EntityType `json:"entity_type"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Handle is a provider-specific alias bound to exactly one Identity within
// an instance scope. (provider, external_id, instance_id) is unique.
type Handle struct {
	IdentityID uuid.UUID `json:"identity_id"`
	Provider   string    `json:"provider"`
	ExternalID string    `json:"external_id"`

	// InstanceID is empty for instance-independent handles.
	InstanceID string `json:"instance_id,omitempty"`

	IsPrimary bool                   `json:"is_primary"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// IdentityContext is the resolved-identity view handed to Action
// implementations together with the Event.
type IdentityContext struct {
	Sender    *Identity `json:"sender,omitempty"`
	Recipient *Identity `json:"recipient,omitempty"`
}
