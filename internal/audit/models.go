package audit

import (
	"encoding/json"
	"time"
)

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - organization_id is required for tenancy isolation.
// - Writers treat audit as best-effort; critical flows never block on it.
//
// Storage (Postgres): audit_logs with an INSERT-only grant for the API role.
type Event struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`

	// UserID is the authenticated user causing the event, empty for system actors.
	UserID    string    `json:"user_id,omitempty" db:"user_id"`
	ActorType ActorType `json:"actor_type" db:"actor_type"`

	// ResourceType/ResourceID identify the target, e.g. ("call", <call id>).
	ResourceType string `json:"resource_type" db:"resource_type"`
	ResourceID   string `json:"resource_id" db:"resource_id"`
	Action       string `json:"action" db:"action"`

	// Metadata is optional structured detail, stored as jsonb.
	Metadata json.RawMessage `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type ActorType string

const (
	ActorHuman  ActorType = "human"
	ActorSystem ActorType = "system"
	ActorVendor ActorType = "vendor"
)

const (
	ResourceCall      = "call"
	ResourceRecording = "recording"
)
