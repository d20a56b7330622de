package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RegistryEventKind labels an entry in the registry audit trail.
type RegistryEventKind string

const (
	EventInstanceRegistered   RegistryEventKind = "instance.registered"
	EventInstanceUpdated      RegistryEventKind = "instance.updated"
	EventInstanceDeregistered RegistryEventKind = "instance.deregistered"
	EventInstanceDown         RegistryEventKind = "instance.down"
	EventInstanceRevived      RegistryEventKind = "instance.revived"
)

// RegistryEvent is an append-only audit record of a registry mutation.
// The ID is a ULID so entries sort by creation time.
type RegistryEvent struct {
	ID              string            `json:"id" db:"id"`
	Kind            RegistryEventKind `json:"kind" db:"kind"`
	ServiceID       uuid.UUID         `json:"service_id" db:"service_id"`
	InstanceID      *uuid.UUID        `json:"instance_id,omitempty" db:"instance_id"`
	RegistryVersion int64             `json:"registry_version" db:"registry_version"`
	Detail          json.RawMessage   `json:"detail,omitempty" db:"detail"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
}
