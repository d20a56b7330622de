package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventDefinition is an event published by a Service. Major separates
// breaking schema changes; VersionHash labels compatible diffs.
// Unique per (publisher, event_key, major).
type EventDefinition struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	PublisherID      uuid.UUID       `json:"publisher_id" db:"publisher_id"`
	EventKey         string          `json:"event_key" db:"event_key"`
	Major            int             `json:"major" db:"major"`
	DisplayName      *string         `json:"display_name,omitempty" db:"display_name"`
	OrderingKeyField *string         `json:"ordering_key_field,omitempty" db:"ordering_key_field"`
	DeliveryModes    []string        `json:"delivery_modes" db:"delivery_modes"`
	PayloadSchema    json.RawMessage `json:"payload_schema" db:"payload_schema"`
	Retention        json.RawMessage `json:"retention,omitempty" db:"retention"`
	Notes            *string         `json:"notes,omitempty" db:"notes"`
	VersionHash      string          `json:"version_hash" db:"version_hash"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Subscription binds a subscriber Service to an EventDefinition.
// The webhook secret is never stored in clear: SecretRef points into
// the secret store, SecretHash exists for audit only.
type Subscription struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	EventID      uuid.UUID       `json:"event_id" db:"event_id"`
	SubscriberID uuid.UUID       `json:"subscriber_id" db:"subscriber_id"`
	WebhookURL   string          `json:"webhook_url" db:"webhook_url"`
	SecretRef    *string         `json:"secret_ref,omitempty" db:"secret_ref"`
	SecretHash   *string         `json:"-" db:"secret_hash"`
	Filters      json.RawMessage `json:"filters" db:"filters"`
	DeadLetter   json.RawMessage `json:"dead_letter,omitempty" db:"dead_letter"`
	Enabled      bool            `json:"enabled" db:"enabled"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// DeclareEventRequest is the JSON body of POST /v1/flume/events.
type DeclareEventRequest struct {
	InstanceID       string          `json:"instance_id" validate:"required,uuid4"`
	EventKey         string          `json:"event_key" validate:"required,min=1,max=200"`
	Major            int             `json:"major" validate:"min=1"`
	DisplayName      string          `json:"display_name,omitempty" validate:"omitempty,max=200"`
	OrderingKeyField string          `json:"ordering_key_field,omitempty" validate:"omitempty,max=120"`
	DeliveryModes    []string        `json:"delivery_modes,omitempty"`
	PayloadSchema    json.RawMessage `json:"payload_schema" validate:"required"`
	Retention        json.RawMessage `json:"retention,omitempty"`
	Notes            string          `json:"notes,omitempty"`
}

// SubscribeRequest is the JSON body of POST /v1/flume/subscriptions.
type SubscribeRequest struct {
	InstanceID string          `json:"instance_id" validate:"required,uuid4"`
	EventID    string          `json:"event_id" validate:"required,uuid4"`
	WebhookURL string          `json:"webhook_url" validate:"required,url"`
	SecretRef  string          `json:"secret_ref,omitempty"`
	Filters    json.RawMessage `json:"filters,omitempty"`
	DeadLetter json.RawMessage `json:"dead_letter,omitempty"`
}
