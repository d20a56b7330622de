package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InstanceStatus represents the liveness state of a service instance.
type InstanceStatus string

const (
	StatusUp    InstanceStatus = "UP"
	StatusDown  InstanceStatus = "DOWN"
	StatusDrain InstanceStatus = "DRAIN"
)

// Valid returns true if the status is one of UP, DOWN, DRAIN.
func (s InstanceStatus) Valid() bool {
	switch s {
	case StatusUp, StatusDown, StatusDrain:
		return true
	default:
		return false
	}
}

// String returns the string representation.
func (s InstanceStatus) String() string {
	return string(s)
}

// Service is a logical service (e.g. "billing"). Has 0..N instances.
// ServiceID is assigned on first registration and never changes;
// ActiveKID mutates on key rotation.
type Service struct {
	ServiceID          uuid.UUID       `json:"service_id" db:"service_id"`
	Name               string          `json:"name" db:"name"`
	Publishes          []string        `json:"publishes" db:"publishes"`
	Consumes           []string        `json:"consumes" db:"consumes"`
	Meta               json.RawMessage `json:"meta,omitempty" db:"meta"`
	Region             string          `json:"region" db:"region"`
	TTLSeconds         int             `json:"ttl_s" db:"ttl_s"`
	BootstrapSecretRef string          `json:"-" db:"bootstrap_secret_ref"`
	ActiveKID          string          `json:"active_kid" db:"active_kid"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// ServiceInstance is a running replica of a Service. At most one
// instance exists per (service, node_id, task_slot) when all three
// are set; that triple dedups re-registrations across restarts.
type ServiceInstance struct {
	InstanceID uuid.UUID `json:"instance_id" db:"instance_id"`
	ServiceID  uuid.UUID `json:"service_id" db:"service_id"`

	// Scheduler coordinates, nullable but set together.
	NodeID   *string `json:"node_id,omitempty" db:"node_id"`
	TaskSlot *int    `json:"task_slot,omitempty" db:"task_slot"`
	BootID   *string `json:"boot_id,omitempty" db:"boot_id"`

	// Volatile data (can change on every register).
	BaseURL              string `json:"base_url" db:"base_url"`
	HealthURL            string `json:"health_url" db:"health_url"`
	HeartbeatIntervalSec int    `json:"heartbeat_interval_sec" db:"heartbeat_interval_sec"`

	Status          InstanceStatus `json:"status" db:"status"`
	LastHeartbeatAt *time.Time     `json:"last_heartbeat_at,omitempty" db:"last_heartbeat_at"`
	ConsecutiveMiss int            `json:"consecutive_miss" db:"consecutive_miss"`

	// KID used to sign pushes to this instance.
	PushKID string `json:"push_kid" db:"push_kid"`

	Meta      json.RawMessage `json:"meta,omitempty" db:"meta"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// DefaultHealthURL derives the health endpoint from a base URL.
func DefaultHealthURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/health"
}

// HasSchedulerCoords reports whether node_id and task_slot are both set.
func (i *ServiceInstance) HasSchedulerCoords() bool {
	return i.NodeID != nil && i.TaskSlot != nil
}
