package models

// RegisterCapabilities declares what a service publishes and consumes.
type RegisterCapabilities struct {
	Publishes []string `json:"publishes"`
	Consumes  []string `json:"consumes"`
}

// RegisterMeta carries optional placement hints for client-side balancing.
type RegisterMeta struct {
	Zone   *string `json:"zone,omitempty"`
	Weight *int    `json:"weight,omitempty"`
}

// RegisterRequest is the JSON body of POST /v1/flume/register.
type RegisterRequest struct {
	ServiceName          string                `json:"service_name" validate:"required,min=1,max=64,service_name"`
	BaseURL              string                `json:"base_url" validate:"required,url"`
	HealthURL            string                `json:"health_url,omitempty" validate:"omitempty,url"`
	HeartbeatIntervalSec int                   `json:"heartbeat_interval_sec" validate:"omitempty,min=1,max=3600"`
	Capabilities         *RegisterCapabilities `json:"capabilities,omitempty"`
	Meta                 *RegisterMeta         `json:"meta,omitempty"`
	BootstrapSecretRef   string                `json:"bootstrap_secret_ref" validate:"required"`
	BootID               string                `json:"boot_id" validate:"required"`
	NodeID               string                `json:"node_id" validate:"required"`
	TaskSlot             int                   `json:"task_slot" validate:"min=0"`
}

// RegisterResponse is the JSON body returned on successful registration.
type RegisterResponse struct {
	ServiceID       string `json:"service_id"`
	InstanceID      string `json:"instance_id"`
	PushKID         string `json:"push_kid"`
	LeaseTTLSec     int    `json:"lease_ttl_sec"`
	RegistryVersion int64  `json:"registry_version"`
}

// DeregisterRequest is the JSON body of DELETE /v1/flume/register.
type DeregisterRequest struct {
	InstanceID string `json:"instance_id" validate:"required,uuid4"`
}

// HeartbeatRequest is the JSON body of POST /v1/flume/heartbeat.
type HeartbeatRequest struct {
	InstanceID string `json:"instance_id" validate:"required,uuid4"`
}

// HeartbeatResponse acknowledges a heartbeat with the lease the
// instance should renew within.
type HeartbeatResponse struct {
	InstanceID      string `json:"instance_id"`
	Status          string `json:"status"`
	LeaseTTLSec     int    `json:"lease_ttl_sec"`
	RegistryVersion int64  `json:"registry_version"`
}
