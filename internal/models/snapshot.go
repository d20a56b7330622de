package models

import (
	"bytes"
	"encoding/json"
)

// InstanceSnapshot is the per-instance view inside a registry snapshot.
type InstanceSnapshot struct {
	InstanceID string          `json:"instance_id"`
	BaseURL    string          `json:"base_url"`
	Status     string          `json:"status"`
	Meta       json.RawMessage `json:"meta"`
}

// Capabilities is the declared publish/consume surface of a service.
type Capabilities struct {
	Publishes []string `json:"publishes"`
	Consumes  []string `json:"consumes"`
}

// ServiceSnapshot is the per-service view inside a registry snapshot.
type ServiceSnapshot struct {
	ServiceID    string             `json:"service_id"`
	Name         string             `json:"name"`
	Capabilities Capabilities       `json:"capabilities"`
	Meta         json.RawMessage    `json:"meta"`
	Instances    []InstanceSnapshot `json:"instances"`
}

// RegistrySnapshot is the point-in-time fleet view pushed to every
// healthy instance. The encoded bytes are the body signed per push.
type RegistrySnapshot struct {
	Version  int64             `json:"version"`
	Services []ServiceSnapshot `json:"services"`
}

// Encode serialises the snapshot as compact JSON (no extra whitespace,
// UTF-8 preserved). Every fanout target signs and receives these exact
// bytes.
func (s *RegistrySnapshot) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	// json.Encoder appends a trailing newline; the signed body must not.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
