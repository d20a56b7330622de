// Package signer implements the keyed-MAC authentication core: the
// canonical message formats, per-instance key derivation, the
// bootstrap and instance verification flows, and the signed-header
// producer for outbound registry pushes.
package signer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flumehq/ledger/internal/clock"
	"github.com/flumehq/ledger/internal/models"
	"github.com/flumehq/ledger/internal/pkg/token"
	"github.com/flumehq/ledger/internal/secrets"
)

// Default timestamp windows for the two verification flows.
const (
	DefaultBootstrapWindow = 60 * time.Second
	DefaultInstanceWindow  = 300 * time.Second
)

// NonceStore records nonces per verification scope. Record methods
// return false when the nonce was already present: the duplicate is
// the replay signal.
type NonceStore interface {
	RecordBootstrap(ctx context.Context, serviceName, nonce string) (bool, error)
	RecordInstance(ctx context.Context, instanceID uuid.UUID, nonce string) (bool, error)
}

// SecretResolver resolves rotation state for a service's bootstrap
// secret. Implemented by secrets.Service.
type SecretResolver interface {
	Get(ctx context.Context, svc *models.Service) (*secrets.SecretObject, error)
	GetCurrent(ctx context.Context, svc *models.Service) (string, []byte, error)
	GetPrevious(ctx context.Context, svc *models.Service) (string, []byte, error)
}

// Service verifies inbound signatures and produces outbound ones.
type Service struct {
	secrets         SecretResolver
	nonces          NonceStore
	clk             clock.Clock
	bootstrapWindow time.Duration
	instanceWindow  time.Duration
}

// NewService creates a signer service. Zero windows fall back to the
// flow defaults (60s bootstrap, 300s instance).
func NewService(resolver SecretResolver, nonces NonceStore, clk clock.Clock, bootstrapWindow, instanceWindow time.Duration) *Service {
	if bootstrapWindow <= 0 {
		bootstrapWindow = DefaultBootstrapWindow
	}
	if instanceWindow <= 0 {
		instanceWindow = DefaultInstanceWindow
	}
	return &Service{
		secrets:         resolver,
		nonces:          nonces,
		clk:             clk,
		bootstrapWindow: bootstrapWindow,
		instanceWindow:  instanceWindow,
	}
}

// withinWindow checks |now - ts| <= window. The comparison stays in
// whole seconds; converting the delta to a Duration would overflow
// int64 for far-off timestamps and wrap negative.
func (s *Service) withinWindow(ts int64, window time.Duration) bool {
	delta := s.clk.Unix() - ts
	if delta < 0 {
		delta = -delta
	}
	return delta <= int64(window/time.Second)
}

// VerifyBootstrap verifies a bootstrap-signed request: a caller not
// yet registered, presenting the pre-shared service token directly.
// Returns (ok, reason); reason is "ok" on success.
func (s *Service) VerifyBootstrap(ctx context.Context, serviceName, rawToken, tsRaw, nonce, signature string, body []byte) (bool, string) {
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return false, "missing timestamp"
	}
	if !s.withinWindow(ts, s.bootstrapWindow) {
		return false, "timestamp window"
	}

	if nonce == "" {
		return false, "missing nonce"
	}
	inserted, err := s.nonces.RecordBootstrap(ctx, serviceName, nonce)
	if err != nil {
		return false, "nonce store: " + err.Error()
	}
	if !inserted {
		return false, "replay"
	}

	sigHex, ok := ParseSignature(signature)
	if !ok {
		return false, "bad signature format"
	}

	key, err := token.ToBytes(rawToken)
	if err != nil {
		return false, "bad token encoding"
	}
	expected := Sign(key, BootstrapMessage(ts, nonce, body))
	if !VerifyHex(expected, sigHex) {
		return false, "bad signature"
	}
	return true, "ok"
}

// keyChoice is the outcome of kid-based key selection.
type keyChoice struct {
	key    []byte
	reason string // set when the selection fails
}

// selectClientKey picks the verification key for a kid: the current
// key, the previous key while inside the acceptance grace, or nothing.
func (s *Service) selectClientKey(ctx context.Context, svc *models.Service, kid, instanceID string) keyChoice {
	curKID, curToken, err := s.secrets.GetCurrent(ctx, svc)
	if err != nil || curKID == "" {
		return keyChoice{reason: "no current secret"}
	}
	if kid == curKID {
		return keyChoice{key: DeriveInstanceKey(ScopeClient, curToken, instanceID)}
	}

	prevKID, prevToken, err := s.secrets.GetPrevious(ctx, svc)
	if err == nil && prevKID != "" && kid == prevKID {
		obj, err := s.secrets.Get(ctx, svc)
		if err == nil && obj != nil && s.clk.Now().After(obj.AcceptPrevUntil) {
			return keyChoice{reason: "prev key expired"}
		}
		return keyChoice{key: DeriveInstanceKey(ScopeClient, prevToken, instanceID)}
	}
	return keyChoice{reason: "unknown kid"}
}

// VerifyInstance verifies an instance-signed request against the
// per-instance client key, honouring key-id rotation. Returns
// (ok, reason); reason is "ok" on success.
//
// The nonce is recorded before the signature check so an attacker with
// a valid timestamp cannot probe keys by replaying the same nonce.
func (s *Service) VerifyInstance(ctx context.Context, svc *models.Service, inst *models.ServiceInstance, tsRaw, nonce, signature, kid, method, pathWithQuery string, body []byte) (bool, string) {
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return false, "missing timestamp"
	}
	if nonce == "" {
		return false, "missing nonce"
	}
	if kid == "" {
		return false, "missing kid"
	}

	if !s.withinWindow(ts, s.instanceWindow) {
		return false, "timestamp window"
	}

	inserted, err := s.nonces.RecordInstance(ctx, inst.InstanceID, nonce)
	if err != nil {
		return false, "nonce store: " + err.Error()
	}
	if !inserted {
		return false, "replay"
	}

	sigHex, ok := ParseSignature(signature)
	if !ok {
		return false, "bad signature format"
	}

	if method == "" {
		method = "GET"
	}
	if pathWithQuery == "" {
		pathWithQuery = "/"
	}

	choice := s.selectClientKey(ctx, svc, kid, inst.InstanceID.String())
	if choice.key == nil {
		return false, choice.reason
	}

	expected := Sign(choice.key, InstanceMessage(method, pathWithQuery, ts, nonce, body))
	if !VerifyHex(expected, sigHex) {
		return false, "bad signature"
	}
	return true, "ok"
}

// SignedHeadersFor produces the signed request headers for an outbound
// push to an instance. The signature covers the canonical instance
// message built from method, path and body, keyed with the
// push-scoped per-instance key under the service's active kid.
func (s *Service) SignedHeadersFor(ctx context.Context, svc *models.Service, inst *models.ServiceInstance, method, pathWithQuery string, body []byte) (map[string]string, error) {
	kid, tokenBytes, err := s.secrets.GetCurrent(ctx, svc)
	if err != nil {
		return nil, err
	}

	ts := s.clk.Unix()
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	method = strings.ToUpper(method)
	key := DeriveInstanceKey(ScopePush, tokenBytes, inst.InstanceID.String())
	sig := Sign(key, InstanceMessage(method, pathWithQuery, ts, nonce, body))

	return map[string]string{
		"X-Timestamp":              strconv.FormatInt(ts, 10),
		"X-Nonce":                  nonce,
		"X-Signature":              EncodeSignature(sig),
		"X-Key-Id":                 kid,
		"X-Signed-Method":          method,
		"X-Signed-Path-With-Query": pathWithQuery,
		"Content-Type":             "application/json",
	}, nil
}

// newNonce returns 16 random bytes as hex.
func newNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
