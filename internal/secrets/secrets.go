// Package secrets resolves bootstrap token material for services,
// with a process-local TTL cache and key-rotation grace handling.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flumehq/ledger/internal/clock"
	"github.com/flumehq/ledger/internal/models"
	"github.com/flumehq/ledger/internal/pkg/token"
)

// SecretObject is the resolved rotation state for a service's
// bootstrap secret. Published to the cache as a whole; never mutated
// after publication.
type SecretObject struct {
	Token           string
	KID             string
	PrevToken       string
	PrevKID         string
	RotatedAt       time.Time
	AcceptPrevUntil time.Time
}

// HasPrevious reports whether a previous key pair exists.
func (o *SecretObject) HasPrevious() bool {
	return o.PrevKID != "" && o.PrevToken != ""
}

// Backend fetches the raw secret record for a bootstrap_secret_ref.
// The record is JSON: {"kid": "...", "token": "...", "prev_kid"?: "...",
// "prev_token"?: "..."}.
type Backend interface {
	Fetch(ctx context.Context, ref, region string) ([]byte, error)
}

type secretRecord struct {
	KID       string `json:"kid"`
	Token     string `json:"token"`
	PrevKID   string `json:"prev_kid,omitempty"`
	PrevToken string `json:"prev_token,omitempty"`
}

type cacheEntry struct {
	obj       *SecretObject
	expiresAt time.Time
}

// DefaultPrevKeyGrace is how long a previous key stays acceptable
// after a fetch when the service carries no ttl_s of its own.
const DefaultPrevKeyGrace = 300 * time.Second

// Service resolves and caches secret rotation state. The cache is
// read-mostly and process-local; invalidation is lazy via TTL, and
// cross-process correctness relies on the accept_prev_until grace.
type Service struct {
	backend   Backend
	region    string
	cacheTTL  time.Duration
	prevGrace time.Duration
	clk       clock.Clock

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewService creates a secret resolver over the given backend.
// region is the default secret-store region; cacheTTL bounds how long
// a fetched SecretObject is served without re-fetching; prevGrace is
// the previous-key acceptance window for services without their own
// ttl_s (zero falls back to DefaultPrevKeyGrace).
func NewService(backend Backend, region string, cacheTTL, prevGrace time.Duration, clk clock.Clock) *Service {
	if prevGrace <= 0 {
		prevGrace = DefaultPrevKeyGrace
	}
	return &Service{
		backend:   backend,
		region:    region,
		cacheTTL:  cacheTTL,
		prevGrace: prevGrace,
		clk:       clk,
		cache:     make(map[string]cacheEntry),
	}
}

// Get resolves the SecretObject for a service, consulting the cache
// first. On a miss it fetches from the backend, stamps rotated_at and
// accept_prev_until (now + service ttl_s), and publishes the complete
// object atomically.
func (s *Service) Get(ctx context.Context, svc *models.Service) (*SecretObject, error) {
	ref := svc.BootstrapSecretRef
	now := s.clk.Now()

	s.mu.RLock()
	entry, ok := s.cache[ref]
	s.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.obj, nil
	}

	region := svc.Region
	if region == "" {
		region = s.region
	}
	raw, err := s.backend.Fetch(ctx, ref, region)
	if err != nil {
		return nil, fmt.Errorf("fetch secret %q: %w", ref, err)
	}

	var rec secretRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("parse secret %q: %w", ref, err)
	}
	if rec.KID == "" || rec.Token == "" {
		return nil, fmt.Errorf("secret %q missing kid or token", ref)
	}

	grace := s.prevGrace
	if svc.TTLSeconds > 0 {
		grace = time.Duration(svc.TTLSeconds) * time.Second
	}
	obj := &SecretObject{
		Token:           rec.Token,
		KID:             rec.KID,
		PrevToken:       rec.PrevToken,
		PrevKID:         rec.PrevKID,
		RotatedAt:       now,
		AcceptPrevUntil: now.Add(grace),
	}

	s.mu.Lock()
	s.cache[ref] = cacheEntry{obj: obj, expiresAt: now.Add(s.cacheTTL)}
	s.mu.Unlock()

	return obj, nil
}

// GetCurrent returns the active (kid, token bytes) pair for a service,
// or ("", nil, nil) when no secret exists.
func (s *Service) GetCurrent(ctx context.Context, svc *models.Service) (string, []byte, error) {
	obj, err := s.Get(ctx, svc)
	if err != nil {
		return "", nil, err
	}
	if obj == nil {
		return "", nil, nil
	}
	tok, err := token.ToBytes(obj.Token)
	if err != nil {
		return "", nil, fmt.Errorf("decode token for kid %q: %w", obj.KID, err)
	}
	return obj.KID, tok, nil
}

// GetPrevious returns the previous (kid, token bytes) pair, or
// ("", nil, nil) when no previous pair exists.
func (s *Service) GetPrevious(ctx context.Context, svc *models.Service) (string, []byte, error) {
	obj, err := s.Get(ctx, svc)
	if err != nil {
		return "", nil, err
	}
	if obj == nil || !obj.HasPrevious() {
		return "", nil, nil
	}
	tok, err := token.ToBytes(obj.PrevToken)
	if err != nil {
		return "", nil, fmt.Errorf("decode prev token for kid %q: %w", obj.PrevKID, err)
	}
	return obj.PrevKID, tok, nil
}

// Invalidate drops the cached entry for a ref, forcing the next Get to
// hit the backend. Used by operators after a manual rotation.
func (s *Service) Invalidate(ref string) {
	s.mu.Lock()
	delete(s.cache, ref)
	s.mu.Unlock()
}
