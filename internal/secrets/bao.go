package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flumehq/ledger/internal/config"
)

// BaoBackend fetches bootstrap secret records from an OpenBao KV v2
// mount. Records live at <mount>/data/<ref> and carry the JSON
// {"kid","token","prev_kid"?,"prev_token"?} payload.
type BaoBackend struct {
	address string
	token   string
	mount   string
	client  *http.Client
}

// NewBaoBackend creates a backend for the configured OpenBao server.
func NewBaoBackend(cfg config.SecretsConfig) *BaoBackend {
	return &BaoBackend{
		address: cfg.Address,
		token:   cfg.Token,
		mount:   cfg.Mount,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// kvResponse is the KV v2 read envelope.
type kvResponse struct {
	Data struct {
		Data json.RawMessage `json:"data"`
	} `json:"data"`
	Errors []string `json:"errors"`
}

// Fetch reads the secret record for ref. The region parameter is
// accepted for interface parity with region-scoped stores; OpenBao
// paths are region-agnostic.
func (b *BaoBackend) Fetch(ctx context.Context, ref, region string) ([]byte, error) {
	url := fmt.Sprintf("%s/v1/%s/data/%s", b.address, b.mount, ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Vault-Token", b.token)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("secret store error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var kv kvResponse
	if err := json.Unmarshal(respBody, &kv); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(kv.Errors) > 0 {
		return nil, fmt.Errorf("secret store error: %v", kv.Errors)
	}
	if len(kv.Data.Data) == 0 {
		return nil, fmt.Errorf("secret %q not found", ref)
	}

	return kv.Data.Data, nil
}
