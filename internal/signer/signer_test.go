package signer

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flumehq/ledger/internal/clock"
	"github.com/flumehq/ledger/internal/models"
	"github.com/flumehq/ledger/internal/secrets"
)

// fakeNonces is an in-memory NonceStore.
type fakeNonces struct {
	seen map[string]bool
}

func newFakeNonces() *fakeNonces {
	return &fakeNonces{seen: make(map[string]bool)}
}

func (f *fakeNonces) RecordBootstrap(_ context.Context, serviceName, nonce string) (bool, error) {
	key := "b:" + serviceName + ":" + nonce
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func (f *fakeNonces) RecordInstance(_ context.Context, instanceID uuid.UUID, nonce string) (bool, error) {
	key := "i:" + instanceID.String() + ":" + nonce
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

// fakeResolver serves a fixed SecretObject.
type fakeResolver struct {
	obj *secrets.SecretObject
	err error
}

func (f *fakeResolver) Get(context.Context, *models.Service) (*secrets.SecretObject, error) {
	return f.obj, f.err
}

func (f *fakeResolver) GetCurrent(context.Context, *models.Service) (string, []byte, error) {
	if f.err != nil {
		return "", nil, f.err
	}
	if f.obj == nil {
		return "", nil, nil
	}
	return f.obj.KID, []byte(f.obj.Token), nil
}

func (f *fakeResolver) GetPrevious(context.Context, *models.Service) (string, []byte, error) {
	if f.err != nil {
		return "", nil, f.err
	}
	if f.obj == nil || !f.obj.HasPrevious() {
		return "", nil, nil
	}
	return f.obj.PrevKID, []byte(f.obj.PrevToken), nil
}

var baseTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, obj *secrets.SecretObject) (*Service, *fakeNonces, *clock.Fixed) {
	t.Helper()
	clk := clock.NewFixed(baseTime)
	nonces := newFakeNonces()
	svc := NewService(&fakeResolver{obj: obj}, nonces, clk, 0, 0)
	return svc, nonces, clk
}

func currentSecret() *secrets.SecretObject {
	return &secrets.SecretObject{
		Token:           "service-token",
		KID:             "k2",
		PrevToken:       "old-token",
		PrevKID:         "k1",
		RotatedAt:       baseTime,
		AcceptPrevUntil: baseTime.Add(5 * time.Minute),
	}
}

func TestVerifyBootstrapOK(t *testing.T) {
	svc, _, clk := newTestService(t, nil)

	body := []byte(`{"service_name":"billing"}`)
	ts := clk.Unix()
	sig := EncodeSignature(Sign([]byte("tok"), BootstrapMessage(ts, "n1", body)))

	ok, reason := svc.VerifyBootstrap(context.Background(), "billing", "tok",
		strconv.FormatInt(ts, 10), "n1", sig, body)
	assert.True(t, ok)
	assert.Equal(t, "ok", reason)
}

func TestVerifyBootstrapBase64Token(t *testing.T) {
	svc, _, clk := newTestService(t, nil)

	// "base64:MTIz" decodes to "123"; the signature must be computed
	// over the decoded bytes.
	body := []byte(`{}`)
	ts := clk.Unix()
	sig := EncodeSignature(Sign([]byte("123"), BootstrapMessage(ts, "n1", body)))

	ok, reason := svc.VerifyBootstrap(context.Background(), "billing", "base64:MTIz",
		strconv.FormatInt(ts, 10), "n1", sig, body)
	assert.True(t, ok)
	assert.Equal(t, "ok", reason)
}

func TestVerifyBootstrapRejections(t *testing.T) {
	body := []byte(`{}`)

	sign := func(ts int64, nonce string) string {
		return EncodeSignature(Sign([]byte("tok"), BootstrapMessage(ts, nonce, body)))
	}

	tests := []struct {
		name   string
		ts     func(clk *clock.Fixed) string
		nonce  string
		sig    func(clk *clock.Fixed) string
		reason string
	}{
		{
			name:   "missing timestamp",
			ts:     func(*clock.Fixed) string { return "" },
			nonce:  "n1",
			sig:    func(clk *clock.Fixed) string { return sign(clk.Unix(), "n1") },
			reason: "missing timestamp",
		},
		{
			name:   "non-integer timestamp",
			ts:     func(*clock.Fixed) string { return "yesterday" },
			nonce:  "n1",
			sig:    func(clk *clock.Fixed) string { return sign(clk.Unix(), "n1") },
			reason: "missing timestamp",
		},
		{
			name:   "timestamp outside window",
			ts:     func(clk *clock.Fixed) string { return strconv.FormatInt(clk.Unix()-61, 10) },
			nonce:  "n1",
			sig:    func(clk *clock.Fixed) string { return sign(clk.Unix()-61, "n1") },
			reason: "timestamp window",
		},
		{
			// An ancient epoch second must still trip the window check;
			// the huge delta must not wrap the comparison around.
			name:   "timestamp far outside window",
			ts:     func(*clock.Fixed) string { return "-9000000000" },
			nonce:  "n1",
			sig:    func(*clock.Fixed) string { return sign(-9000000000, "n1") },
			reason: "timestamp window",
		},
		{
			name:   "missing nonce",
			ts:     func(clk *clock.Fixed) string { return strconv.FormatInt(clk.Unix(), 10) },
			nonce:  "",
			sig:    func(clk *clock.Fixed) string { return sign(clk.Unix(), "") },
			reason: "missing nonce",
		},
		{
			name:   "bad signature format",
			ts:     func(clk *clock.Fixed) string { return strconv.FormatInt(clk.Unix(), 10) },
			nonce:  "n1",
			sig:    func(clk *clock.Fixed) string { return Sign([]byte("tok"), BootstrapMessage(clk.Unix(), "n1", body)) },
			reason: "bad signature format",
		},
		{
			name:   "bad signature",
			ts:     func(clk *clock.Fixed) string { return strconv.FormatInt(clk.Unix(), 10) },
			nonce:  "n1",
			sig:    func(clk *clock.Fixed) string { return EncodeSignature(Sign([]byte("wrong"), BootstrapMessage(clk.Unix(), "n1", body))) },
			reason: "bad signature",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, clk := newTestService(t, nil)
			ok, reason := svc.VerifyBootstrap(context.Background(), "billing", "tok",
				tt.ts(clk), tt.nonce, tt.sig(clk), body)
			assert.False(t, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestVerifyBootstrapReplay(t *testing.T) {
	svc, _, clk := newTestService(t, nil)

	body := []byte(`{}`)
	ts := clk.Unix()
	sig := EncodeSignature(Sign([]byte("tok"), BootstrapMessage(ts, "n1", body)))
	tsRaw := strconv.FormatInt(ts, 10)

	ok, _ := svc.VerifyBootstrap(context.Background(), "billing", "tok", tsRaw, "n1", sig, body)
	require.True(t, ok)

	ok, reason := svc.VerifyBootstrap(context.Background(), "billing", "tok", tsRaw, "n1", sig, body)
	assert.False(t, ok)
	assert.Equal(t, "replay", reason)
}

func TestVerifyBootstrapNonceBurnedBeforeSignatureCheck(t *testing.T) {
	svc, _, clk := newTestService(t, nil)

	body := []byte(`{}`)
	ts := clk.Unix()
	tsRaw := strconv.FormatInt(ts, 10)
	bad := EncodeSignature(Sign([]byte("wrong"), BootstrapMessage(ts, "n1", body)))
	good := EncodeSignature(Sign([]byte("tok"), BootstrapMessage(ts, "n1", body)))

	ok, reason := svc.VerifyBootstrap(context.Background(), "billing", "tok", tsRaw, "n1", bad, body)
	require.False(t, ok)
	require.Equal(t, "bad signature", reason)

	// A failed attempt consumed the nonce: the correct signature with
	// the same nonce cannot be used to probe the key.
	ok, reason = svc.VerifyBootstrap(context.Background(), "billing", "tok", tsRaw, "n1", good, body)
	assert.False(t, ok)
	assert.Equal(t, "replay", reason)
}

func TestVerifyBootstrapNonceScopedByService(t *testing.T) {
	svc, _, clk := newTestService(t, nil)

	body := []byte(`{}`)
	ts := clk.Unix()
	tsRaw := strconv.FormatInt(ts, 10)
	sig := EncodeSignature(Sign([]byte("tok"), BootstrapMessage(ts, "n1", body)))

	ok, _ := svc.VerifyBootstrap(context.Background(), "billing", "tok", tsRaw, "n1", sig, body)
	require.True(t, ok)

	// Same nonce under a different service name is not a replay.
	ok, reason := svc.VerifyBootstrap(context.Background(), "orders", "tok", tsRaw, "n1", sig, body)
	assert.True(t, ok)
	assert.Equal(t, "ok", reason)
}

func instanceFixture() (*models.Service, *models.ServiceInstance) {
	svc := &models.Service{
		ServiceID:          uuid.New(),
		Name:               "billing",
		BootstrapSecretRef: "flume/billing",
		TTLSeconds:         300,
	}
	inst := &models.ServiceInstance{
		InstanceID: uuid.New(),
		ServiceID:  svc.ServiceID,
		BaseURL:    "http://10.0.0.5:8080",
		Status:     models.StatusUp,
	}
	return svc, inst
}

func signInstance(tokenStr string, inst *models.ServiceInstance, ts int64, nonce, method, path string, body []byte) string {
	key := DeriveInstanceKey(ScopeClient, []byte(tokenStr), inst.InstanceID.String())
	return EncodeSignature(Sign(key, InstanceMessage(method, path, ts, nonce, body)))
}

func TestVerifyInstanceOK(t *testing.T) {
	signer, _, clk := newTestService(t, currentSecret())
	svc, inst := instanceFixture()

	body := []byte(`{"instance_id":"x"}`)
	ts := clk.Unix()
	sig := signInstance("service-token", inst, ts, "n1", "POST", "/v1/flume/heartbeat", body)

	ok, reason := signer.VerifyInstance(context.Background(), svc, inst,
		strconv.FormatInt(ts, 10), "n1", sig, "k2", "POST", "/v1/flume/heartbeat", body)
	assert.True(t, ok)
	assert.Equal(t, "ok", reason)
}

func TestVerifyInstancePreviousKIDWithinGrace(t *testing.T) {
	signer, _, clk := newTestService(t, currentSecret())
	svc, inst := instanceFixture()

	body := []byte(`{}`)
	ts := clk.Unix()
	sig := signInstance("old-token", inst, ts, "n1", "POST", "/v1/flume/heartbeat", body)

	ok, reason := signer.VerifyInstance(context.Background(), svc, inst,
		strconv.FormatInt(ts, 10), "n1", sig, "k1", "POST", "/v1/flume/heartbeat", body)
	assert.True(t, ok)
	assert.Equal(t, "ok", reason)
}

func TestVerifyInstancePreviousKIDAfterGrace(t *testing.T) {
	obj := currentSecret()
	signer, _, clk := newTestService(t, obj)
	svc, inst := instanceFixture()

	clk.Advance(6 * time.Minute) // past AcceptPrevUntil

	body := []byte(`{}`)
	ts := clk.Unix()
	sig := signInstance("old-token", inst, ts, "n1", "POST", "/v1/flume/heartbeat", body)

	ok, reason := signer.VerifyInstance(context.Background(), svc, inst,
		strconv.FormatInt(ts, 10), "n1", sig, "k1", "POST", "/v1/flume/heartbeat", body)
	assert.False(t, ok)
	assert.Equal(t, "prev key expired", reason)
}

func TestVerifyInstanceUnknownKID(t *testing.T) {
	signer, _, clk := newTestService(t, currentSecret())
	svc, inst := instanceFixture()

	body := []byte(`{}`)
	ts := clk.Unix()
	sig := signInstance("service-token", inst, ts, "n1", "POST", "/v1/flume/heartbeat", body)

	ok, reason := signer.VerifyInstance(context.Background(), svc, inst,
		strconv.FormatInt(ts, 10), "n1", sig, "k9", "POST", "/v1/flume/heartbeat", body)
	assert.False(t, ok)
	assert.Equal(t, "unknown kid", reason)
}

func TestVerifyInstanceMissingMaterial(t *testing.T) {
	signer, _, clk := newTestService(t, currentSecret())
	svc, inst := instanceFixture()

	ts := strconv.FormatInt(clk.Unix(), 10)

	ok, reason := signer.VerifyInstance(context.Background(), svc, inst, "", "n1", "sha256=ab", "k2", "POST", "/x", nil)
	assert.False(t, ok)
	assert.Equal(t, "missing timestamp", reason)

	ok, reason = signer.VerifyInstance(context.Background(), svc, inst, ts, "", "sha256=ab", "k2", "POST", "/x", nil)
	assert.False(t, ok)
	assert.Equal(t, "missing nonce", reason)

	ok, reason = signer.VerifyInstance(context.Background(), svc, inst, ts, "n1", "sha256=ab", "", "POST", "/x", nil)
	assert.False(t, ok)
	assert.Equal(t, "missing kid", reason)
}

func TestVerifyInstanceTimestampWindow(t *testing.T) {
	signer, _, clk := newTestService(t, currentSecret())
	svc, inst := instanceFixture()

	body := []byte(`{}`)
	ts := clk.Unix() - 301
	sig := signInstance("service-token", inst, ts, "n1", "POST", "/x", body)

	ok, reason := signer.VerifyInstance(context.Background(), svc, inst,
		strconv.FormatInt(ts, 10), "n1", sig, "k2", "POST", "/x", body)
	assert.False(t, ok)
	assert.Equal(t, "timestamp window", reason)
}

func TestVerifyInstanceTimestampFarOutsideWindow(t *testing.T) {
	signer, _, clk := newTestService(t, currentSecret())
	svc, inst := instanceFixture()

	// A correctly signed request with a timestamp billions of seconds
	// off must be rejected on the window, not accepted via arithmetic
	// wraparound.
	body := []byte(`{}`)
	ts := clk.Unix() - 10_000_000_000
	sig := signInstance("service-token", inst, ts, "n1", "POST", "/x", body)

	ok, reason := signer.VerifyInstance(context.Background(), svc, inst,
		strconv.FormatInt(ts, 10), "n1", sig, "k2", "POST", "/x", body)
	assert.False(t, ok)
	assert.Equal(t, "timestamp window", reason)
}

func TestVerifyInstanceReplay(t *testing.T) {
	signer, _, clk := newTestService(t, currentSecret())
	svc, inst := instanceFixture()

	body := []byte(`{}`)
	ts := clk.Unix()
	tsRaw := strconv.FormatInt(ts, 10)
	sig := signInstance("service-token", inst, ts, "n1", "POST", "/x", body)

	ok, _ := signer.VerifyInstance(context.Background(), svc, inst, tsRaw, "n1", sig, "k2", "POST", "/x", body)
	require.True(t, ok)

	ok, reason := signer.VerifyInstance(context.Background(), svc, inst, tsRaw, "n1", sig, "k2", "POST", "/x", body)
	assert.False(t, ok)
	assert.Equal(t, "replay", reason)
}

func TestVerifyInstancePushKeyRejected(t *testing.T) {
	signer, _, clk := newTestService(t, currentSecret())
	svc, inst := instanceFixture()

	// Signing with the push-scope key must not satisfy client-side
	// verification: a compromised push channel cannot impersonate the
	// instance.
	body := []byte(`{}`)
	ts := clk.Unix()
	key := DeriveInstanceKey(ScopePush, []byte("service-token"), inst.InstanceID.String())
	sig := EncodeSignature(Sign(key, InstanceMessage("POST", "/x", ts, "n1", body)))

	ok, reason := signer.VerifyInstance(context.Background(), svc, inst,
		strconv.FormatInt(ts, 10), "n1", sig, "k2", "POST", "/x", body)
	assert.False(t, ok)
	assert.Equal(t, "bad signature", reason)
}

func TestVerifyInstanceNoCurrentSecret(t *testing.T) {
	clk := clock.NewFixed(baseTime)
	signer := NewService(&fakeResolver{obj: nil}, newFakeNonces(), clk, 0, 0)
	svc, inst := instanceFixture()

	ok, reason := signer.VerifyInstance(context.Background(), svc, inst,
		strconv.FormatInt(clk.Unix(), 10), "n1", "sha256=abcd", "k2", "POST", "/x", nil)
	assert.False(t, ok)
	assert.Equal(t, "no current secret", reason)
}

func TestSignedHeadersForRoundTrip(t *testing.T) {
	signer, _, clk := newTestService(t, currentSecret())
	svc, inst := instanceFixture()

	body := []byte(`{"version":7,"services":[]}`)
	headers, err := signer.SignedHeadersFor(context.Background(), svc, inst, "put", "/flume/registry", body)
	require.NoError(t, err)

	assert.Equal(t, "k2", headers["X-Key-Id"])
	assert.Equal(t, "PUT", headers["X-Signed-Method"])
	assert.Equal(t, "/flume/registry", headers["X-Signed-Path-With-Query"])
	assert.Equal(t, "application/json", headers["Content-Type"])
	assert.Equal(t, strconv.FormatInt(clk.Unix(), 10), headers["X-Timestamp"])
	assert.Len(t, headers["X-Nonce"], 32)

	// The receiver recomputes with the push-scope key and must match.
	ts, err := strconv.ParseInt(headers["X-Timestamp"], 10, 64)
	require.NoError(t, err)
	key := DeriveInstanceKey(ScopePush, []byte("service-token"), inst.InstanceID.String())
	expected := Sign(key, InstanceMessage("PUT", "/flume/registry", ts, headers["X-Nonce"], body))

	sigHex, ok := ParseSignature(headers["X-Signature"])
	require.True(t, ok)
	assert.True(t, VerifyHex(expected, sigHex))
}
