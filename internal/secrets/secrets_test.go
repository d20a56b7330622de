package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flumehq/ledger/internal/clock"
	"github.com/flumehq/ledger/internal/models"
)

// fakeBackend serves a fixed record and counts fetches.
type fakeBackend struct {
	record  []byte
	err     error
	fetches int
	lastRef string
	lastReg string
}

func (f *fakeBackend) Fetch(_ context.Context, ref, region string) ([]byte, error) {
	f.fetches++
	f.lastRef = ref
	f.lastReg = region
	if f.err != nil {
		return nil, f.err
	}
	return f.record, nil
}

var testTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func testSvc() *models.Service {
	return &models.Service{
		Name:               "billing",
		BootstrapSecretRef: "flume/billing",
		TTLSeconds:         300,
	}
}

func TestGetParsesRecordAndStampsGrace(t *testing.T) {
	backend := &fakeBackend{record: []byte(`{"kid":"k2","token":"tok2","prev_kid":"k1","prev_token":"tok1"}`)}
	clk := clock.NewFixed(testTime)
	svc := NewService(backend, "eu-central-1", 5*time.Minute, 0, clk)

	obj, err := svc.Get(context.Background(), testSvc())
	require.NoError(t, err)

	assert.Equal(t, "k2", obj.KID)
	assert.Equal(t, "tok2", obj.Token)
	assert.Equal(t, "k1", obj.PrevKID)
	assert.Equal(t, "tok1", obj.PrevToken)
	assert.True(t, obj.HasPrevious())
	assert.Equal(t, testTime, obj.RotatedAt)
	// Grace tracks the service ttl, not the cache ttl.
	assert.Equal(t, testTime.Add(300*time.Second), obj.AcceptPrevUntil)
}

func TestGetGraceFallsBackToConfiguredWindow(t *testing.T) {
	backend := &fakeBackend{record: []byte(`{"kid":"k2","token":"tok2","prev_kid":"k1","prev_token":"tok1"}`)}
	clk := clock.NewFixed(testTime)
	svc := NewService(backend, "eu-central-1", 5*time.Minute, 120*time.Second, clk)

	// A service without its own ttl_s gets the configured grace, not a
	// zero window that would expire the previous key immediately.
	bare := testSvc()
	bare.TTLSeconds = 0
	obj, err := svc.Get(context.Background(), bare)
	require.NoError(t, err)
	assert.Equal(t, testTime.Add(120*time.Second), obj.AcceptPrevUntil)
}

func TestGetCacheHitAndExpiry(t *testing.T) {
	backend := &fakeBackend{record: []byte(`{"kid":"k1","token":"tok"}`)}
	clk := clock.NewFixed(testTime)
	svc := NewService(backend, "eu-central-1", time.Minute, 0, clk)

	_, err := svc.Get(context.Background(), testSvc())
	require.NoError(t, err)
	_, err = svc.Get(context.Background(), testSvc())
	require.NoError(t, err)
	assert.Equal(t, 1, backend.fetches)

	clk.Advance(61 * time.Second)
	_, err = svc.Get(context.Background(), testSvc())
	require.NoError(t, err)
	assert.Equal(t, 2, backend.fetches)
}

func TestGetRegionFallback(t *testing.T) {
	backend := &fakeBackend{record: []byte(`{"kid":"k1","token":"tok"}`)}
	svc := NewService(backend, "eu-central-1", time.Minute, 0, clock.NewFixed(testTime))

	_, err := svc.Get(context.Background(), testSvc())
	require.NoError(t, err)
	assert.Equal(t, "eu-central-1", backend.lastReg)

	regional := testSvc()
	regional.BootstrapSecretRef = "flume/billing-us"
	regional.Region = "us-east-1"
	_, err = svc.Get(context.Background(), regional)
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", backend.lastReg)
}

func TestGetRejectsIncompleteRecord(t *testing.T) {
	backend := &fakeBackend{record: []byte(`{"token":"tok"}`)}
	svc := NewService(backend, "", time.Minute, 0, clock.NewFixed(testTime))

	_, err := svc.Get(context.Background(), testSvc())
	assert.ErrorContains(t, err, "missing kid or token")
}

func TestGetBackendError(t *testing.T) {
	backend := &fakeBackend{err: errors.New("connection refused")}
	svc := NewService(backend, "", time.Minute, 0, clock.NewFixed(testTime))

	_, err := svc.Get(context.Background(), testSvc())
	assert.ErrorContains(t, err, "fetch secret")
}

func TestGetCurrentDecodesBase64Token(t *testing.T) {
	backend := &fakeBackend{record: []byte(`{"kid":"k1","token":"base64:MTIz"}`)}
	svc := NewService(backend, "", time.Minute, 0, clock.NewFixed(testTime))

	kid, tok, err := svc.GetCurrent(context.Background(), testSvc())
	require.NoError(t, err)
	assert.Equal(t, "k1", kid)
	assert.Equal(t, []byte("123"), tok)
}

func TestGetPreviousAbsent(t *testing.T) {
	backend := &fakeBackend{record: []byte(`{"kid":"k1","token":"tok"}`)}
	svc := NewService(backend, "", time.Minute, 0, clock.NewFixed(testTime))

	kid, tok, err := svc.GetPrevious(context.Background(), testSvc())
	require.NoError(t, err)
	assert.Empty(t, kid)
	assert.Nil(t, tok)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	backend := &fakeBackend{record: []byte(`{"kid":"k1","token":"tok"}`)}
	svc := NewService(backend, "", time.Hour, 0, clock.NewFixed(testTime))

	_, err := svc.Get(context.Background(), testSvc())
	require.NoError(t, err)
	assert.Equal(t, 1, backend.fetches)

	svc.Invalidate("flume/billing")
	_, err = svc.Get(context.Background(), testSvc())
	require.NoError(t, err)
	assert.Equal(t, 2, backend.fetches)
}
