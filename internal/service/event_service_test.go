package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flumehq/ledger/internal/models"
	apierrors "github.com/flumehq/ledger/internal/pkg/errors"
	"github.com/flumehq/ledger/internal/repository"
)

// fakeCatalogRepo is a canned-response EventCatalogRepository.
type fakeCatalogRepo struct {
	def    *models.EventDefinition
	subErr error

	declared   []*models.EventDefinition
	subscribed []*models.Subscription
}

func (f *fakeCatalogRepo) UpsertDefinition(_ context.Context, def *models.EventDefinition) error {
	f.declared = append(f.declared, def)
	return nil
}

func (f *fakeCatalogRepo) GetDefinition(context.Context, uuid.UUID) (*models.EventDefinition, error) {
	return f.def, nil
}

func (f *fakeCatalogRepo) ListDefinitions(context.Context, uuid.UUID) ([]*models.EventDefinition, error) {
	return f.declared, nil
}

func (f *fakeCatalogRepo) CreateSubscription(_ context.Context, sub *models.Subscription) error {
	if f.subErr != nil {
		return f.subErr
	}
	f.subscribed = append(f.subscribed, sub)
	return nil
}

func (f *fakeCatalogRepo) ListSubscriptions(context.Context, uuid.UUID) ([]*models.Subscription, error) {
	return f.subscribed, nil
}

// fakeCatalogStore runs the transaction body directly over fake repos.
type fakeCatalogStore struct {
	repos repository.Repos
}

func (f *fakeCatalogStore) InTx(_ context.Context, fn func(repository.Repos) error) error {
	return fn(f.repos)
}

func (f *fakeCatalogStore) Repos() repository.Repos { return f.repos }

func newCatalogFixture(catalog *fakeCatalogRepo) EventCatalogService {
	return NewEventCatalogService(&fakeCatalogStore{repos: repository.Repos{Catalog: catalog}})
}

func TestDeclareDefaults(t *testing.T) {
	catalog := &fakeCatalogRepo{}
	svc := newCatalogFixture(catalog)

	def, err := svc.Declare(context.Background(), uuid.New(), &models.DeclareEventRequest{
		EventKey:      "invoice.created",
		PayloadSchema: []byte(`{"type":"object"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, def.Major)
	assert.Equal(t, []string{"webhook"}, def.DeliveryModes)
	assert.Len(t, def.VersionHash, 16)
	require.Len(t, catalog.declared, 1)
}

func TestSubscribeOK(t *testing.T) {
	eventID := uuid.New()
	catalog := &fakeCatalogRepo{def: &models.EventDefinition{ID: eventID}}
	svc := newCatalogFixture(catalog)

	sub, err := svc.Subscribe(context.Background(), uuid.New(), &models.SubscribeRequest{
		EventID:    eventID.String(),
		WebhookURL: "http://10.0.0.9:8080/hooks",
	})
	require.NoError(t, err)
	assert.Equal(t, eventID, sub.EventID)
	assert.JSONEq(t, `{}`, string(sub.Filters))
	require.Len(t, catalog.subscribed, 1)
}

func TestSubscribeInvalidEventID(t *testing.T) {
	svc := newCatalogFixture(&fakeCatalogRepo{})

	_, err := svc.Subscribe(context.Background(), uuid.New(), &models.SubscribeRequest{
		EventID:    "not-a-uuid",
		WebhookURL: "http://10.0.0.9:8080/hooks",
	})
	apiErr := apierrors.AsAPIError(err)
	assert.Equal(t, apierrors.CodeValidationFailed, apiErr.Code)
}

func TestSubscribeUnknownDefinition(t *testing.T) {
	svc := newCatalogFixture(&fakeCatalogRepo{def: nil})

	_, err := svc.Subscribe(context.Background(), uuid.New(), &models.SubscribeRequest{
		EventID:    uuid.NewString(),
		WebhookURL: "http://10.0.0.9:8080/hooks",
	})
	apiErr := apierrors.AsAPIError(err)
	assert.Equal(t, apierrors.CodeNotFound, apiErr.Code)
}

func TestSubscribeDuplicateIsNotServerError(t *testing.T) {
	eventID := uuid.New()
	catalog := &fakeCatalogRepo{
		def:    &models.EventDefinition{ID: eventID},
		subErr: repository.ErrUniqueViolation,
	}
	svc := newCatalogFixture(catalog)

	_, err := svc.Subscribe(context.Background(), uuid.New(), &models.SubscribeRequest{
		EventID:    eventID.String(),
		WebhookURL: "http://10.0.0.9:8080/hooks",
	})
	require.Error(t, err)

	// Subscribing twice is a caller mistake, not an internal failure.
	apiErr := apierrors.AsAPIError(err)
	assert.Equal(t, apierrors.CodeValidationFailed, apiErr.Code)
	assert.NotEqual(t, apierrors.CodeInternal, apiErr.Code)
}
