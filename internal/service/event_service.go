package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"

	"github.com/flumehq/ledger/internal/models"
	apierrors "github.com/flumehq/ledger/internal/pkg/errors"
	"github.com/flumehq/ledger/internal/repository"
)

// EventCatalogService manages declared events and subscriptions.
type EventCatalogService interface {
	Declare(ctx context.Context, publisherID uuid.UUID, req *models.DeclareEventRequest) (*models.EventDefinition, error)
	ListDeclared(ctx context.Context, publisherID uuid.UUID) ([]*models.EventDefinition, error)
	Subscribe(ctx context.Context, subscriberID uuid.UUID, req *models.SubscribeRequest) (*models.Subscription, error)
	ListSubscriptions(ctx context.Context, subscriberID uuid.UUID) ([]*models.Subscription, error)
}

// CatalogStore is the storage surface the catalog needs. Satisfied by
// *repository.Store.
type CatalogStore interface {
	repository.TxRunner
	Repos() repository.Repos
}

type eventCatalogService struct {
	store CatalogStore
}

// NewEventCatalogService creates the event catalog service.
func NewEventCatalogService(store CatalogStore) EventCatalogService {
	return &eventCatalogService{store: store}
}

// Declare registers (or re-registers) an event definition. The version
// hash fingerprints the payload schema so subscribers can detect
// compatible drift without diffing schemas.
func (s *eventCatalogService) Declare(ctx context.Context, publisherID uuid.UUID, req *models.DeclareEventRequest) (*models.EventDefinition, error) {
	major := req.Major
	if major <= 0 {
		major = 1
	}

	sum := sha256.Sum256(req.PayloadSchema)
	def := &models.EventDefinition{
		ID:            uuid.New(),
		PublisherID:   publisherID,
		EventKey:      req.EventKey,
		Major:         major,
		DeliveryModes: req.DeliveryModes,
		PayloadSchema: req.PayloadSchema,
		Retention:     req.Retention,
		VersionHash:   hex.EncodeToString(sum[:8]),
	}
	if req.DisplayName != "" {
		def.DisplayName = &req.DisplayName
	}
	if req.OrderingKeyField != "" {
		def.OrderingKeyField = &req.OrderingKeyField
	}
	if req.Notes != "" {
		def.Notes = &req.Notes
	}
	if def.DeliveryModes == nil {
		def.DeliveryModes = []string{"webhook"}
	}

	err := s.store.InTx(ctx, func(repos repository.Repos) error {
		return repos.Catalog.UpsertDefinition(ctx, def)
	})
	if err != nil {
		return nil, err
	}
	return def, nil
}

// ListDeclared returns the definitions a publisher has declared.
func (s *eventCatalogService) ListDeclared(ctx context.Context, publisherID uuid.UUID) ([]*models.EventDefinition, error) {
	return s.store.Repos().Catalog.ListDefinitions(ctx, publisherID)
}

// Subscribe binds a subscriber service to an event definition.
func (s *eventCatalogService) Subscribe(ctx context.Context, subscriberID uuid.UUID, req *models.SubscribeRequest) (*models.Subscription, error) {
	eventID, err := uuid.Parse(req.EventID)
	if err != nil {
		return nil, apierrors.NewValidationError("event_id", "must be a valid UUID")
	}

	sub := &models.Subscription{
		ID:           uuid.New(),
		EventID:      eventID,
		SubscriberID: subscriberID,
		WebhookURL:   req.WebhookURL,
		Filters:      req.Filters,
		DeadLetter:   req.DeadLetter,
		Enabled:      true,
	}
	if req.SecretRef != "" {
		sub.SecretRef = &req.SecretRef
	}
	if sub.Filters == nil {
		sub.Filters = []byte("{}")
	}

	err = s.store.InTx(ctx, func(repos repository.Repos) error {
		def, err := repos.Catalog.GetDefinition(ctx, eventID)
		if err != nil {
			return err
		}
		if def == nil {
			return apierrors.ErrNotFound.WithMessage("event definition not found")
		}
		return repos.Catalog.CreateSubscription(ctx, sub)
	})
	if errors.Is(err, repository.ErrUniqueViolation) {
		return nil, apierrors.NewValidationError("event_id", "subscription already exists")
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListSubscriptions returns a subscriber's subscriptions.
func (s *eventCatalogService) ListSubscriptions(ctx context.Context, subscriberID uuid.UUID) ([]*models.Subscription, error) {
	return s.store.Repos().Catalog.ListSubscriptions(ctx, subscriberID)
}

var _ EventCatalogService = (*eventCatalogService)(nil)
