package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flumehq/ledger/internal/models"
)

// RegistryEventRepository appends to and reads the registry audit
// trail.
type RegistryEventRepository interface {
	Append(ctx context.Context, event *models.RegistryEvent) error
	ListRecent(ctx context.Context, limit int) ([]*models.RegistryEvent, error)
	ListByService(ctx context.Context, serviceID uuid.UUID, limit int) ([]*models.RegistryEvent, error)
}

type registryEventRepo struct {
	db DB
}

// NewRegistryEventRepository creates a registry event repository.
func NewRegistryEventRepository(db DB) RegistryEventRepository {
	return &registryEventRepo{db: db}
}

const registryEventColumns = `id, kind, service_id, instance_id, registry_version, detail, created_at`

func scanRegistryEvent(row pgx.Row) (*models.RegistryEvent, error) {
	var ev models.RegistryEvent
	err := row.Scan(
		&ev.ID,
		&ev.Kind,
		&ev.ServiceID,
		&ev.InstanceID,
		&ev.RegistryVersion,
		&ev.Detail,
		&ev.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// Append records an audit event. The caller assigns the ULID.
func (r *registryEventRepo) Append(ctx context.Context, event *models.RegistryEvent) error {
	query := `
		INSERT INTO registry_events (id, kind, service_id, instance_id, registry_version, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`
	return r.db.QueryRow(ctx, query,
		event.ID,
		event.Kind,
		event.ServiceID,
		event.InstanceID,
		event.RegistryVersion,
		event.Detail,
	).Scan(&event.CreatedAt)
}

func (r *registryEventRepo) listEvents(ctx context.Context, query string, args ...any) ([]*models.RegistryEvent, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.RegistryEvent
	for rows.Next() {
		ev, err := scanRegistryEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListRecent returns the newest events first. ULIDs sort by time, so
// ordering by id descending is ordering by creation.
func (r *registryEventRepo) ListRecent(ctx context.Context, limit int) ([]*models.RegistryEvent, error) {
	query := `SELECT ` + registryEventColumns + ` FROM registry_events ORDER BY id DESC LIMIT $1`
	return r.listEvents(ctx, query, limit)
}

// ListByService returns the newest events for one service.
func (r *registryEventRepo) ListByService(ctx context.Context, serviceID uuid.UUID, limit int) ([]*models.RegistryEvent, error) {
	query := `SELECT ` + registryEventColumns + ` FROM registry_events WHERE service_id = $1 ORDER BY id DESC LIMIT $2`
	return r.listEvents(ctx, query, serviceID, limit)
}

var _ RegistryEventRepository = (*registryEventRepo)(nil)

// EventCatalogRepository manages declared event definitions and the
// subscriptions bound to them.
type EventCatalogRepository interface {
	UpsertDefinition(ctx context.Context, def *models.EventDefinition) error
	GetDefinition(ctx context.Context, id uuid.UUID) (*models.EventDefinition, error)
	ListDefinitions(ctx context.Context, publisherID uuid.UUID) ([]*models.EventDefinition, error)
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	ListSubscriptions(ctx context.Context, subscriberID uuid.UUID) ([]*models.Subscription, error)
}

type eventCatalogRepo struct {
	db DB
}

// NewEventCatalogRepository creates an event catalog repository.
func NewEventCatalogRepository(db DB) EventCatalogRepository {
	return &eventCatalogRepo{db: db}
}

const definitionColumns = `id, publisher_id, event_key, major, display_name, ordering_key_field,
	delivery_modes, payload_schema, retention, notes, version_hash, created_at, updated_at`

func scanDefinition(row pgx.Row) (*models.EventDefinition, error) {
	var def models.EventDefinition
	err := row.Scan(
		&def.ID,
		&def.PublisherID,
		&def.EventKey,
		&def.Major,
		&def.DisplayName,
		&def.OrderingKeyField,
		&def.DeliveryModes,
		&def.PayloadSchema,
		&def.Retention,
		&def.Notes,
		&def.VersionHash,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// UpsertDefinition declares or re-declares an event definition.
// Redeclaring the same (publisher, event_key, major) replaces the
// mutable fields in place.
func (r *eventCatalogRepo) UpsertDefinition(ctx context.Context, def *models.EventDefinition) error {
	query := `
		INSERT INTO event_definitions (
			id, publisher_id, event_key, major, display_name, ordering_key_field,
			delivery_modes, payload_schema, retention, notes, version_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (publisher_id, event_key, major) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			ordering_key_field = EXCLUDED.ordering_key_field,
			delivery_modes = EXCLUDED.delivery_modes,
			payload_schema = EXCLUDED.payload_schema,
			retention = EXCLUDED.retention,
			notes = EXCLUDED.notes,
			version_hash = EXCLUDED.version_hash,
			updated_at = now()
		RETURNING id, created_at, updated_at`
	return r.db.QueryRow(ctx, query,
		def.ID,
		def.PublisherID,
		def.EventKey,
		def.Major,
		def.DisplayName,
		def.OrderingKeyField,
		def.DeliveryModes,
		def.PayloadSchema,
		def.Retention,
		def.Notes,
		def.VersionHash,
	).Scan(&def.ID, &def.CreatedAt, &def.UpdatedAt)
}

// GetDefinition retrieves one event definition by id.
func (r *eventCatalogRepo) GetDefinition(ctx context.Context, id uuid.UUID) (*models.EventDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM event_definitions WHERE id = $1`
	return scanDefinition(r.db.QueryRow(ctx, query, id))
}

// ListDefinitions retrieves all definitions declared by a publisher.
func (r *eventCatalogRepo) ListDefinitions(ctx context.Context, publisherID uuid.UUID) ([]*models.EventDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM event_definitions WHERE publisher_id = $1 ORDER BY event_key, major`
	rows, err := r.db.Query(ctx, query, publisherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*models.EventDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

const subscriptionColumns = `id, event_id, subscriber_id, webhook_url, secret_ref, secret_hash,
	filters, dead_letter, enabled, created_at, updated_at`

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	var sub models.Subscription
	err := row.Scan(
		&sub.ID,
		&sub.EventID,
		&sub.SubscriberID,
		&sub.WebhookURL,
		&sub.SecretRef,
		&sub.SecretHash,
		&sub.Filters,
		&sub.DeadLetter,
		&sub.Enabled,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// CreateSubscription binds a subscriber to an event definition.
// Returns ErrUniqueViolation when the pair already exists; the
// conflict is absorbed so it cannot abort an enclosing transaction.
func (r *eventCatalogRepo) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			id, event_id, subscriber_id, webhook_url, secret_ref, secret_hash,
			filters, dead_letter, enabled
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id, subscriber_id) DO NOTHING
		RETURNING created_at, updated_at`
	err := r.db.QueryRow(ctx, query,
		sub.ID,
		sub.EventID,
		sub.SubscriberID,
		sub.WebhookURL,
		sub.SecretRef,
		sub.SecretHash,
		sub.Filters,
		sub.DeadLetter,
		sub.Enabled,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUniqueViolation
	}
	return err
}

// ListSubscriptions retrieves all subscriptions held by a subscriber.
func (r *eventCatalogRepo) ListSubscriptions(ctx context.Context, subscriberID uuid.UUID) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE subscriber_id = $1 ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, subscriberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

var _ EventCatalogRepository = (*eventCatalogRepo)(nil)
