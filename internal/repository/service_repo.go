package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flumehq/ledger/internal/models"
)

// ServiceRepository defines data operations on logical services.
type ServiceRepository interface {
	GetOrCreate(ctx context.Context, name, bootstrapSecretRef string) (*models.Service, bool, error)
	GetByName(ctx context.Context, name string) (*models.Service, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Service, error)
	List(ctx context.Context) ([]*models.Service, error)
	SetCapabilities(ctx context.Context, id uuid.UUID, publishes, consumes []string) error
	SetActiveKID(ctx context.Context, id uuid.UUID, kid string) error
}

type serviceRepo struct {
	db DB
}

// NewServiceRepository creates a service repository.
func NewServiceRepository(db DB) ServiceRepository {
	return &serviceRepo{db: db}
}

const serviceColumns = `service_id, name, publishes, consumes, meta, region, ttl_s, bootstrap_secret_ref, active_kid, created_at, updated_at`

func scanService(row pgx.Row) (*models.Service, error) {
	var svc models.Service
	err := row.Scan(
		&svc.ServiceID,
		&svc.Name,
		&svc.Publishes,
		&svc.Consumes,
		&svc.Meta,
		&svc.Region,
		&svc.TTLSeconds,
		&svc.BootstrapSecretRef,
		&svc.ActiveKID,
		&svc.CreatedAt,
		&svc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

// GetOrCreate resolves a service by name, creating it on first
// registration. The second return value reports creation. Concurrent
// creators serialise on the name uniqueness constraint: the insert is
// ON CONFLICT DO NOTHING so a lost race returns no row instead of
// raising 23505, which inside a transaction would abort it and poison
// every later statement.
func (r *serviceRepo) GetOrCreate(ctx context.Context, name, bootstrapSecretRef string) (*models.Service, bool, error) {
	svc, err := r.GetByName(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if svc != nil {
		return svc, false, nil
	}

	query := `
		INSERT INTO services (service_id, name, bootstrap_secret_ref)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING
		RETURNING ` + serviceColumns

	svc, err = scanService(r.db.QueryRow(ctx, query, uuid.New(), name, bootstrapSecretRef))
	if err != nil {
		return nil, false, err
	}
	if svc == nil {
		// Lost the creation race; the winner's row is authoritative.
		svc, err = r.GetByName(ctx, name)
		if err != nil {
			return nil, false, err
		}
		if svc == nil {
			return nil, false, ErrUniqueViolation
		}
		return svc, false, nil
	}
	return svc, true, nil
}

// GetByName retrieves a service by its unique name.
func (r *serviceRepo) GetByName(ctx context.Context, name string) (*models.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE name = $1`
	return scanService(r.db.QueryRow(ctx, query, name))
}

// GetByID retrieves a service by its UUID.
func (r *serviceRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE service_id = $1`
	return scanService(r.db.QueryRow(ctx, query, id))
}

// List retrieves all services ordered by name.
func (r *serviceRepo) List(ctx context.Context) ([]*models.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services ORDER BY name`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []*models.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

// SetCapabilities replaces the declared publish/consume lists.
func (r *serviceRepo) SetCapabilities(ctx context.Context, id uuid.UUID, publishes, consumes []string) error {
	query := `
		UPDATE services SET publishes = $2, consumes = $3, updated_at = now()
		WHERE service_id = $1`
	result, err := r.db.Exec(ctx, query, id, publishes, consumes)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SetActiveKID records a key rotation for the service.
func (r *serviceRepo) SetActiveKID(ctx context.Context, id uuid.UUID, kid string) error {
	query := `UPDATE services SET active_kid = $2, updated_at = now() WHERE service_id = $1`
	result, err := r.db.Exec(ctx, query, id, kid)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Compile-time check to ensure serviceRepo implements ServiceRepository.
var _ ServiceRepository = (*serviceRepo)(nil)
