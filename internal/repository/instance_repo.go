package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flumehq/ledger/internal/models"
)

// InstanceRepository defines data operations on service instances.
type InstanceRepository interface {
	Create(ctx context.Context, inst *models.ServiceInstance) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ServiceInstance, error)
	GetByCoords(ctx context.Context, serviceID uuid.UUID, nodeID string, taskSlot int) (*models.ServiceInstance, error)
	Update(ctx context.Context, inst *models.ServiceInstance) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByService(ctx context.Context, serviceID uuid.UUID) ([]*models.ServiceInstance, error)
	ListAll(ctx context.Context) ([]*models.ServiceInstance, error)
	ListUp(ctx context.Context) ([]*models.ServiceInstance, error)
	RecordHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) (*models.ServiceInstance, error)
	MarkMissed(ctx context.Context, leaseMultiplier, maxMiss int, now time.Time) ([]*models.ServiceInstance, error)
}

type instanceRepo struct {
	db DB
}

// NewInstanceRepository creates an instance repository.
func NewInstanceRepository(db DB) InstanceRepository {
	return &instanceRepo{db: db}
}

const instanceColumns = `instance_id, service_id, node_id, task_slot, boot_id,
	base_url, health_url, heartbeat_interval_sec, status, last_heartbeat_at,
	consecutive_miss, push_kid, meta, created_at, updated_at`

func scanInstance(row pgx.Row) (*models.ServiceInstance, error) {
	var inst models.ServiceInstance
	err := row.Scan(
		&inst.InstanceID,
		&inst.ServiceID,
		&inst.NodeID,
		&inst.TaskSlot,
		&inst.BootID,
		&inst.BaseURL,
		&inst.HealthURL,
		&inst.HeartbeatIntervalSec,
		&inst.Status,
		&inst.LastHeartbeatAt,
		&inst.ConsecutiveMiss,
		&inst.PushKID,
		&inst.Meta,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func scanInstances(rows pgx.Rows) ([]*models.ServiceInstance, error) {
	defer rows.Close()
	var instances []*models.ServiceInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// Create inserts a new instance. Returns ErrUniqueViolation when
// another registration won the (service_id, node_id, task_slot) race.
// The conflict is absorbed with DO NOTHING rather than raised as
// 23505: the caller's retry lookup runs in the same transaction, and
// an aborted transaction would refuse it.
func (r *instanceRepo) Create(ctx context.Context, inst *models.ServiceInstance) error {
	query := `
		INSERT INTO service_instances (
			instance_id, service_id, node_id, task_slot, boot_id,
			base_url, health_url, heartbeat_interval_sec, status,
			last_heartbeat_at, consecutive_miss, push_kid, meta
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (service_id, node_id, task_slot)
			WHERE node_id IS NOT NULL AND task_slot IS NOT NULL
			DO NOTHING
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		inst.InstanceID,
		inst.ServiceID,
		inst.NodeID,
		inst.TaskSlot,
		inst.BootID,
		inst.BaseURL,
		inst.HealthURL,
		inst.HeartbeatIntervalSec,
		inst.Status,
		inst.LastHeartbeatAt,
		inst.ConsecutiveMiss,
		inst.PushKID,
		inst.Meta,
	).Scan(&inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUniqueViolation
	}
	return err
}

// GetByID retrieves an instance by UUID.
func (r *instanceRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ServiceInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM service_instances WHERE instance_id = $1`
	return scanInstance(r.db.QueryRow(ctx, query, id))
}

// GetByCoords retrieves the instance at a scheduler coordinate within a
// service. Both coordinates must be set; nullable coordinates never
// collide.
func (r *instanceRepo) GetByCoords(ctx context.Context, serviceID uuid.UUID, nodeID string, taskSlot int) (*models.ServiceInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM service_instances
		WHERE service_id = $1 AND node_id = $2 AND task_slot = $3`
	return scanInstance(r.db.QueryRow(ctx, query, serviceID, nodeID, taskSlot))
}

// Update rewrites the mutable columns of an instance.
func (r *instanceRepo) Update(ctx context.Context, inst *models.ServiceInstance) error {
	query := `
		UPDATE service_instances SET
			boot_id = $2,
			base_url = $3,
			health_url = $4,
			heartbeat_interval_sec = $5,
			status = $6,
			last_heartbeat_at = $7,
			consecutive_miss = $8,
			push_kid = $9,
			meta = $10,
			updated_at = now()
		WHERE instance_id = $1
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		inst.InstanceID,
		inst.BootID,
		inst.BaseURL,
		inst.HealthURL,
		inst.HeartbeatIntervalSec,
		inst.Status,
		inst.LastHeartbeatAt,
		inst.ConsecutiveMiss,
		inst.PushKID,
		inst.Meta,
	).Scan(&inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return pgx.ErrNoRows
	}
	return err
}

// Delete removes an instance row.
func (r *instanceRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM service_instances WHERE instance_id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListByService retrieves all instances of one service.
func (r *instanceRepo) ListByService(ctx context.Context, serviceID uuid.UUID) ([]*models.ServiceInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM service_instances WHERE service_id = $1 ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, serviceID)
	if err != nil {
		return nil, err
	}
	return scanInstances(rows)
}

// ListAll retrieves every instance ordered by service then creation.
func (r *instanceRepo) ListAll(ctx context.Context) ([]*models.ServiceInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM service_instances ORDER BY service_id, created_at`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return scanInstances(rows)
}

// ListUp retrieves all instances currently marked UP. These are the
// fanout targets.
func (r *instanceRepo) ListUp(ctx context.Context) ([]*models.ServiceInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM service_instances WHERE status = 'UP' ORDER BY service_id, created_at`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return scanInstances(rows)
}

// RecordHeartbeat stamps a heartbeat, clears the miss counter, and
// revives a DOWN instance to UP. Returns the updated row, or nil when
// the instance does not exist.
func (r *instanceRepo) RecordHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) (*models.ServiceInstance, error) {
	query := `
		UPDATE service_instances SET
			last_heartbeat_at = $2,
			consecutive_miss = 0,
			status = CASE WHEN status = 'DOWN' THEN 'UP' ELSE status END,
			updated_at = now()
		WHERE instance_id = $1
		RETURNING ` + instanceColumns
	return scanInstance(r.db.QueryRow(ctx, query, id, at))
}

// MarkMissed advances the liveness sweep: every UP instance whose lease
// (heartbeat_interval_sec * leaseMultiplier) has elapsed since its last
// heartbeat gains a miss, and instances reaching maxMiss flip to DOWN.
// Returns the instances that changed, with their post-sweep state.
func (r *instanceRepo) MarkMissed(ctx context.Context, leaseMultiplier, maxMiss int, now time.Time) ([]*models.ServiceInstance, error) {
	query := `
		UPDATE service_instances SET
			consecutive_miss = consecutive_miss + 1,
			status = CASE WHEN consecutive_miss + 1 >= $2 THEN 'DOWN' ELSE status END,
			updated_at = now()
		WHERE status = 'UP'
		  AND last_heartbeat_at IS NOT NULL
		  AND last_heartbeat_at < $3 - (heartbeat_interval_sec * $1) * interval '1 second'
		RETURNING ` + instanceColumns
	rows, err := r.db.Query(ctx, query, leaseMultiplier, maxMiss, now)
	if err != nil {
		return nil, err
	}
	return scanInstances(rows)
}

// Compile-time check to ensure instanceRepo implements InstanceRepository.
var _ InstanceRepository = (*instanceRepo)(nil)
