package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NonceRepository is the durable anti-replay store. Record methods
// return false when the nonce is a duplicate within its scope; the
// insert itself is the atomic record-or-reject step, so concurrent
// presentations of the same nonce admit exactly one caller.
type NonceRepository struct {
	pool *pgxpool.Pool
}

// NewNonceRepository creates a nonce repository. It takes the pool
// directly rather than a transaction handle: nonce consumption must
// survive a rolled-back request.
func NewNonceRepository(pool *pgxpool.Pool) *NonceRepository {
	return &NonceRepository{pool: pool}
}

// RecordBootstrap records a nonce in the bootstrap scope, keyed by
// service name. Returns false on a duplicate.
func (r *NonceRepository) RecordBootstrap(ctx context.Context, serviceName, nonce string) (bool, error) {
	query := `
		INSERT INTO bootstrap_nonces (service_name, nonce)
		VALUES ($1, $2)
		ON CONFLICT (service_name, nonce) DO NOTHING`
	result, err := r.pool.Exec(ctx, query, serviceName, nonce)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// RecordInstance records a nonce in an instance's scope. Returns false
// on a duplicate.
func (r *NonceRepository) RecordInstance(ctx context.Context, instanceID uuid.UUID, nonce string) (bool, error) {
	query := `
		INSERT INTO instance_nonces (instance_id, nonce)
		VALUES ($1, $2)
		ON CONFLICT (instance_id, nonce) DO NOTHING`
	result, err := r.pool.Exec(ctx, query, instanceID, nonce)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// DeleteOlderThan prunes nonces recorded before the cutoff. Safe to
// run while verifications are in flight: a pruned nonce is by
// construction outside every acceptance window.
func (r *NonceRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	result, err := r.pool.Exec(ctx, `DELETE FROM bootstrap_nonces WHERE created_at < $1`, cutoff)
	if err != nil {
		return total, err
	}
	total += result.RowsAffected()

	result, err = r.pool.Exec(ctx, `DELETE FROM instance_nonces WHERE created_at < $1`, cutoff)
	if err != nil {
		return total, err
	}
	total += result.RowsAffected()
	return total, nil
}
