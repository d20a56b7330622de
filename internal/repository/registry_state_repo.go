package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// RegistryStateRepository manages the monotonic registry version
// counter. The counter lives in a single row; Bump is one atomic
// upsert, so concurrent writers each observe a distinct version.
type RegistryStateRepository interface {
	Bump(ctx context.Context) (int64, error)
	Current(ctx context.Context) (int64, error)
}

type registryStateRepo struct {
	db DB
}

// NewRegistryStateRepository creates a registry state repository.
func NewRegistryStateRepository(db DB) RegistryStateRepository {
	return &registryStateRepo{db: db}
}

// Bump increments the registry version and returns the new value.
// First call seeds the row at version 1.
func (r *registryStateRepo) Bump(ctx context.Context) (int64, error) {
	query := `
		INSERT INTO registry_state (id, registry_version)
		VALUES (1, 1)
		ON CONFLICT (id) DO UPDATE
		SET registry_version = registry_state.registry_version + 1
		RETURNING registry_version`
	var version int64
	if err := r.db.QueryRow(ctx, query).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// Current returns the latest registry version, 0 before any bump.
func (r *registryStateRepo) Current(ctx context.Context) (int64, error) {
	var version int64
	err := r.db.QueryRow(ctx, `SELECT registry_version FROM registry_state WHERE id = 1`).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

// Compile-time check to ensure registryStateRepo implements RegistryStateRepository.
var _ RegistryStateRepository = (*registryStateRepo)(nil)
