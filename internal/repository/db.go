// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUniqueViolation is returned when an insert loses a uniqueness
// race. Callers use it to fall back to a lookup.
var ErrUniqueViolation = errors.New("unique constraint violation")

// DB is the query surface shared by *pgxpool.Pool and pgx.Tx, so the
// same repository code runs inside and outside transactions.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repos bundles the repositories bound to one DB handle. Inside
// InTx the handle is the transaction; otherwise it is the pool.
type Repos struct {
	Services      ServiceRepository
	Instances     InstanceRepository
	RegistryState RegistryStateRepository
	Events        RegistryEventRepository
	Catalog       EventCatalogRepository
}

// NewRepos binds all repositories to a DB handle.
func NewRepos(db DB) Repos {
	return Repos{
		Services:      NewServiceRepository(db),
		Instances:     NewInstanceRepository(db),
		RegistryState: NewRegistryStateRepository(db),
		Events:        NewRegistryEventRepository(db),
		Catalog:       NewEventCatalogRepository(db),
	}
}

// TxRunner runs a function with repositories bound to a single
// transaction; the transaction commits iff fn returns nil.
type TxRunner interface {
	InTx(ctx context.Context, fn func(Repos) error) error
}

// Store is the pgx-backed implementation of TxRunner plus direct
// (non-transactional) repository access.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store over a connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InTx implements TxRunner.
func (s *Store) InTx(ctx context.Context, fn func(Repos) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(NewRepos(tx))
	})
}

// Repos returns repositories bound directly to the pool.
func (s *Store) Repos() Repos {
	return NewRepos(s.pool)
}
