package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scanFunc func(dest ...any) error

type fakeRow struct {
	scan scanFunc
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// fakeDB serves queued single-row responses and records every SQL
// statement it sees.
type fakeDB struct {
	rows []scanFunc
	sqls []string
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.sqls = append(f.sqls, sql)
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	f.sqls = append(f.sqls, sql)
	return nil, pgx.ErrNoRows
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.sqls = append(f.sqls, sql)
	next := f.rows[0]
	f.rows = f.rows[1:]
	return fakeRow{scan: next}
}

func noRows(...any) error { return pgx.ErrNoRows }

func TestGetOrCreateLostRaceFallsBackToWinner(t *testing.T) {
	winner := uuid.New()
	db := &fakeDB{rows: []scanFunc{
		noRows, // name not present yet
		noRows, // insert lost the race, conflict absorbed
		func(dest ...any) error { // retry lookup sees the winner's row
			*(dest[0].(*uuid.UUID)) = winner
			*(dest[1].(*string)) = "billing"
			*(dest[6].(*int)) = 300
			return nil
		},
	}}
	repo := NewServiceRepository(db)

	svc, created, err := repo.GetOrCreate(context.Background(), "billing", "flume/billing")
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, svc)
	assert.Equal(t, winner, svc.ServiceID)

	// The insert must absorb the conflict instead of raising 23505,
	// which would abort the surrounding transaction and refuse the
	// retry lookup.
	require.Len(t, db.sqls, 3)
	assert.Contains(t, db.sqls[1], "ON CONFLICT (name) DO NOTHING")
}

func TestGetOrCreateInsertsOnFirstRegistration(t *testing.T) {
	db := &fakeDB{rows: []scanFunc{
		noRows, // name not present
		func(dest ...any) error { // insert returns the new row
			*(dest[0].(*uuid.UUID)) = uuid.New()
			*(dest[1].(*string)) = "billing"
			return nil
		},
	}}
	repo := NewServiceRepository(db)

	svc, created, err := repo.GetOrCreate(context.Background(), "billing", "flume/billing")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "billing", svc.Name)
}
