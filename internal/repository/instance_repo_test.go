package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flumehq/ledger/internal/models"
)

func TestCreateLostCoordinateRace(t *testing.T) {
	db := &fakeDB{rows: []scanFunc{noRows}}
	repo := NewInstanceRepository(db)

	node := "node-a"
	slot := 1
	boot := "boot-1"
	inst := &models.ServiceInstance{
		InstanceID: uuid.New(),
		ServiceID:  uuid.New(),
		NodeID:     &node,
		TaskSlot:   &slot,
		BootID:     &boot,
		BaseURL:    "http://10.0.0.5:8080",
		Status:     models.StatusUp,
	}

	err := repo.Create(context.Background(), inst)
	assert.ErrorIs(t, err, ErrUniqueViolation)

	// The losing insert must come back as no-row, not as 23505: the
	// caller resolves the race with a lookup in the same transaction.
	require.Len(t, db.sqls, 1)
	assert.Contains(t, db.sqls[0], "ON CONFLICT (service_id, node_id, task_slot)")
	assert.Contains(t, db.sqls[0], "DO NOTHING")
}
