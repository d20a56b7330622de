package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flumehq/ledger/internal/models"
)

func TestCreateSubscriptionDuplicatePair(t *testing.T) {
	db := &fakeDB{rows: []scanFunc{noRows}}
	repo := NewEventCatalogRepository(db)

	sub := &models.Subscription{
		ID:           uuid.New(),
		EventID:      uuid.New(),
		SubscriberID: uuid.New(),
		WebhookURL:   "http://10.0.0.9:8080/hooks",
		Filters:      []byte(`{}`),
		Enabled:      true,
	}

	err := repo.CreateSubscription(context.Background(), sub)
	assert.ErrorIs(t, err, ErrUniqueViolation)

	require.Len(t, db.sqls, 1)
	assert.Contains(t, db.sqls[0], "ON CONFLICT (event_id, subscriber_id) DO NOTHING")
}
