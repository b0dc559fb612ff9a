package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

func saleEvent(saleID, eventType string) domain.OutboxMessage {
	return domain.OutboxMessage{
		AggregateType: "sale",
		AggregateID:   saleID,
		EventType:     eventType,
		Payload:       []byte(`{"sale_id":"` + saleID + `"}`),
	}
}

func TestOutboxRepository_PostgresInsertionOrder(t *testing.T) {
	store := migratedTestStore(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()

	created, err := repo.Enqueue(ctx, saleEvent("sale-1", "SaleCreated"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	changed := saleEvent("sale-1", "SaleStatusChanged")
	changed.ID = "evt-status-1"
	stored, err := repo.Enqueue(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, "evt-status-1", stored.ID)

	_, err = repo.Enqueue(ctx, saleEvent("sale-2", "SaleCreated"))
	require.NoError(t, err)

	pending, err := repo.PullPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, created.ID, pending[0].ID)
	assert.Equal(t, "evt-status-1", pending[1].ID)
	assert.Equal(t, "sale-2", pending[2].AggregateID)
	assert.JSONEq(t, `{"sale_id":"sale-1"}`, string(pending[0].Payload))

	limited, err := repo.PullPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, created.ID, limited[0].ID)
}

func TestOutboxRepository_PostgresSettleAndStats(t *testing.T) {
	store := migratedTestStore(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()

	first, err := repo.Enqueue(ctx, saleEvent("sale-old", "SaleCreated"))
	require.NoError(t, err)
	second, err := repo.Enqueue(ctx, saleEvent("sale-new", "SaleCreated"))
	require.NoError(t, err)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingCount)
	assert.False(t, stats.OldestPendingAt.IsZero())

	require.NoError(t, repo.MarkSent(ctx, first.ID))
	require.NoError(t, repo.MarkFailed(ctx, second.ID))

	pending, err := repo.PullPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	stats, err = repo.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.PendingCount)
	assert.True(t, stats.OldestPendingAt.IsZero())

	var attempts int
	require.NoError(t, store.DB().QueryRowContext(ctx,
		`SELECT attempts FROM sale_event_outbox WHERE event_id = $1`, second.ID).Scan(&attempts))
	assert.Equal(t, 1, attempts)
}

func TestOutboxRepository_PostgresDuplicateEventID(t *testing.T) {
	store := migratedTestStore(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()

	msg := saleEvent("sale-1", "SaleCreated")
	msg.ID = "evt-1"
	_, err := repo.Enqueue(ctx, msg)
	require.NoError(t, err)
	_, err = repo.Enqueue(ctx, msg)
	require.NoError(t, err)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingCount)
}

func TestOutboxRepository_PostgresRejectsAndMissing(t *testing.T) {
	store := migratedTestStore(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()

	_, err := repo.Enqueue(ctx, domain.OutboxMessage{AggregateType: "sale"})
	require.ErrorIs(t, err, errOutboxMessageIncomplete)

	require.ErrorIs(t, repo.MarkSent(ctx, "missing-event"), domain.ErrOutboxPublish)
	require.ErrorIs(t, repo.MarkFailed(ctx, "missing-event"), domain.ErrOutboxPublish)
}
