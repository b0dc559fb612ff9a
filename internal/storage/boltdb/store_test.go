package boltdb

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "data", "sales.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newSale(id, buyerID, courseID string, at time.Time) domain.Sale {
	sale := domain.Sale{
		ID:              id,
		BuyerID:         buyerID,
		CourseID:        courseID,
		Currency:        "EUR",
		NetPrice:        7000,
		TaxAmount:       1330,
		TotalPrice:      8330,
		DiscountPercent: decimal.RequireFromString("30"),
		DiscountAmount:  3000,
		Status:          domain.SaleStatusPending,
		PaymentDetails:  map[string]any{"method": "card"},
		CreatedAt:       at,
		UpdatedAt:       at,
	}
	sale.AppendLog(domain.SaleStatusPending, "sale created", nil, at)
	return sale
}

func TestStorePing(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Ping(context.Background()))

	var nilStore *Store
	require.Error(t, nilStore.Ping(context.Background()))
	require.NoError(t, nilStore.Close())
}

func TestSaleRepository_DocumentRoundTrip(t *testing.T) {
	store := openTestStore(t)
	repo := NewSaleRepository(store)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	sale := newSale("sale-1", "buyer-1", "course-1", now)
	require.NoError(t, repo.Create(ctx, sale))
	require.ErrorIs(t, repo.Create(ctx, sale), domain.ErrSaleAlreadyExists)

	got, err := repo.Get(ctx, "sale-1")
	require.NoError(t, err)
	assert.True(t, got.DiscountPercent.Equal(decimal.NewFromInt(30)))
	assert.Equal(t, int64(8330), got.TotalPrice)
	assert.Equal(t, "card", got.PaymentDetails["method"])
	require.Len(t, got.TransactionLog, 1)
	assert.Equal(t, "sale created", got.TransactionLog[0].Message)

	_, err = got.ApplyTransition(domain.SaleStatusProcessing, "transaction created",
		map[string]any{domain.DetailPaymentToken: "tok-1"}, now.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, got))
	require.ErrorIs(t, repo.Save(ctx, got), domain.ErrSaleVersionConflict)

	byRef, err := repo.FindByProviderRef(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "sale-1", byRef.ID)
	assert.EqualValues(t, 1, byRef.Version)
	assert.Len(t, byRef.TransactionLog, 2)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrSaleNotFound)
	_, err = repo.FindByProviderRef(ctx, "tok-missing")
	require.ErrorIs(t, err, domain.ErrSaleNotFound)
}

func TestSaleRepository_SaveKeepsHistoryAppendOnly(t *testing.T) {
	store := openTestStore(t)
	repo := NewSaleRepository(store)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, newSale("sale-1", "buyer-1", "course-1", now)))

	cheaper, err := repo.Get(ctx, "sale-1")
	require.NoError(t, err)
	cheaper.NetPrice, cheaper.TaxAmount, cheaper.TotalPrice = 100, 19, 119
	require.ErrorIs(t, repo.Save(ctx, cheaper), domain.ErrSaleHistoryRewrite)

	rewritten, err := repo.Get(ctx, "sale-1")
	require.NoError(t, err)
	rewritten.TransactionLog[0].Message = "sale created by admin"
	require.ErrorIs(t, repo.Save(ctx, rewritten), domain.ErrSaleHistoryRewrite)

	truncated, err := repo.Get(ctx, "sale-1")
	require.NoError(t, err)
	truncated.TransactionLog = nil
	require.ErrorIs(t, repo.Save(ctx, truncated), domain.ErrSaleHistoryRewrite)

	stored, err := repo.Get(ctx, "sale-1")
	require.NoError(t, err)
	assert.Equal(t, int64(8330), stored.TotalPrice)
	assert.Zero(t, stored.Version)
	require.Len(t, stored.TransactionLog, 1)
	assert.Equal(t, "sale created", stored.TransactionLog[0].Message)

	_, err = stored.ApplyTransition(domain.SaleStatusProcessing, "transaction created", nil, now.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, stored))
}

func TestSaleRepository_InFlightIndex(t *testing.T) {
	store := openTestStore(t)
	repo := NewSaleRepository(store)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, newSale("sale-1", "buyer-1", "course-1", now)))
	require.ErrorIs(t, repo.Create(ctx, newSale("sale-2", "buyer-1", "course-1", now)), domain.ErrInFlightSaleExists)
	require.NoError(t, repo.Create(ctx, newSale("sale-3", "buyer-1", "course-2", now)))

	first, err := repo.Get(ctx, "sale-1")
	require.NoError(t, err)
	_, err = first.ApplyTransition(domain.SaleStatusFailed, "declined", nil, now.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, first))

	require.NoError(t, repo.Create(ctx, newSale("sale-2", "buyer-1", "course-1", now.Add(2*time.Minute))))

	failed, err := repo.Get(ctx, "sale-1")
	require.NoError(t, err)
	_, err = failed.ApplyTransition(domain.SaleStatusPending, "retry", nil, now.Add(3*time.Minute))
	require.NoError(t, err)
	require.ErrorIs(t, repo.Save(ctx, failed), domain.ErrInFlightSaleExists)
}

func TestSaleRepository_ConcurrentCreateSinglePair(t *testing.T) {
	store := openTestStore(t)
	repo := NewSaleRepository(store)
	ctx := context.Background()
	now := time.Now().UTC()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := repo.Create(ctx, newSale(fmt.Sprintf("sale-%d", i), "buyer-1", "course-1", now)); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestSaleRepository_Lists(t *testing.T) {
	store := openTestStore(t)
	repo := NewSaleRepository(store)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, newSale("sale-1", "buyer-1", "course-1", now.Add(-2*time.Hour))))
	require.NoError(t, repo.Create(ctx, newSale("sale-2", "buyer-1", "course-2", now.Add(-time.Hour))))
	require.NoError(t, repo.Create(ctx, newSale("sale-3", "buyer-2", "course-1", now)))

	listed, err := repo.ListByBuyer(ctx, "buyer-1", 0)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "sale-2", listed[0].ID)

	stale, err := repo.ListByStatus(ctx, []domain.SaleStatus{domain.SaleStatusPending}, now.Add(-30*time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "sale-1", stale[0].ID)
}

func TestEnrollmentRepository(t *testing.T) {
	store := openTestStore(t)
	repo := NewEnrollmentRepository(store)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	e := domain.Enrollment{ID: "enr-1", BuyerID: "buyer-1", CourseID: "course-1", SaleID: "sale-1", Type: domain.EnrollmentTypePaid, CreatedAt: now}
	require.NoError(t, repo.Create(ctx, e))
	require.ErrorIs(t, repo.Create(ctx, e), domain.ErrAlreadyEnrolled)
	require.NoError(t, repo.Create(ctx, domain.Enrollment{ID: "enr-2", BuyerID: "buyer-1", CourseID: "course-2", Type: domain.EnrollmentTypeFree, CreatedAt: now.Add(time.Minute)}))
	require.NoError(t, repo.Create(ctx, domain.Enrollment{ID: "enr-3", BuyerID: "buyer-10", CourseID: "course-1", Type: domain.EnrollmentTypeFree, CreatedAt: now}))

	got, err := repo.Get(ctx, "buyer-1", "course-1")
	require.NoError(t, err)
	assert.Equal(t, e, got)

	_, err = repo.Get(ctx, "buyer-2", "course-1")
	require.ErrorIs(t, err, domain.ErrEnrollmentNotFound)

	// префикс buyer-1 не захватывает buyer-10
	list, err := repo.ListByBuyer(ctx, "buyer-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "enr-1", list[0].ID)
}

func TestOutboxRepository(t *testing.T) {
	store := openTestStore(t)
	repo := NewOutboxRepository(store)
	ctx := context.Background()

	first, err := repo.Enqueue(ctx, domain.OutboxMessage{AggregateType: "sale", AggregateID: "sale-1", EventType: "SaleCreated", Payload: []byte(`{"sale_id":"sale-1"}`)})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	second, err := repo.Enqueue(ctx, domain.OutboxMessage{ID: "fixed", AggregateType: "sale", AggregateID: "sale-1", EventType: "SaleStatusChanged", Payload: []byte(`{}`)})
	require.NoError(t, err)

	pending, err := repo.PullPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.JSONEq(t, `{"sale_id":"sale-1"}`, string(pending[0].Payload))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingCount)
	assert.False(t, stats.OldestPendingAt.IsZero())

	require.NoError(t, repo.MarkSent(ctx, first.ID))
	require.NoError(t, repo.MarkFailed(ctx, second.ID))
	require.ErrorIs(t, repo.MarkSent(ctx, "missing"), domain.ErrOutboxPublish)

	pending, err = repo.PullPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
