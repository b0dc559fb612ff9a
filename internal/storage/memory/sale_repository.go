package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

type pairKey struct {
	buyerID  string
	courseID string
}

// saleRepositoryInMemory — in-memory реализация SaleRepository.
// Индекс inFlight защищён тем же мьютексом, что и items, поэтому проверка и вставка атомарны.
type saleRepositoryInMemory struct {
	mu       sync.RWMutex
	items    map[string]domain.Sale
	inFlight map[pairKey]string
}

// NewSaleRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewSaleRepository() domain.SaleRepository {
	return &saleRepositoryInMemory{
		items:    make(map[string]domain.Sale),
		inFlight: make(map[pairKey]string),
	}
}

// Create сохраняет новую продажу, если ID свободен и по паре нет in-flight продажи.
func (r *saleRepositoryInMemory) Create(_ context.Context, sale domain.Sale) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[sale.ID]; exists {
		return domain.ErrSaleAlreadyExists
	}
	key := pairKey{buyerID: sale.BuyerID, courseID: sale.CourseID}
	if sale.Status.IsInFlight() {
		if _, busy := r.inFlight[key]; busy {
			return domain.ErrInFlightSaleExists
		}
		r.inFlight[key] = sale.ID
	}

	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	r.items[sale.ID] = sale.Clone()
	return nil
}

// Get возвращает продажу или ErrSaleNotFound, если её нет.
func (r *saleRepositoryInMemory) Get(_ context.Context, id string) (domain.Sale, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sale, ok := r.items[id]
	if !ok {
		return domain.Sale{}, domain.ErrSaleNotFound
	}
	return sale.Clone(), nil
}

func (r *saleRepositoryInMemory) FindByProviderRef(_ context.Context, ref string) (domain.Sale, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ref == "" {
		return domain.Sale{}, domain.ErrSaleNotFound
	}
	for _, sale := range r.items {
		if sale.ProviderRef == ref {
			return sale.Clone(), nil
		}
	}
	return domain.Sale{}, domain.ErrSaleNotFound
}

// ListByBuyer возвращает продажи покупателя, ограничивая выборку limit (если >0).
func (r *saleRepositoryInMemory) ListByBuyer(_ context.Context, buyerID string, limit int) ([]domain.Sale, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Sale, 0)
	for _, sale := range r.items {
		if sale.BuyerID != buyerID {
			continue
		}
		result = append(result, sale.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *saleRepositoryInMemory) ListByStatus(_ context.Context, statuses []domain.SaleStatus, updatedBefore time.Time, limit int) ([]domain.Sale, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wanted := make(map[domain.SaleStatus]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}

	result := make([]domain.Sale, 0)
	for _, sale := range r.items {
		if _, ok := wanted[sale.Status]; !ok {
			continue
		}
		if !updatedBefore.IsZero() && sale.UpdatedAt.After(updatedBefore) {
			continue
		}
		result = append(result, sale.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.Before(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Save перезаписывает продажу, проверяя версию (optimistic locking).
func (r *saleRepositoryInMemory) Save(_ context.Context, sale domain.Sale) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[sale.ID]
	if !ok {
		return domain.ErrSaleNotFound
	}
	if current.Version != sale.Version {
		return domain.ErrSaleVersionConflict
	}
	if err := domain.CheckAppendOnly(current, sale); err != nil {
		return err
	}

	key := pairKey{buyerID: current.BuyerID, courseID: current.CourseID}
	switch {
	case sale.Status.IsInFlight() && !current.Status.IsInFlight():
		// FAILED/CANCELLED -> PENDING: пара снова занимает in-flight слот.
		if owner, busy := r.inFlight[key]; busy && owner != sale.ID {
			return domain.ErrInFlightSaleExists
		}
		r.inFlight[key] = sale.ID
	case !sale.Status.IsInFlight() && current.Status.IsInFlight():
		if r.inFlight[key] == sale.ID {
			delete(r.inFlight, key)
		}
	}

	// Инкрементируем версию перед сохранением.
	sale.Version++
	r.items[sale.ID] = sale.Clone()
	return nil
}

var _ domain.SaleRepository = (*saleRepositoryInMemory)(nil)
