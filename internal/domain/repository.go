package domain

import (
	"context"
	"time"
)

// SaleRepository описывает требования к хранилищу продаж.
// Реализации обязаны проверять отсутствие in-flight продажи атомарно со вставкой.
type SaleRepository interface {
	// Create сохраняет новую продажу вместе с журналом.
	// ErrInFlightSaleExists — по паре (buyer, course) уже есть PENDING/PROCESSING продажа.
	Create(ctx context.Context, sale Sale) error
	// Get возвращает продажу с журналом или ErrSaleNotFound.
	Get(ctx context.Context, id string) (Sale, error)
	// FindByProviderRef ищет продажу по токену транзакции провайдера.
	FindByProviderRef(ctx context.Context, ref string) (Sale, error)
	// ListByBuyer возвращает продажи покупателя, новые первыми.
	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]Sale, error)
	// ListByStatus возвращает продажи в указанных статусах, обновлённые не позже updatedBefore
	// (нулевое время снимает ограничение), старые первыми.
	ListByStatus(ctx context.Context, statuses []SaleStatus, updatedBefore time.Time, limit int) ([]Sale, error)
	// Save применяет изменения, если сохранённая версия равна sale.Version, и дописывает новые записи журнала.
	Save(ctx context.Context, sale Sale) error
}

// EnrollmentRepository хранит зачисления; пара (buyer, course) уникальна.
type EnrollmentRepository interface {
	// Create возвращает ErrAlreadyEnrolled при повторе пары.
	Create(ctx context.Context, enrollment Enrollment) error
	Get(ctx context.Context, buyerID, courseID string) (Enrollment, error)
	ListByBuyer(ctx context.Context, buyerID string) ([]Enrollment, error)
}
