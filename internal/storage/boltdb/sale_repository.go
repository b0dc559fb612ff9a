package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	bolt "go.etcd.io/bbolt"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

// saleDocument — формат хранения продажи.
type saleDocument struct {
	ID                string            `json:"id"`
	BuyerID           string            `json:"buyer_id"`
	CourseID          string            `json:"course_id"`
	Currency          string            `json:"currency"`
	NetPrice          int64             `json:"net_price"`
	TaxAmount         int64             `json:"tax_amount"`
	TotalPrice        int64             `json:"total_price"`
	DiscountPercent   decimal.Decimal   `json:"discount_percent"`
	DiscountAmount    int64             `json:"discount_amount"`
	CourseFree        bool              `json:"course_free"`
	Status            domain.SaleStatus `json:"status"`
	PaymentDetails    map[string]any    `json:"payment_details,omitempty"`
	ProviderRef       string            `json:"provider_ref,omitempty"`
	TransactionLog    []logDocument     `json:"transaction_log"`
	PaidAt            *time.Time        `json:"paid_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	SpecialAssignment bool              `json:"special_assignment,omitempty"`
	AssignedBy        string            `json:"assigned_by,omitempty"`
	AssignmentReason  string            `json:"assignment_reason,omitempty"`
	Version           int64             `json:"version"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

type logDocument struct {
	Seq            int               `json:"seq"`
	Timestamp      time.Time         `json:"ts"`
	Status         domain.SaleStatus `json:"status"`
	Message        string            `json:"message"`
	PaymentDetails map[string]any    `json:"payment_details,omitempty"`
}

func toDocument(s domain.Sale) saleDocument {
	doc := saleDocument{
		ID: s.ID, BuyerID: s.BuyerID, CourseID: s.CourseID, Currency: s.Currency,
		NetPrice: s.NetPrice, TaxAmount: s.TaxAmount, TotalPrice: s.TotalPrice,
		DiscountPercent: s.DiscountPercent, DiscountAmount: s.DiscountAmount, CourseFree: s.CourseFree,
		Status: s.Status, PaymentDetails: s.PaymentDetails, ProviderRef: s.ProviderRef,
		PaidAt: s.PaidAt, CompletedAt: s.CompletedAt,
		SpecialAssignment: s.SpecialAssignment, AssignedBy: s.AssignedBy, AssignmentReason: s.AssignmentReason,
		Version: s.Version, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
		TransactionLog: make([]logDocument, 0, len(s.TransactionLog)),
	}
	for _, e := range s.TransactionLog {
		doc.TransactionLog = append(doc.TransactionLog, logDocument{
			Seq: e.Seq, Timestamp: e.Timestamp, Status: e.Status, Message: e.Message, PaymentDetails: e.PaymentDetails,
		})
	}
	return doc
}

func (d saleDocument) toDomain() domain.Sale {
	s := domain.Sale{
		ID: d.ID, BuyerID: d.BuyerID, CourseID: d.CourseID, Currency: d.Currency,
		NetPrice: d.NetPrice, TaxAmount: d.TaxAmount, TotalPrice: d.TotalPrice,
		DiscountPercent: d.DiscountPercent, DiscountAmount: d.DiscountAmount, CourseFree: d.CourseFree,
		Status: d.Status, PaymentDetails: d.PaymentDetails, ProviderRef: d.ProviderRef,
		PaidAt: d.PaidAt, CompletedAt: d.CompletedAt,
		SpecialAssignment: d.SpecialAssignment, AssignedBy: d.AssignedBy, AssignmentReason: d.AssignmentReason,
		Version: d.Version, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
		TransactionLog: make([]domain.TransactionLogEntry, 0, len(d.TransactionLog)),
	}
	for _, e := range d.TransactionLog {
		s.TransactionLog = append(s.TransactionLog, domain.TransactionLogEntry{
			Seq: e.Seq, Timestamp: e.Timestamp, Status: e.Status, Message: e.Message, PaymentDetails: e.PaymentDetails,
		})
	}
	return s
}

type saleRepository struct {
	db *bolt.DB
}

// NewSaleRepository создаёт bbolt-реализацию SaleRepository.
func NewSaleRepository(store *Store) domain.SaleRepository {
	return &saleRepository{db: store.db}
}

func (r *saleRepository) Create(_ context.Context, sale domain.Sale) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		sales := tx.Bucket(bucketSales)
		if sales.Get([]byte(sale.ID)) != nil {
			return domain.ErrSaleAlreadyExists
		}
		if sale.Status.IsInFlight() {
			key := pairKey(sale.BuyerID, sale.CourseID)
			inFlight := tx.Bucket(bucketInFlight)
			if inFlight.Get(key) != nil {
				return domain.ErrInFlightSaleExists
			}
			if err := inFlight.Put(key, []byte(sale.ID)); err != nil {
				return err
			}
		}
		if err := putProviderRef(tx, sale); err != nil {
			return err
		}
		return putSale(sales, sale)
	})
}

func (r *saleRepository) Get(_ context.Context, id string) (domain.Sale, error) {
	var sale domain.Sale
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		sale, err = getSale(tx.Bucket(bucketSales), id)
		return err
	})
	return sale, err
}

func (r *saleRepository) FindByProviderRef(_ context.Context, ref string) (domain.Sale, error) {
	if ref == "" {
		return domain.Sale{}, domain.ErrSaleNotFound
	}
	var sale domain.Sale
	err := r.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketProviderRef).Get([]byte(ref))
		if id == nil {
			return domain.ErrSaleNotFound
		}
		var err error
		sale, err = getSale(tx.Bucket(bucketSales), string(id))
		return err
	})
	return sale, err
}

// ListByBuyer и ListByStatus проходят bucket целиком: хранилище рассчитано на локальный запуск.
func (r *saleRepository) ListByBuyer(_ context.Context, buyerID string, limit int) ([]domain.Sale, error) {
	result, err := r.scan(func(s domain.Sale) bool { return s.BuyerID == buyerID })
	if err != nil {
		return nil, err
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

func (r *saleRepository) ListByStatus(_ context.Context, statuses []domain.SaleStatus, updatedBefore time.Time, limit int) ([]domain.Sale, error) {
	wanted := make(map[domain.SaleStatus]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}
	result, err := r.scan(func(s domain.Sale) bool {
		if _, ok := wanted[s.Status]; !ok {
			return false
		}
		return updatedBefore.IsZero() || !s.UpdatedAt.After(updatedBefore)
	})
	if err != nil {
		return nil, err
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

func (r *saleRepository) Save(_ context.Context, sale domain.Sale) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		sales := tx.Bucket(bucketSales)
		current, err := getSale(sales, sale.ID)
		if err != nil {
			return err
		}
		if current.Version != sale.Version {
			return domain.ErrSaleVersionConflict
		}
		if err := domain.CheckAppendOnly(current, sale); err != nil {
			return err
		}

		key := pairKey(current.BuyerID, current.CourseID)
		inFlight := tx.Bucket(bucketInFlight)
		switch {
		case sale.Status.IsInFlight() && !current.Status.IsInFlight():
			if owner := inFlight.Get(key); owner != nil && string(owner) != sale.ID {
				return domain.ErrInFlightSaleExists
			}
			if err := inFlight.Put(key, []byte(sale.ID)); err != nil {
				return err
			}
		case !sale.Status.IsInFlight() && current.Status.IsInFlight():
			if owner := inFlight.Get(key); string(owner) == sale.ID {
				if err := inFlight.Delete(key); err != nil {
					return err
				}
			}
		}

		if err := putProviderRef(tx, sale); err != nil {
			return err
		}
		sale.Version++
		return putSale(sales, sale)
	})
}

func (r *saleRepository) scan(match func(domain.Sale) bool) ([]domain.Sale, error) {
	result := make([]domain.Sale, 0)
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSales).ForEach(func(_, v []byte) error {
			var doc saleDocument
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("decode sale document: %w", err)
			}
			sale := doc.toDomain()
			if match(sale) {
				result = append(result, sale)
			}
			return nil
		})
	})
	return result, err
}

func getSale(b *bolt.Bucket, id string) (domain.Sale, error) {
	raw := b.Get([]byte(id))
	if raw == nil {
		return domain.Sale{}, domain.ErrSaleNotFound
	}
	var doc saleDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.Sale{}, fmt.Errorf("decode sale document: %w", err)
	}
	return doc.toDomain(), nil
}

func putSale(b *bolt.Bucket, sale domain.Sale) error {
	raw, err := json.Marshal(toDocument(sale))
	if err != nil {
		return fmt.Errorf("encode sale document: %w", err)
	}
	return b.Put([]byte(sale.ID), raw)
}

func putProviderRef(tx *bolt.Tx, sale domain.Sale) error {
	if sale.ProviderRef == "" {
		return nil
	}
	return tx.Bucket(bucketProviderRef).Put([]byte(sale.ProviderRef), []byte(sale.ID))
}

var _ domain.SaleRepository = (*saleRepository)(nil)
