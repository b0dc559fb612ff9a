package boltdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

type enrollmentDocument struct {
	ID        string                `json:"id"`
	BuyerID   string                `json:"buyer_id"`
	CourseID  string                `json:"course_id"`
	SaleID    string                `json:"sale_id,omitempty"`
	Type      domain.EnrollmentType `json:"type"`
	CreatedAt time.Time             `json:"created_at"`
}

type enrollmentRepository struct {
	db *bolt.DB
}

// NewEnrollmentRepository создаёт bbolt-реализацию EnrollmentRepository.
// Ключ записи составлен из покупателя и курса, дубликат ловится одной проверкой в транзакции.
func NewEnrollmentRepository(store *Store) domain.EnrollmentRepository {
	return &enrollmentRepository{db: store.db}
}

func (r *enrollmentRepository) Create(_ context.Context, e domain.Enrollment) error {
	raw, err := json.Marshal(enrollmentDocument(e))
	if err != nil {
		return fmt.Errorf("encode enrollment: %w", err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollments)
		key := pairKey(e.BuyerID, e.CourseID)
		if b.Get(key) != nil {
			return domain.ErrAlreadyEnrolled
		}
		return b.Put(key, raw)
	})
}

func (r *enrollmentRepository) Get(_ context.Context, buyerID, courseID string) (domain.Enrollment, error) {
	var e domain.Enrollment
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEnrollments).Get(pairKey(buyerID, courseID))
		if raw == nil {
			return domain.ErrEnrollmentNotFound
		}
		var doc enrollmentDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("decode enrollment: %w", err)
		}
		e = domain.Enrollment(doc)
		return nil
	})
	return e, err
}

func (r *enrollmentRepository) ListByBuyer(_ context.Context, buyerID string) ([]domain.Enrollment, error) {
	result := make([]domain.Enrollment, 0)
	prefix := []byte(buyerID + "\x00")
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEnrollments).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var doc enrollmentDocument
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("decode enrollment: %w", err)
			}
			result = append(result, domain.Enrollment(doc))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

var _ domain.EnrollmentRepository = (*enrollmentRepository)(nil)
