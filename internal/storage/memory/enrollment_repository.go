package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

type enrollmentRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[pairKey]domain.Enrollment
}

// NewEnrollmentRepository создаёт in-memory реализацию EnrollmentRepository.
func NewEnrollmentRepository() domain.EnrollmentRepository {
	return &enrollmentRepositoryInMemory{items: make(map[pairKey]domain.Enrollment)}
}

func (r *enrollmentRepositoryInMemory) Create(_ context.Context, enrollment domain.Enrollment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey{buyerID: enrollment.BuyerID, courseID: enrollment.CourseID}
	if _, exists := r.items[key]; exists {
		return domain.ErrAlreadyEnrolled
	}
	r.items[key] = enrollment
	return nil
}

func (r *enrollmentRepositoryInMemory) Get(_ context.Context, buyerID, courseID string) (domain.Enrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	enrollment, ok := r.items[pairKey{buyerID: buyerID, courseID: courseID}]
	if !ok {
		return domain.Enrollment{}, domain.ErrEnrollmentNotFound
	}
	return enrollment, nil
}

func (r *enrollmentRepositoryInMemory) ListByBuyer(_ context.Context, buyerID string) ([]domain.Enrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Enrollment, 0)
	for key, enrollment := range r.items {
		if key.buyerID == buyerID {
			result = append(result, enrollment)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

var _ domain.EnrollmentRepository = (*enrollmentRepositoryInMemory)(nil)
