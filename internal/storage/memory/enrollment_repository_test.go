package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	"github.com/vladislavdragonenkov/coursesales/internal/storage/memory"
)

func TestEnrollmentRepository_UniquePair(t *testing.T) {
	repo := memory.NewEnrollmentRepository()
	ctx := context.Background()

	enrollment := domain.Enrollment{
		ID:        "enr-1",
		BuyerID:   "buyer-1",
		CourseID:  "course-1",
		SaleID:    "sale-1",
		Type:      domain.EnrollmentTypePaid,
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.Create(ctx, enrollment); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	dup := enrollment
	dup.ID = "enr-2"
	if err := repo.Create(ctx, dup); !errors.Is(err, domain.ErrAlreadyEnrolled) {
		t.Fatalf("expected ErrAlreadyEnrolled, got %v", err)
	}

	got, err := repo.Get(ctx, "buyer-1", "course-1")
	if err != nil || got.ID != "enr-1" {
		t.Fatalf("get: %+v %v", got, err)
	}

	if _, err := repo.Get(ctx, "buyer-1", "course-2"); !errors.Is(err, domain.ErrEnrollmentNotFound) {
		t.Fatalf("expected ErrEnrollmentNotFound, got %v", err)
	}

	list, err := repo.ListByBuyer(ctx, "buyer-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %+v %v", list, err)
	}
}
