package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

type enrollmentRepository struct {
	db *sql.DB
}

// NewEnrollmentRepository создаёт PostgreSQL-реализацию EnrollmentRepository.
func NewEnrollmentRepository(store *Store) domain.EnrollmentRepository {
	return &enrollmentRepository{db: store.DB()}
}

func (r *enrollmentRepository) Create(ctx context.Context, e domain.Enrollment) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO enrollments (id, buyer_id, course_id, sale_id, enrollment_type, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, e.ID, e.BuyerID, e.CourseID, nullString(e.SaleID), string(e.Type), e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return domain.ErrAlreadyEnrolled
		}
		return fmt.Errorf("insert enrollment: %w", err)
	}
	return nil
}

func (r *enrollmentRepository) Get(ctx context.Context, buyerID, courseID string) (domain.Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	e, err := scanEnrollment(r.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, course_id, sale_id, enrollment_type, created_at
		FROM enrollments
		WHERE buyer_id = $1 AND course_id = $2
	`, buyerID, courseID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Enrollment{}, domain.ErrEnrollmentNotFound
		}
		return domain.Enrollment{}, fmt.Errorf("select enrollment: %w", err)
	}
	return e, nil
}

func (r *enrollmentRepository) ListByBuyer(ctx context.Context, buyerID string) ([]domain.Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, buyer_id, course_id, sale_id, enrollment_type, created_at
		FROM enrollments
		WHERE buyer_id = $1
		ORDER BY created_at ASC, id ASC
	`, buyerID)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Enrollment, 0)
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrollments: %w", err)
	}
	return result, nil
}

func scanEnrollment(row rowScanner) (domain.Enrollment, error) {
	var (
		e       domain.Enrollment
		saleID  sql.NullString
		typeRaw string
	)
	if err := row.Scan(&e.ID, &e.BuyerID, &e.CourseID, &saleID, &typeRaw, &e.CreatedAt); err != nil {
		return domain.Enrollment{}, err
	}
	e.SaleID = saleID.String
	e.Type = domain.EnrollmentType(typeRaw)
	return e, nil
}

var _ domain.EnrollmentRepository = (*enrollmentRepository)(nil)
