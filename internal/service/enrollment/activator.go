// Package enrollment выдаёт доступ к курсу после завершения продажи.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

// Activator создаёт Enrollment; уникальность пары обеспечивает хранилище.
type Activator struct {
	repo   domain.EnrollmentRepository
	logger *log.Entry
	now    func() time.Time
}

// NewActivator создаёт активатор поверх репозитория зачислений.
func NewActivator(repo domain.EnrollmentRepository, logger *log.Entry) *Activator {
	if logger == nil {
		logger = log.New().WithField("component", "enrollment-activator")
	}
	return &Activator{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Activate создаёт зачисление. Если доступ уже есть, возвращает существующую запись
// вместе с ErrAlreadyEnrolled: вызывающий сравнивает SaleID и решает, успех это или нет.
func (a *Activator) Activate(ctx context.Context, req domain.ActivationRequest) (domain.Enrollment, error) {
	if strings.TrimSpace(req.BuyerID) == "" {
		return domain.Enrollment{}, domain.ErrBuyerRequired
	}
	if strings.TrimSpace(req.CourseID) == "" {
		return domain.Enrollment{}, domain.ErrCourseRequired
	}
	if strings.TrimSpace(req.SaleID) == "" {
		return domain.Enrollment{}, domain.ErrSaleIDRequired
	}
	if req.Type == "" {
		req.Type = domain.EnrollmentTypePaid
	}

	enrollment := domain.Enrollment{
		ID:        uuid.NewString(),
		BuyerID:   req.BuyerID,
		CourseID:  req.CourseID,
		SaleID:    req.SaleID,
		Type:      req.Type,
		CreatedAt: a.now(),
	}

	err := a.repo.Create(ctx, enrollment)
	if err == nil {
		a.logger.WithFields(log.Fields{
			"buyer_id":   req.BuyerID,
			"course_id":  req.CourseID,
			"sale_id":    req.SaleID,
			"enrollment": enrollment.ID,
			"type":       req.Type,
		}).Info("enrollment activated")
		return enrollment, nil
	}

	if !errors.Is(err, domain.ErrAlreadyEnrolled) {
		return domain.Enrollment{}, fmt.Errorf("create enrollment: %w", err)
	}

	existing, getErr := a.repo.Get(ctx, req.BuyerID, req.CourseID)
	if getErr != nil {
		return domain.Enrollment{}, errors.Join(domain.ErrAlreadyEnrolled, getErr)
	}
	a.logger.WithFields(log.Fields{
		"buyer_id":        req.BuyerID,
		"course_id":       req.CourseID,
		"sale_id":         req.SaleID,
		"current_sale_id": existing.SaleID,
	}).Debug("buyer already enrolled")
	return existing, domain.ErrAlreadyEnrolled
}

var _ domain.EnrollmentActivator = (*Activator)(nil)
