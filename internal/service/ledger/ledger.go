// Package ledger владеет продажами: создание, защищённые переходы статусов,
// журнал транзакций и запуск выдачи доступа при первом COMPLETED.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	"github.com/vladislavdragonenkov/coursesales/internal/metrics"
	"github.com/vladislavdragonenkov/coursesales/internal/service/pricing"
)

const (
	defaultMaxRetries = 5
	defaultBaseDelay  = 10 * time.Millisecond
)

// Ledger — единственная точка изменения продаж.
type Ledger struct {
	sales       domain.SaleRepository
	enrollments domain.EnrollmentRepository
	catalog     domain.CourseCatalog
	activator   domain.EnrollmentActivator
	outbox      domain.OutboxRepository
	metrics     *metrics.LedgerMetrics
	logger      *log.Entry
	now         func() time.Time

	maxRetries int
	baseDelay  time.Duration
}

// Option настраивает Ledger.
type Option func(*Ledger)

// WithOutbox включает публикацию событий продаж через transactional outbox.
func WithOutbox(outbox domain.OutboxRepository) Option {
	return func(l *Ledger) {
		l.outbox = outbox
	}
}

// WithMetrics подключает Prometheus-метрики.
func WithMetrics(m *metrics.LedgerMetrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithRetry задаёт политику повторов при конфликте версий.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(l *Ledger) {
		if maxRetries > 0 {
			l.maxRetries = maxRetries
		}
		if baseDelay >= 0 {
			l.baseDelay = baseDelay
		}
	}
}

// New создаёт Ledger.
func New(
	sales domain.SaleRepository,
	enrollments domain.EnrollmentRepository,
	catalog domain.CourseCatalog,
	activator domain.EnrollmentActivator,
	logger *log.Entry,
	opts ...Option,
) *Ledger {
	if logger == nil {
		logger = log.New().WithField("component", "ledger")
	}
	l := &Ledger{
		sales:       sales,
		enrollments: enrollments,
		catalog:     catalog,
		activator:   activator,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		maxRetries:  defaultMaxRetries,
		baseDelay:   defaultBaseDelay,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateSaleRequest — запрос на покупку курса.
type CreateSaleRequest struct {
	BuyerID        string
	CourseID       string
	PaymentDetails map[string]any
	// Назначение курса администратором без оплаты.
	SpecialAssignment bool
	AssignmentReason  string
}

// CreateSale создаёт PENDING продажу с замороженной ценой.
func (l *Ledger) CreateSale(ctx context.Context, req CreateSaleRequest, caller domain.Capability) (domain.Sale, error) {
	req.BuyerID = strings.TrimSpace(req.BuyerID)
	req.CourseID = strings.TrimSpace(req.CourseID)
	if req.BuyerID == "" {
		return domain.Sale{}, domain.ErrBuyerRequired
	}
	if req.CourseID == "" {
		return domain.Sale{}, domain.ErrCourseRequired
	}
	if err := domain.AuthorizeActingFor(caller, req.BuyerID); err != nil {
		return domain.Sale{}, err
	}
	if req.SpecialAssignment {
		if !caller.Elevated() {
			return domain.Sale{}, fmt.Errorf("%w: special assignment requires elevated caller", domain.ErrForbidden)
		}
		if strings.TrimSpace(req.AssignmentReason) == "" {
			return domain.Sale{}, domain.ErrAssignmentReasonRequired
		}
	}

	if _, err := l.enrollments.Get(ctx, req.BuyerID, req.CourseID); err == nil {
		return domain.Sale{}, domain.ErrAlreadyEnrolled
	} else if !errors.Is(err, domain.ErrEnrollmentNotFound) {
		return domain.Sale{}, fmt.Errorf("check enrollment: %w", err)
	}

	course, err := l.catalog.GetCourse(ctx, req.CourseID)
	if err != nil {
		return domain.Sale{}, fmt.Errorf("get course %s: %w", req.CourseID, err)
	}

	now := l.now()
	quote, err := pricing.Calculate(course, now)
	if err != nil {
		return domain.Sale{}, fmt.Errorf("price course %s: %w", req.CourseID, err)
	}

	sale := domain.Sale{
		ID:              uuid.NewString(),
		BuyerID:         req.BuyerID,
		CourseID:        req.CourseID,
		Currency:        quote.Currency,
		NetPrice:        quote.NetPrice,
		TaxAmount:       quote.TaxAmount,
		TotalPrice:      quote.TotalPrice,
		DiscountPercent: quote.DiscountPercent,
		DiscountAmount:  quote.DiscountAmount,
		CourseFree:      quote.Free,
		Status:          domain.SaleStatusPending,
		PaymentDetails:  domain.MergeDetails(nil, req.PaymentDetails),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.SpecialAssignment {
		sale.SpecialAssignment = true
		sale.AssignedBy = caller.CallerID
		sale.AssignmentReason = strings.TrimSpace(req.AssignmentReason)
		sale.NetPrice, sale.TaxAmount, sale.TotalPrice = 0, 0, 0
		sale.DiscountAmount = 0
	}

	message := "sale created"
	if sale.SpecialAssignment {
		message = "sale created by special assignment: " + sale.AssignmentReason
	}
	sale.AppendLog(domain.SaleStatusPending, message, req.PaymentDetails, now)

	if errs := sale.ValidateInvariants(); len(errs) > 0 {
		return domain.Sale{}, errors.Join(errs...)
	}

	if err := l.sales.Create(ctx, sale); err != nil {
		return domain.Sale{}, err
	}

	l.metrics.RecordSaleCreated()
	l.logger.WithFields(log.Fields{
		"sale_id":     sale.ID,
		"buyer_id":    sale.BuyerID,
		"course_id":   sale.CourseID,
		"total_price": sale.TotalPrice,
		"currency":    sale.Currency,
	}).Info("sale created")
	l.emitEvent(ctx, sale, EventSaleCreated, map[string]any{
		"buyer_id":    sale.BuyerID,
		"course_id":   sale.CourseID,
		"total_price": sale.TotalPrice,
		"currency":    sale.Currency,
	})

	return sale, nil
}

// TransitionRequest — запрос на смену статуса.
type TransitionRequest struct {
	SaleID         string
	Target         domain.SaleStatus
	Message        string
	PaymentDetails map[string]any
	// From ограничивает допустимые исходные статусы. Пустой список снимает ограничение.
	// Нужен обработчикам вебхуков: повтор события не должен давать self-transition.
	From []domain.SaleStatus
}

// Transition применяет переход с проверкой прав и таблицы переходов.
// Конфликт версий обрабатывается перезагрузкой и повтором с exponential backoff.
func (l *Ledger) Transition(ctx context.Context, req TransitionRequest, caller domain.Capability) (domain.Sale, error) {
	if strings.TrimSpace(req.SaleID) == "" {
		return domain.Sale{}, domain.ErrSaleIDRequired
	}
	if !req.Target.Valid() {
		return domain.Sale{}, domain.ErrSaleStatusInvalid
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		message = "status changed to " + string(req.Target)
	}

	for attempt := 0; attempt < l.maxRetries; attempt++ {
		sale, err := l.sales.Get(ctx, req.SaleID)
		if err != nil {
			return domain.Sale{}, err
		}

		if err := domain.AuthorizeTransition(caller, sale, req.Target); err != nil {
			l.metrics.RecordRejectedTransition("forbidden")
			return domain.Sale{}, err
		}
		if len(req.From) > 0 && !slices.Contains(req.From, sale.Status) {
			l.metrics.RecordRejectedTransition("unexpected_status")
			return domain.Sale{}, fmt.Errorf("%w: sale is %s, expected one of %v", domain.ErrInvalidTransition, sale.Status, req.From)
		}

		previous := sale.Status
		firstCompletion, err := sale.ApplyTransition(req.Target, message, req.PaymentDetails, l.now())
		if err != nil {
			l.metrics.RecordRejectedTransition("invalid_transition")
			return domain.Sale{}, fmt.Errorf("%w: %s -> %s", err, previous, req.Target)
		}

		if err := l.sales.Save(ctx, sale); err != nil {
			if domain.IsVersionConflict(err) && attempt < l.maxRetries-1 {
				l.metrics.RecordVersionRetry()
				l.logger.WithFields(log.Fields{
					"sale_id": sale.ID,
					"attempt": attempt + 1,
					"version": sale.Version,
				}).Warn("version conflict detected, retrying")
				if waitErr := l.backoff(ctx, attempt); waitErr != nil {
					return domain.Sale{}, waitErr
				}
				continue
			}
			l.logger.WithError(err).WithFields(log.Fields{
				"sale_id": sale.ID,
				"attempt": attempt + 1,
			}).Error("failed to persist status")
			return domain.Sale{}, err
		}
		sale.Version++

		l.metrics.RecordTransition(string(previous), string(sale.Status))
		l.logger.WithFields(log.Fields{
			"sale_id": sale.ID,
			"from":    previous,
			"to":      sale.Status,
			"caller":  caller.CallerID,
		}).Info("sale status changed")
		l.emitEvent(ctx, sale, EventSaleStatusChanged, map[string]any{
			"from":   string(previous),
			"status": string(sale.Status),
			"reason": message,
		})

		if firstCompletion {
			sale = l.activate(ctx, sale)
		}
		return sale, nil
	}

	return domain.Sale{}, domain.ErrSaleVersionConflict
}

// GetSale возвращает продажу с журналом, проверяя право чтения.
func (l *Ledger) GetSale(ctx context.Context, saleID string, caller domain.Capability) (domain.Sale, error) {
	if strings.TrimSpace(saleID) == "" {
		return domain.Sale{}, domain.ErrSaleIDRequired
	}
	sale, err := l.sales.Get(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	if err := domain.AuthorizeRead(caller, sale); err != nil {
		return domain.Sale{}, err
	}
	return sale, nil
}

// ListSales возвращает продажи покупателя.
func (l *Ledger) ListSales(ctx context.Context, buyerID string, caller domain.Capability, limit int) ([]domain.Sale, error) {
	if strings.TrimSpace(buyerID) == "" {
		return nil, domain.ErrBuyerRequired
	}
	if err := domain.AuthorizeActingFor(caller, buyerID); err != nil {
		return nil, err
	}
	return l.sales.ListByBuyer(ctx, buyerID, limit)
}

// GetEnrollment возвращает зачисление покупателя на курс.
func (l *Ledger) GetEnrollment(ctx context.Context, buyerID, courseID string, caller domain.Capability) (domain.Enrollment, error) {
	if err := domain.AuthorizeActingFor(caller, buyerID); err != nil {
		return domain.Enrollment{}, err
	}
	return l.enrollments.Get(ctx, buyerID, courseID)
}

// activate выдаёт доступ после первого COMPLETED. Ошибка активации не откатывает статус:
// в журнал пишется отдельная запись, продажу подхватит backfill.
func (l *Ledger) activate(ctx context.Context, sale domain.Sale) domain.Sale {
	if l.activator == nil {
		return sale
	}

	start := time.Now()
	enrollment, err := l.activator.Activate(ctx, domain.ActivationRequestFromSale(sale))
	l.metrics.RecordStepDuration(string(domain.PaymentStepActivate), time.Since(start))
	if domain.ActivationSucceeded(sale.ID, enrollment, err) {
		return sale
	}

	l.metrics.RecordActivationFailure()
	l.logger.WithError(err).WithFields(log.Fields{
		"sale_id":   sale.ID,
		"buyer_id":  sale.BuyerID,
		"course_id": sale.CourseID,
	}).Error("enrollment activation failed after completion")

	updated, logErr := l.AppendLogEntry(ctx, sale.ID, ActivationFailureMessage(err))
	if logErr != nil {
		l.logger.WithError(logErr).WithField("sale_id", sale.ID).Error("failed to record activation failure")
		return sale
	}
	l.emitEvent(ctx, updated, EventEnrollmentActivationFailed, map[string]any{
		"reason": errorText(err),
	})
	return updated
}

// BackfillEnrollment повторяет выдачу доступа для COMPLETED продажи, у которой её нет.
// Уже выданный доступ возвращается без изменений.
func (l *Ledger) BackfillEnrollment(ctx context.Context, saleID string, caller domain.Capability) (domain.Enrollment, error) {
	if !caller.Elevated() {
		return domain.Enrollment{}, domain.ErrForbidden
	}
	sale, err := l.sales.Get(ctx, saleID)
	if err != nil {
		return domain.Enrollment{}, err
	}
	if sale.Status != domain.SaleStatusCompleted {
		return domain.Enrollment{}, fmt.Errorf("%w: backfill requires COMPLETED sale, got %s", domain.ErrInvalidTransition, sale.Status)
	}

	existing, err := l.enrollments.Get(ctx, sale.BuyerID, sale.CourseID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrEnrollmentNotFound) {
		return domain.Enrollment{}, err
	}
	if l.activator == nil {
		return domain.Enrollment{}, fmt.Errorf("enrollment activator is not configured")
	}

	enrollment, err := l.activator.Activate(ctx, domain.ActivationRequestFromSale(sale))
	if !domain.ActivationSucceeded(sale.ID, enrollment, err) {
		l.metrics.RecordActivationFailure()
		return domain.Enrollment{}, err
	}

	l.metrics.RecordBackfill()
	if _, logErr := l.AppendLogEntry(ctx, sale.ID, "enrollment activated by backfill ("+caller.CallerID+")"); logErr != nil {
		l.logger.WithError(logErr).WithField("sale_id", sale.ID).Warn("failed to record backfill in sale log")
	}
	l.logger.WithFields(log.Fields{
		"sale_id":   sale.ID,
		"buyer_id":  sale.BuyerID,
		"course_id": sale.CourseID,
	}).Info("enrollment backfilled")
	return enrollment, nil
}

// AppendLogEntry дописывает запись в журнал без смены статуса.
func (l *Ledger) AppendLogEntry(ctx context.Context, saleID, message string) (domain.Sale, error) {
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		sale, err := l.sales.Get(ctx, saleID)
		if err != nil {
			return domain.Sale{}, err
		}
		sale.AppendLog(sale.Status, message, nil, l.now())

		if err := l.sales.Save(ctx, sale); err != nil {
			if domain.IsVersionConflict(err) && attempt < l.maxRetries-1 {
				l.metrics.RecordVersionRetry()
				if waitErr := l.backoff(ctx, attempt); waitErr != nil {
					return domain.Sale{}, waitErr
				}
				continue
			}
			return domain.Sale{}, err
		}
		sale.Version++
		return sale, nil
	}
	return domain.Sale{}, domain.ErrSaleVersionConflict
}

// ActivationFailureMessage — текст записи журнала, по которой backfill находит продажу.
func ActivationFailureMessage(err error) string {
	return ActivationFailurePrefix + errorText(err)
}

// ActivationFailurePrefix начинает запись журнала о неудачной активации.
const ActivationFailurePrefix = "enrollment activation failed: "

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func (l *Ledger) backoff(ctx context.Context, attempt int) error {
	delay := l.baseDelay * time.Duration(1<<uint(attempt))
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
