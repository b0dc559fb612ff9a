// Package reconcile доводит продажи, застрявшие без вебхука, и выдаёт доступ
// по COMPLETED продажам, у которых активация когда-то не прошла.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	"github.com/vladislavdragonenkov/coursesales/internal/service/checkout"
)

const (
	defaultSchedule   = "@every 5m"
	defaultStaleAfter = 15 * time.Minute
	defaultBatchSize  = 100
)

// SaleLister выбирает продажи по статусу.
type SaleLister interface {
	ListByStatus(ctx context.Context, statuses []domain.SaleStatus, updatedBefore time.Time, limit int) ([]domain.Sale, error)
}

// EnrollmentFinder проверяет наличие доступа.
type EnrollmentFinder interface {
	Get(ctx context.Context, buyerID, courseID string) (domain.Enrollment, error)
}

// PaymentProcessor повторно подтверждает транзакцию продажи у провайдера.
type PaymentProcessor interface {
	Process(ctx context.Context, req checkout.Request, caller domain.Capability) (checkout.Result, error)
}

// Backfiller выдаёт доступ по COMPLETED продаже.
type Backfiller interface {
	BackfillEnrollment(ctx context.Context, saleID string, caller domain.Capability) (domain.Enrollment, error)
}

// Config задаёт расписание и пороги сверки.
type Config struct {
	// Schedule — выражение robfig/cron, например "@every 5m" или "*/10 * * * *".
	Schedule   string
	StaleAfter time.Duration
	BatchSize  int
}

// Report — итог одного прохода.
type Report struct {
	StaleChecked  int
	Confirmed     int
	Failed        int
	StillPending  int
	Backfilled    int
	BackfillFails int
}

// Sweeper выполняет сверку по расписанию.
type Sweeper struct {
	sales       SaleLister
	enrollments EnrollmentFinder
	processor   PaymentProcessor
	backfiller  Backfiller
	cfg         Config
	logger      *log.Entry
	caller      domain.Capability
	now         func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper создаёт сверщик. processor или backfiller могут быть nil: соответствующий проход пропускается.
func NewSweeper(sales SaleLister, enrollments EnrollmentFinder, processor PaymentProcessor, backfiller Backfiller, cfg Config, logger *log.Entry) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if logger == nil {
		logger = log.WithField("component", "reconcile-sweeper")
	}
	return &Sweeper{
		sales:       sales,
		enrollments: enrollments,
		processor:   processor,
		backfiller:  backfiller,
		cfg:         cfg,
		logger:      logger,
		caller:      domain.SystemCapability("reconcile"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start регистрирует задачу в cron. Повторный вызов ничего не делает.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(s.logger))))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).Error("reconciliation run failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.WithField("schedule", s.cfg.Schedule).Info("reconciliation sweeper started")
	return nil
}

// Stop останавливает cron и ждёт текущий проход, но не дольше ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	s.logger.Info("reconciliation sweeper stopped")
}

// RunOnce выполняет оба прохода: застрявшие PROCESSING и backfill доступа.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	var errs []error

	if err := s.sweepStale(ctx, &report); err != nil {
		errs = append(errs, fmt.Errorf("stale sweep: %w", err))
	}
	if err := s.backfill(ctx, &report); err != nil {
		errs = append(errs, fmt.Errorf("backfill: %w", err))
	}

	s.logger.WithFields(log.Fields{
		"stale_checked":  report.StaleChecked,
		"confirmed":      report.Confirmed,
		"failed":         report.Failed,
		"still_pending":  report.StillPending,
		"backfilled":     report.Backfilled,
		"backfill_fails": report.BackfillFails,
	}).Info("reconciliation run finished")
	return report, errors.Join(errs...)
}

func (s *Sweeper) sweepStale(ctx context.Context, report *Report) error {
	if s.processor == nil {
		return nil
	}
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	stale, err := s.sales.ListByStatus(ctx, []domain.SaleStatus{domain.SaleStatusProcessing}, cutoff, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, sale := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.StaleChecked++

		res, err := s.processor.Process(ctx, checkout.Request{SaleID: sale.ID}, s.caller)
		logger := s.logger.WithFields(log.Fields{"sale_id": sale.ID, "phase": res.Phase})
		if err != nil {
			// Отдельная продажа не должна останавливать проход.
			logger.WithError(err).Warn("stale sale re-confirmation failed")
		}
		switch res.Phase {
		case checkout.PhaseCompleted, checkout.PhaseAlreadyProcessed:
			report.Confirmed++
		case checkout.PhaseFailed:
			report.Failed++
		default:
			report.StillPending++
		}
	}
	return nil
}

func (s *Sweeper) backfill(ctx context.Context, report *Report) error {
	if s.backfiller == nil || s.enrollments == nil {
		return nil
	}
	// Выборка без лимита: продажи с выданным доступом пропускаются, лимит действует на попытки backfill.
	completed, err := s.sales.ListByStatus(ctx, []domain.SaleStatus{domain.SaleStatusCompleted}, time.Time{}, 0)
	if err != nil {
		return err
	}

	attempts := 0
	for _, sale := range completed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempts >= s.cfg.BatchSize {
			break
		}
		_, err := s.enrollments.Get(ctx, sale.BuyerID, sale.CourseID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrEnrollmentNotFound) {
			return err
		}

		attempts++
		if _, err := s.backfiller.BackfillEnrollment(ctx, sale.ID, s.caller); err != nil {
			report.BackfillFails++
			s.logger.WithError(err).WithField("sale_id", sale.ID).Warn("enrollment backfill failed")
			continue
		}
		report.Backfilled++
	}
	return nil
}
