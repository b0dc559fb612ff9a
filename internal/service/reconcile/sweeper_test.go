package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	"github.com/vladislavdragonenkov/coursesales/internal/service/catalog"
	"github.com/vladislavdragonenkov/coursesales/internal/service/checkout"
	"github.com/vladislavdragonenkov/coursesales/internal/service/enrollment"
	"github.com/vladislavdragonenkov/coursesales/internal/service/ledger"
	"github.com/vladislavdragonenkov/coursesales/internal/service/payment"
	"github.com/vladislavdragonenkov/coursesales/internal/storage/memory"
)

var buyer = domain.Capability{CallerID: "buyer-1", Role: domain.RoleBuyer}

type switchableActivator struct {
	mu   sync.Mutex
	next domain.EnrollmentActivator
	down bool
}

func (a *switchableActivator) Activate(ctx context.Context, req domain.ActivationRequest) (domain.Enrollment, error) {
	a.mu.Lock()
	down := a.down
	a.mu.Unlock()
	if down {
		return domain.Enrollment{}, errors.New("lms down")
	}
	return a.next.Activate(ctx, req)
}

func (a *switchableActivator) setDown(down bool) {
	a.mu.Lock()
	a.down = down
	a.mu.Unlock()
}

type SweeperSuite struct {
	suite.Suite

	sales       domain.SaleRepository
	enrollments domain.EnrollmentRepository
	activator   *switchableActivator
	ledger      *ledger.Ledger
	sim         *payment.Simulator
	processor   *checkout.Processor
	sweeper     *Sweeper
}

func TestSweeperSuite(t *testing.T) {
	suite.Run(t, new(SweeperSuite))
}

func (s *SweeperSuite) SetupTest() {
	logger := log.New()
	logger.SetLevel(log.ErrorLevel)
	entry := logger.WithField("test", s.T().Name())

	s.sales = memory.NewSaleRepository()
	s.enrollments = memory.NewEnrollmentRepository()
	courses := catalog.NewStaticCatalog(
		domain.Course{ID: "course-1", Currency: "EUR", NetPrice: 10000, TaxRate: decimal.RequireFromString("0.2")},
		domain.Course{ID: "course-2", Currency: "EUR", NetPrice: 2000, TaxRate: decimal.Zero},
	)
	s.activator = &switchableActivator{next: enrollment.NewActivator(s.enrollments, entry)}
	s.ledger = ledger.New(s.sales, s.enrollments, courses, s.activator, entry, ledger.WithRetry(5, time.Millisecond))
	s.sim = payment.NewSimulator("secret", "https://pay.test/checkout")
	s.processor = checkout.NewProcessor(s.ledger, payment.NewRegistry("", s.sim), nil, entry, "https://shop.test/return")
	s.sweeper = NewSweeper(s.sales, s.enrollments, s.processor, s.ledger, Config{StaleAfter: time.Minute}, entry)
	// Все продажи, созданные в тесте, считаются устаревшими.
	s.sweeper.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
}

func (s *SweeperSuite) processingSale(courseID string) domain.Sale {
	ctx := context.Background()
	sale, err := s.ledger.CreateSale(ctx, ledger.CreateSaleRequest{BuyerID: "buyer-1", CourseID: courseID}, buyer)
	s.Require().NoError(err)
	res, err := s.processor.Process(ctx, checkout.Request{SaleID: sale.ID}, buyer)
	s.Require().NoError(err)
	s.Require().Equal(domain.SaleStatusProcessing, res.Sale.Status)
	return res.Sale
}

func (s *SweeperSuite) TestStaleProcessingSaleIsConfirmed() {
	sale := s.processingSale("course-1")

	report, err := s.sweeper.RunOnce(context.Background())
	s.Require().NoError(err)
	s.Equal(1, report.StaleChecked)
	s.Equal(1, report.Confirmed)

	stored, err := s.sales.Get(context.Background(), sale.ID)
	s.Require().NoError(err)
	s.Equal(domain.SaleStatusCompleted, stored.Status)
	_, err = s.enrollments.Get(context.Background(), "buyer-1", "course-1")
	s.NoError(err)
}

func (s *SweeperSuite) TestStaleSaleOutcomes() {
	rejected := s.processingSale("course-1")
	pending := s.processingSale("course-2")
	s.sim.SetOutcome(rejected.ProviderRef, domain.ProviderStatusRejected)
	s.sim.SetOutcome(pending.ProviderRef, domain.ProviderStatusPending)

	report, err := s.sweeper.RunOnce(context.Background())
	s.Require().NoError(err)
	s.Equal(2, report.StaleChecked)
	s.Equal(1, report.Failed)
	s.Equal(1, report.StillPending)

	stored, err := s.sales.Get(context.Background(), rejected.ID)
	s.Require().NoError(err)
	s.Equal(domain.SaleStatusFailed, stored.Status)
	stored, err = s.sales.Get(context.Background(), pending.ID)
	s.Require().NoError(err)
	s.Equal(domain.SaleStatusProcessing, stored.Status)
}

func (s *SweeperSuite) TestFreshProcessingSaleIsSkipped() {
	s.processingSale("course-1")
	s.sweeper.now = func() time.Time { return time.Now().UTC() }

	report, err := s.sweeper.RunOnce(context.Background())
	s.Require().NoError(err)
	s.Zero(report.StaleChecked)
	_, confirm := s.sim.Calls()
	s.Zero(confirm)
}

func (s *SweeperSuite) TestBackfillAfterActivationFailure() {
	s.activator.setDown(true)
	sale := s.processingSale("course-1")
	_, err := s.processor.Process(context.Background(), checkout.Request{SaleID: sale.ID}, buyer)
	s.Require().NoError(err)

	_, err = s.enrollments.Get(context.Background(), "buyer-1", "course-1")
	s.Require().ErrorIs(err, domain.ErrEnrollmentNotFound)

	report, err := s.sweeper.RunOnce(context.Background())
	s.Require().NoError(err)
	s.Equal(1, report.BackfillFails)

	s.activator.setDown(false)
	report, err = s.sweeper.RunOnce(context.Background())
	s.Require().NoError(err)
	s.Equal(1, report.Backfilled)

	enr, err := s.enrollments.Get(context.Background(), "buyer-1", "course-1")
	s.Require().NoError(err)
	s.Equal(sale.ID, enr.SaleID)

	report, err = s.sweeper.RunOnce(context.Background())
	s.Require().NoError(err)
	s.Zero(report.Backfilled)
	s.Zero(report.BackfillFails)
}

func (s *SweeperSuite) TestStartRejectsInvalidSchedule() {
	sweeper := NewSweeper(s.sales, s.enrollments, nil, nil, Config{Schedule: "not a schedule"}, nil)
	s.Error(sweeper.Start(context.Background()))
}

func (s *SweeperSuite) TestStartStop() {
	sweeper := NewSweeper(s.sales, s.enrollments, s.processor, s.ledger, Config{Schedule: "@every 1h"}, nil)
	s.Require().NoError(sweeper.Start(context.Background()))
	s.Require().NoError(sweeper.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sweeper.Stop(ctx)
	sweeper.Stop(ctx)
}

type failingLister struct{}

func (failingLister) ListByStatus(context.Context, []domain.SaleStatus, time.Time, int) ([]domain.Sale, error) {
	return nil, errors.New("db down")
}

func TestRunOnceReportsListErrors(t *testing.T) {
	sweeper := NewSweeper(failingLister{}, memory.NewEnrollmentRepository(), &checkout.Processor{}, &ledger.Ledger{}, Config{}, nil)

	_, err := sweeper.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale sweep")
	assert.Contains(t, err.Error(), "backfill")
}
