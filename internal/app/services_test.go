package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/coursesales/internal/health"
	"github.com/vladislavdragonenkov/coursesales/internal/metrics"
	"github.com/vladislavdragonenkov/coursesales/internal/service/checkout"
	"github.com/vladislavdragonenkov/coursesales/internal/service/ledger"
	"github.com/vladislavdragonenkov/coursesales/internal/service/payment"
	"github.com/vladislavdragonenkov/coursesales/internal/storage/memory"
)

func testLogger(t *testing.T) *log.Entry {
	logger := log.New()
	logger.SetLevel(log.ErrorLevel)
	return logger.WithField("test", t.Name())
}

func writeCatalogFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "courses.json")
	err := os.WriteFile(path, []byte(`[
		{"id": "go-101", "title": "Go basics", "currency": "EUR", "net_price": 10000, "tax_rate": "0.2"},
		{"id": "intro", "title": "Intro", "currency": "EUR", "net_price": 0, "is_free": true}
	]`), 0o600)
	require.NoError(t, err)
	return path
}

func TestBuildServices_PaymentFlowWithOutbox(t *testing.T) {
	ctx := context.Background()
	logger := testLogger(t)

	cfg := DefaultConfig()
	cfg.CatalogFile = writeCatalogFile(t)

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	require.NoError(t, err)

	m := metrics.NewLedgerMetricsWithRegisterer(prometheus.NewRegistry())
	svc, err := buildServices(cfg, deps, deps.outboxRepo, m, logger)
	require.NoError(t, err)
	assert.Equal(t, []string{payment.SimulatorProvider}, svc.registry.Providers())

	buyer := domain.Capability{CallerID: "buyer-1", Role: domain.RoleBuyer}
	sale, err := svc.ledger.CreateSale(ctx, ledger.CreateSaleRequest{BuyerID: "buyer-1", CourseID: "go-101"}, buyer)
	require.NoError(t, err)
	assert.Equal(t, int64(12000), sale.TotalPrice)

	res, err := svc.processor.Process(ctx, checkout.Request{SaleID: sale.ID}, buyer)
	require.NoError(t, err)
	assert.Equal(t, checkout.PhaseRedirect, res.Phase)

	res, err = svc.processor.Process(ctx, checkout.Request{SaleID: sale.ID}, buyer)
	require.NoError(t, err)
	assert.Equal(t, checkout.PhaseCompleted, res.Phase)

	_, err = svc.ledger.GetEnrollment(ctx, "buyer-1", "go-101", buyer)
	require.NoError(t, err)

	stats, err := deps.outboxRepo.Stats(ctx)
	require.NoError(t, err)
	// SaleCreated + PENDING→PROCESSING→PAID→COMPLETED
	assert.Equal(t, 4, stats.PendingCount)

	report, err := svc.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Backfilled)
}

func TestBuildServices_WithoutOutbox(t *testing.T) {
	ctx := context.Background()
	logger := testLogger(t)

	cfg := DefaultConfig()
	cfg.CatalogFile = writeCatalogFile(t)
	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	require.NoError(t, err)

	svc, err := buildServices(cfg, deps, nil, nil, logger)
	require.NoError(t, err)

	_, err = svc.ledger.CreateSale(ctx, ledger.CreateSaleRequest{BuyerID: "buyer-1", CourseID: "intro"},
		domain.Capability{CallerID: "buyer-1", Role: domain.RoleBuyer})
	require.NoError(t, err)

	stats, err := deps.outboxRepo.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.PendingCount)
}

func TestBuildServices_MissingCatalogFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CatalogFile = filepath.Join(t.TempDir(), "missing.json")

	deps, err := initRuntimeDependencies(context.Background(), cfg, testLogger(t))
	require.NoError(t, err)

	_, err = buildServices(cfg, deps, nil, nil, testLogger(t))
	require.Error(t, err)
}

func TestNewPaymentRegistry_RESTGatewayIsDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GatewayURL = "http://payments.invalid"
	cfg.GatewayProvider = "Acme"

	registry := newPaymentRegistry(cfg, testLogger(t))
	assert.Equal(t, []string{"acme", payment.SimulatorProvider}, registry.Providers())

	gw, err := registry.Get("")
	require.NoError(t, err)
	assert.Equal(t, "acme", gw.Provider())

	_, err = registry.Get(payment.SimulatorProvider)
	require.NoError(t, err)
}

func TestOutboxBacklogChecker(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOutboxRepository()
	checker := newOutboxBacklogChecker(repo, 1)

	assert.Equal(t, healthcheck.StatusHealthy, checker.Check(ctx).Status)

	for _, id := range []string{"a", "b"} {
		_, err := repo.Enqueue(ctx, domain.OutboxMessage{ID: id, AggregateType: "sale", AggregateID: id, EventType: "SaleCreated"})
		require.NoError(t, err)
	}

	check := checker.Check(ctx)
	assert.Equal(t, healthcheck.StatusDegraded, check.Status)
	assert.Contains(t, check.Message, "2 pending events")
}
