package app

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	"github.com/vladislavdragonenkov/coursesales/internal/metrics"
	"github.com/vladislavdragonenkov/coursesales/internal/service/catalog"
	"github.com/vladislavdragonenkov/coursesales/internal/service/checkout"
	"github.com/vladislavdragonenkov/coursesales/internal/service/enrollment"
	"github.com/vladislavdragonenkov/coursesales/internal/service/ledger"
	"github.com/vladislavdragonenkov/coursesales/internal/service/payment"
	"github.com/vladislavdragonenkov/coursesales/internal/service/reconcile"
	"github.com/vladislavdragonenkov/coursesales/internal/service/webhook"
)

const (
	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
)

// services — доменные компоненты поверх выбранного хранилища.
type services struct {
	ledger     *ledger.Ledger
	registry   *payment.Registry
	processor  *checkout.Processor
	reconciler *webhook.Reconciler
	sweeper    *reconcile.Sweeper
}

// buildServices собирает Ledger, оркестратор оплаты, обработчик вебхуков и сверку.
// outbox == nil отключает запись событий (Kafka не настроена).
func buildServices(cfg Config, deps *runtimeDependencies, outbox domain.OutboxRepository, m *metrics.LedgerMetrics, logger *log.Entry) (*services, error) {
	courses, err := newCatalog(cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := []ledger.Option{ledger.WithMetrics(m)}
	if outbox != nil {
		opts = append(opts, ledger.WithOutbox(outbox))
	}
	l := ledger.New(
		deps.sales,
		deps.enrollments,
		courses,
		enrollment.NewActivator(deps.enrollments, logger.WithField("component", "enrollment-activator")),
		logger.WithField("component", "ledger"),
		opts...,
	)

	registry := newPaymentRegistry(cfg, logger)
	processor := checkout.NewProcessor(l, registry, m, logger.WithField("component", "checkout"), cfg.ReturnURL)
	reconciler := webhook.NewReconciler(registry, deps.sales, l, m, logger.WithField("component", "webhook-reconciler"))
	sweeper := reconcile.NewSweeper(deps.sales, deps.enrollments, processor, l, reconcile.Config{
		Schedule:   cfg.ReconcileSchedule,
		StaleAfter: cfg.ReconcileStaleAfter,
		BatchSize:  cfg.ReconcileBatchSize,
	}, logger.WithField("component", "reconcile-sweeper"))

	return &services{
		ledger:     l,
		registry:   registry,
		processor:  processor,
		reconciler: reconciler,
		sweeper:    sweeper,
	}, nil
}

func newCatalog(cfg Config, logger *log.Entry) (domain.CourseCatalog, error) {
	switch {
	case strings.TrimSpace(cfg.CatalogURL) != "":
		logger.WithField("url", cfg.CatalogURL).Info("using http course catalog")
		return catalog.NewHTTPCatalog(cfg.CatalogURL, 0, logger.WithField("component", "catalog-client")), nil
	case strings.TrimSpace(cfg.CatalogFile) != "":
		c, err := catalog.LoadStaticCatalog(cfg.CatalogFile)
		if err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
		logger.WithField("file", cfg.CatalogFile).Info("using static course catalog")
		return c, nil
	default:
		logger.Warn("course catalog is not configured, every course lookup will return not found")
		return catalog.NewStaticCatalog(), nil
	}
}

// newPaymentRegistry регистрирует симулятор и, если задан GatewayURL, REST-провайдера за circuit breaker.
// REST-провайдер становится провайдером по умолчанию.
func newPaymentRegistry(cfg Config, logger *log.Entry) *payment.Registry {
	simulator := payment.NewSimulator(cfg.WebhookSecret, "")
	if strings.TrimSpace(cfg.GatewayURL) == "" {
		return payment.NewRegistry(payment.SimulatorProvider, simulator)
	}

	rest := payment.NewRESTGateway(payment.RESTConfig{
		Provider:      cfg.GatewayProvider,
		BaseURL:       cfg.GatewayURL,
		APIKey:        cfg.GatewayAPIKey,
		WebhookSecret: cfg.WebhookSecret,
	}, logger.WithField("component", "payment-rest"))
	breaker := payment.NewCircuitBreaker(breakerMaxFailures, breakerResetTimeout,
		logger.WithFields(log.Fields{"component": "circuit-breaker", "provider": rest.Provider()}))

	logger.WithFields(log.Fields{"provider": rest.Provider(), "url": cfg.GatewayURL}).Info("rest payment gateway enabled")
	return payment.NewRegistry(rest.Provider(), payment.WithCircuitBreaker(rest, breaker), simulator)
}
