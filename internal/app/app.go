package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/coursesales/internal/health"
	"github.com/vladislavdragonenkov/coursesales/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/coursesales/internal/metrics"
	"github.com/vladislavdragonenkov/coursesales/internal/service/httpapi"
	"github.com/vladislavdragonenkov/coursesales/internal/service/idempotency"
	"github.com/vladislavdragonenkov/coursesales/internal/service/outbox"
	"github.com/vladislavdragonenkov/coursesales/internal/version"
)

const (
	shutdownTimeout     = 5 * time.Second
	healthWatchInterval = 10 * time.Second
)

// Run поднимает HTTP API, gRPC health, метрики и фоновые воркеры и ждёт отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	ledgerMetrics := metrics.NewLedgerMetrics()
	build := version.Current()
	if err := prometheus.Register(build.Collector()); err != nil && !errors.As(err, new(prometheus.AlreadyRegisteredError)) {
		logger.WithError(err).Warn("failed to register build info")
	}

	// Kafka опциональна: без неё события не пишутся в outbox, вебхуки принимаются только по HTTP.
	kafkaProducer, err := initKafkaProducer(cfg.KafkaBrokers, cfg.KafkaClientID, logger)
	if err != nil {
		kafkaProducer = nil
	}
	defer closeKafka(kafkaProducer, logger)

	var outboxRepo domain.OutboxRepository
	if kafkaProducer != nil {
		outboxRepo = deps.outboxRepo
	}

	svc, err := buildServices(cfg, deps, outboxRepo, ledgerMetrics, logger)
	if err != nil {
		return err
	}

	healthHandler := healthcheck.NewHandler(build.Version)
	deps.registerCheckers(healthHandler)
	if outboxRepo != nil {
		healthHandler.RegisterOptional("outbox", newOutboxBacklogChecker(outboxRepo, cfg.OutboxMaxPending))
	}
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	// Фоновые воркеры живут в собственном контексте и останавливаются до закрытия хранилища.
	workersCtx, cancelWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	defer func() {
		cancelWorkers()
		workers.Wait()
	}()

	if outboxRepo != nil {
		worker := outbox.NewWorker(outboxRepo, kafka.NewOutboxPublisher(kafkaProducer, kafka.TopicSaleEvents),
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithDLQPublisher(kafka.NewOutboxPublisher(kafkaProducer, kafka.TopicDeadLetterQueue)),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		startWorker(workersCtx, &workers, worker.Run)
	}

	janitor := idempotency.NewJanitor(deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("component", "idempotency-janitor")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	startWorker(workersCtx, &workers, janitor.Run)

	if err := svc.sweeper.Start(workersCtx); err != nil {
		return err
	}
	defer svc.sweeper.Stop(context.Background())

	consumer, err := initWebhookConsumer(cfg, svc.reconciler, kafkaProducer, logger)
	if err == nil && consumer != nil {
		if err := consumer.Start(workersCtx); err != nil {
			logger.WithError(err).Warn("failed to start kafka webhook consumer")
		}
		defer stopConsumer(consumer, logger)
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Sales:     svc.ledger,
		Payments:  svc.processor,
		Webhooks:  svc.reconciler,
		Guard:     idempotency.NewGuard(deps.idempotencyRepo, cfg.IdempotencyTTL, logger.WithField("component", "idempotency-guard")),
		JWTSecret: cfg.JWTSecret,
		Logger:    logger.WithField("layer", "http"),
	})

	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return err
	}
	apiSrv := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}

	grpcServer, healthServer := newGRPCServer(logger)
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = httpLis.Close()
		return err
	}
	startWorker(workersCtx, &workers, func(ctx context.Context) {
		watchServingStatus(ctx, healthServer, deps.storageChecker, healthWatchInterval)
	})

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("HTTP API слушает %s", httpLis.Addr())
		if err := apiSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		errCh <- grpcServer.Serve(grpcLis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		shutdownHTTP(apiSrv, logger)
		stopGRPC(grpcServer, logger)
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(apiSrv, logger)
		stopGRPC(grpcServer, logger)
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// newGRPCServer создаёт gRPC сервер только со стандартным health и reflection.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	// reflection для grpcurl
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	return grpcServer, healthServer
}

// watchServingStatus переключает статус gRPC health по проверке хранилища.
func watchServingStatus(ctx context.Context, srv *health.Server, checker healthcheck.Checker, interval time.Duration) {
	if checker == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if checker.Check(ctx).Status == healthcheck.StatusUnhealthy {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		srv.SetServingStatus("", status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func stopGRPC(srv *grpc.Server, logger *log.Entry) {
	stoppedCh := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stoppedCh)
	}()
	select {
	case <-stoppedCh:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		srv.Stop()
	}
}

// startWorker запускает run в отдельной горутине, учитывая её в wg.
func startWorker(ctx context.Context, wg *sync.WaitGroup, run func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		run(ctx)
	}()
}

// startMetricsServer запускает HTTP-обработчик /metrics и health-проверки.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
