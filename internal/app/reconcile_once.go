package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	"github.com/vladislavdragonenkov/coursesales/internal/service/reconcile"
)

// ReconcileOnce выполняет один проход сверки поверх хранилища из cfg и завершается.
// События переходов пишутся в outbox, если настроена Kafka: их опубликует запущенный сервис.
func ReconcileOnce(ctx context.Context, cfg Config) (reconcile.Report, error) {
	logger := log.WithField("component", "reconcile-once")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return reconcile.Report{}, err
	}
	defer func() {
		if err := deps.close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	var outboxRepo domain.OutboxRepository
	if len(splitBrokers(cfg.KafkaBrokers)) > 0 {
		outboxRepo = deps.outboxRepo
	}

	svc, err := buildServices(cfg, deps, outboxRepo, nil, logger)
	if err != nil {
		return reconcile.Report{}, err
	}
	return svc.sweeper.RunOnce(ctx)
}
