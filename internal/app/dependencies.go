package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/coursesales/internal/health"
	"github.com/vladislavdragonenkov/coursesales/internal/storage/boltdb"
	"github.com/vladislavdragonenkov/coursesales/internal/storage/memory"
	"github.com/vladislavdragonenkov/coursesales/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/coursesales/internal/storage/redis"
)

// runtimeDependencies — хранилища, выбранные по конфигу, и их health-проверки.
type runtimeDependencies struct {
	sales           domain.SaleRepository
	enrollments     domain.EnrollmentRepository
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository

	storageChecker healthcheck.Checker
	redisChecker   healthcheck.Checker

	closeFn func() error
}

// initRuntimeDependencies открывает хранилище продаж и, если задан RedisURL, Redis для idempotency-ключей.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	deps, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := redisstore.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			_ = deps.close()
			return nil, fmt.Errorf("init redis: %w", err)
		}
		deps.idempotencyRepo = redisstore.NewIdempotencyRepository(client, "")
		deps.redisChecker = healthcheck.Probe("redis", 0, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		deps.addCloser(func() error {
			if err := client.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
				return err
			}
			return nil
		})
		logger.Info("idempotency keys stored in redis")
	}

	return deps, nil
}

func initStorage(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	switch driver {
	case "", StorageDriverMemory:
		logger.Info("using in-memory storage")
		return &runtimeDependencies{
			sales:           memory.NewSaleRepository(),
			enrollments:     memory.NewEnrollmentRepository(),
			outboxRepo:      memory.NewOutboxRepository(),
			idempotencyRepo: memory.NewIdempotencyRepository(),
			storageChecker:  healthcheck.Probe("storage", 0, func(context.Context) error { return nil }),
		}, nil

	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, fmt.Errorf("postgres storage requires SALES_POSTGRES_DSN")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			applied, err := store.MigrateUp(ctx, 0)
			if err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
			if applied > 0 {
				logger.WithField("applied", applied).Info("postgres migrations applied")
			}
		} else if err := store.CheckSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("postgres schema check (run cmd/migrate): %w", err)
		}
		logger.Info("using postgres storage")
		return &runtimeDependencies{
			sales:           postgres.NewSaleRepository(store),
			enrollments:     postgres.NewEnrollmentRepository(store),
			outboxRepo:      postgres.NewOutboxRepository(store),
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			storageChecker:  healthcheck.Probe("storage", 0, store.Ping),
			closeFn:         store.Close,
		}, nil

	case StorageDriverBolt:
		if strings.TrimSpace(cfg.BoltPath) == "" {
			return nil, fmt.Errorf("bolt storage requires SALES_BOLT_PATH")
		}
		store, err := boltdb.Open(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("init bolt: %w", err)
		}
		// В bbolt нет TTL-индекса для ключей идемпотентности: без Redis они живут в памяти процесса.
		logger.WithField("path", cfg.BoltPath).Info("using bolt storage")
		return &runtimeDependencies{
			sales:           boltdb.NewSaleRepository(store),
			enrollments:     boltdb.NewEnrollmentRepository(store),
			outboxRepo:      boltdb.NewOutboxRepository(store),
			idempotencyRepo: memory.NewIdempotencyRepository(),
			storageChecker:  healthcheck.Probe("storage", 0, store.Ping),
			closeFn:         store.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func (d *runtimeDependencies) addCloser(fn func() error) {
	prev := d.closeFn
	d.closeFn = func() error {
		err := fn()
		if prev != nil {
			err = errors.Join(err, prev())
		}
		return err
	}
}

func (d *runtimeDependencies) close() error {
	if d == nil || d.closeFn == nil {
		return nil
	}
	return d.closeFn()
}

// registerCheckers подключает проверки хранилищ к health handler.
func (d *runtimeDependencies) registerCheckers(h *healthcheck.Handler) {
	if d.storageChecker != nil {
		h.Register("storage", d.storageChecker)
	}
	if d.redisChecker != nil {
		h.Register("redis", d.redisChecker)
	}
}
