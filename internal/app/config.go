package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Поддерживаемые хранилища продаж.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
	StorageDriverBolt     = "bolt"
)

// Config описывает настройки запуска сервиса продаж.
// Все поля сравнимы: конфиг передаётся по значению и сравнивается в тестах.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	BoltPath            string
	// RedisURL включает хранение idempotency-ключей в Redis вместо основного хранилища.
	RedisURL string

	// KafkaBrokers — список брокеров через запятую; пустая строка отключает Kafka.
	KafkaBrokers       string
	KafkaClientID      string
	KafkaConsumerGroup string

	// CatalogURL имеет приоритет над CatalogFile.
	CatalogURL  string
	CatalogFile string

	JWTSecret     string
	WebhookSecret string

	// GatewayURL подключает REST-провайдера рядом с симулятором.
	GatewayURL      string
	GatewayAPIKey   string
	GatewayProvider string
	ReturnURL       string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	OutboxMaxPending   int

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	ReconcileSchedule   string
	ReconcileStaleAfter time.Duration
	ReconcileBatchSize  int
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		BoltPath:            "sales.db",

		KafkaClientID:      "sales-service",
		KafkaConsumerGroup: "sales-webhooks",

		JWTSecret:     "dev-jwt-secret",
		WebhookSecret: "dev-webhook-secret",

		GatewayProvider: "rest",
		ReturnURL:       "http://localhost:8080/checkout/return",

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   time.Second,
		OutboxMaxPending:   1000,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,

		ReconcileSchedule:   "@every 5m",
		ReconcileStaleAfter: 15 * time.Minute,
		ReconcileBatchSize:  100,
	}
}

// Validate проверяет сочетания полей, которые нельзя исправить значением по умолчанию.
// Возвращает все найденные проблемы сразу.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(strings.TrimSpace(c.StorageDriver)) {
	case "", StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres storage requires SALES_POSTGRES_DSN"))
		}
	case StorageDriverBolt:
		if strings.TrimSpace(c.BoltPath) == "" {
			errs = append(errs, errors.New("bolt storage requires SALES_BOLT_PATH"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	// cron.New без WithSeconds разбирает расписание тем же стандартным парсером
	if _, err := cron.ParseStandard(c.ReconcileSchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid reconcile schedule %q: %w", c.ReconcileSchedule, err))
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("jwt secret must not be empty"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("idempotency ttl must be positive"))
	}
	for name, raw := range map[string]string{"gateway url": c.GatewayURL, "catalog url": c.CatalogURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q must be an absolute http(s) url", name, raw))
		}
	}
	return errors.Join(errs...)
}
