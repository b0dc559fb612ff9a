package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	envHTTPAddr    = "SALES_HTTP_ADDR"
	envGRPCAddr    = "SALES_GRPC_ADDR"
	envMetricsAddr = "SALES_METRICS_ADDR"

	envStorageDriver       = "SALES_STORAGE_DRIVER"
	envPostgresDSN         = "SALES_POSTGRES_DSN"
	envPostgresAutoMigrate = "SALES_POSTGRES_AUTO_MIGRATE"
	envBoltPath            = "SALES_BOLT_PATH"
	envRedisURL            = "SALES_REDIS_URL"

	envKafkaBrokers       = "SALES_KAFKA_BROKERS"
	envKafkaClientID      = "SALES_KAFKA_CLIENT_ID"
	envKafkaConsumerGroup = "SALES_KAFKA_CONSUMER_GROUP"

	envCatalogURL  = "SALES_CATALOG_URL"
	envCatalogFile = "SALES_CATALOG_FILE"

	envJWTSecret     = "SALES_JWT_SECRET"
	envWebhookSecret = "SALES_WEBHOOK_SECRET"

	envGatewayURL      = "SALES_GATEWAY_URL"
	envGatewayAPIKey   = "SALES_GATEWAY_API_KEY"
	envGatewayProvider = "SALES_GATEWAY_PROVIDER"
	envReturnURL       = "SALES_RETURN_URL"

	envOutboxPollInterval = "SALES_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize    = "SALES_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts  = "SALES_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay   = "SALES_OUTBOX_RETRY_DELAY"
	envOutboxMaxPending   = "SALES_OUTBOX_MAX_PENDING"

	envIdempotencyTTL              = "SALES_IDEMPOTENCY_TTL"
	envIdempotencyCleanupInterval  = "SALES_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "SALES_IDEMPOTENCY_CLEANUP_BATCH_SIZE"

	envReconcileSchedule   = "SALES_RECONCILE_SCHEDULE"
	envReconcileStaleAfter = "SALES_RECONCILE_STALE_AFTER"
	envReconcileBatchSize  = "SALES_RECONCILE_BATCH_SIZE"

	envLogLevel  = "SALES_LOG_LEVEL"
	envLogFormat = "SALES_LOG_FORMAT"
)

// EnvLookup совместим с os.LookupEnv.
type EnvLookup func(string) (string, bool)

func positiveInt(v int) bool { return v > 0 }

func nonNegativeInt(v int) bool { return v >= 0 }

func positiveDuration(v time.Duration) bool { return v > 0 }

func nonNegativeDuration(v time.Duration) bool { return v >= 0 }

// ConfigFromEnv накладывает переменные окружения SALES_* на DefaultConfig.
// Невалидные значения не прерывают запуск: остаётся значение по умолчанию, а в warnings попадает причина.
func ConfigFromEnv(lookup EnvLookup) (Config, []string) {
	cfg := DefaultConfig()
	var warnings []string

	str := func(key string, target *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*target = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, target *bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseBool(v)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*target = parsed
	}
	integer := func(key string, target *int, valid func(int) bool, rule string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseInt(v, valid, rule)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*target = parsed
	}
	duration := func(key string, target *time.Duration, valid func(time.Duration) bool, rule string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseDuration(v, valid, rule)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*target = parsed
	}

	str(envHTTPAddr, &cfg.HTTPAddr)
	str(envGRPCAddr, &cfg.GRPCAddr)
	str(envMetricsAddr, &cfg.MetricsAddr)

	str(envStorageDriver, &cfg.StorageDriver)
	cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	str(envPostgresDSN, &cfg.PostgresDSN)
	boolean(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	str(envBoltPath, &cfg.BoltPath)
	str(envRedisURL, &cfg.RedisURL)

	str(envKafkaBrokers, &cfg.KafkaBrokers)
	str(envKafkaClientID, &cfg.KafkaClientID)
	str(envKafkaConsumerGroup, &cfg.KafkaConsumerGroup)

	str(envCatalogURL, &cfg.CatalogURL)
	str(envCatalogFile, &cfg.CatalogFile)

	str(envJWTSecret, &cfg.JWTSecret)
	str(envWebhookSecret, &cfg.WebhookSecret)

	str(envGatewayURL, &cfg.GatewayURL)
	str(envGatewayAPIKey, &cfg.GatewayAPIKey)
	str(envGatewayProvider, &cfg.GatewayProvider)
	str(envReturnURL, &cfg.ReturnURL)

	duration(envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	integer(envOutboxBatchSize, &cfg.OutboxBatchSize, positiveInt, "must be > 0")
	integer(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positiveInt, "must be > 0")
	duration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")
	integer(envOutboxMaxPending, &cfg.OutboxMaxPending, nonNegativeInt, "must be >= 0")

	duration(envIdempotencyTTL, &cfg.IdempotencyTTL, positiveDuration, "must be > 0")
	duration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDuration, "must be > 0")
	integer(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positiveInt, "must be > 0")

	str(envReconcileSchedule, &cfg.ReconcileSchedule)
	duration(envReconcileStaleAfter, &cfg.ReconcileStaleAfter, positiveDuration, "must be > 0")
	integer(envReconcileBatchSize, &cfg.ReconcileBatchSize, positiveInt, "must be > 0")

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q", raw)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("value %d %s", value, rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q", raw)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("value %s %s", value, rule)
	}
	return value, nil
}

// SetupLogger настраивает формат (SALES_LOG_FORMAT=json|text) и уровень (SALES_LOG_LEVEL) логирования.
func SetupLogger(lookup EnvLookup) {
	format, _ := lookup(envLogFormat)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	log.SetLevel(log.InfoLevel)
	if raw, ok := lookup(envLogLevel); ok && strings.TrimSpace(raw) != "" {
		level, err := log.ParseLevel(strings.TrimSpace(raw))
		if err != nil {
			log.WithError(err).Warn("unknown log level, using info")
			return
		}
		log.SetLevel(level)
	}
}
