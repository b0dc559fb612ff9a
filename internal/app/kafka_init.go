package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/coursesales/internal/service/webhook"
)

const (
	webhookConsumerMaxRetries = 3
)

// splitBrokers разбирает список брокеров через запятую, пропуская пустые элементы.
func splitBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// initKafkaProducer инициализирует Kafka producer если brokers не пустой.
// Возвращает nil, nil если brokers пустой.
func initKafkaProducer(brokers, clientID string, logger *log.Entry) (*kafka.Producer, error) {
	brokerList := splitBrokers(brokers)
	if len(brokerList) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokerList, clientID)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

// initWebhookConsumer подписывается на топик вебхуков провайдеров. DLQ пишется тем же producer.
func initWebhookConsumer(cfg Config, reconciler *webhook.Reconciler, producer *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	brokerList := splitBrokers(cfg.KafkaBrokers)
	if len(brokerList) == 0 || producer == nil {
		return nil, nil
	}

	handler := kafka.NewWebhookHandler(reconciler, logger.WithField("component", "kafka-webhooks"))
	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:    brokerList,
		GroupID:    cfg.KafkaConsumerGroup,
		Topics:     []string{kafka.TopicPaymentWebhooks},
		MaxRetries: webhookConsumerMaxRetries,
		RetryDelay: cfg.OutboxRetryDelay,
	}, handler, producer)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka webhook consumer")
		return nil, err
	}
	return consumer, nil
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// stopConsumer останавливает consumer group если он запущен.
func stopConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop kafka consumer")
	}
}
