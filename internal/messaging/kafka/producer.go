package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// ProducerConfig — настройки sarama для записи событий продаж: подтверждение всеми ISR и идемпотентный producer.
func ProducerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Idempotent = true
	// идемпотентный producer требует ровно одного запроса в полёте
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// Producer пишет JSON-сообщения в Kafka синхронно.
type Producer struct {
	out    sarama.SyncProducer
	logger *log.Entry
}

func NewProducer(brokers []string, clientID string) (*Producer, error) {
	out, err := sarama.NewSyncProducer(brokers, ProducerConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newProducer(out), nil
}

func newProducer(out sarama.SyncProducer) *Producer {
	return &Producer{out: out, logger: log.WithField("component", "kafka-producer")}
}

// Send кодирует value в JSON и пишет его в topic. Ключ выбирает партицию: события одной продажи идут по порядку.
func (p *Producer) Send(topic, key string, value any, headers ...sarama.RecordHeader) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}

	partition, offset, err := p.out.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(body),
		Headers:   headers,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		p.logger.WithError(err).WithFields(log.Fields{"topic": topic, "key": key}).Error("kafka send failed")
		return fmt.Errorf("send to %s: %w", topic, err)
	}

	p.logger.WithFields(log.Fields{
		"topic":     topic,
		"key":       key,
		"partition": partition,
		"offset":    offset,
	}).Debug("kafka message sent")
	return nil
}

func (p *Producer) Close() error {
	if err := p.out.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}

func header(name, value string) sarama.RecordHeader {
	return sarama.RecordHeader{Key: []byte(name), Value: []byte(value)}
}
