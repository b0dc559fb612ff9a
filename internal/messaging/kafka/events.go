package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

const (
	TopicSaleEvents      = "sales.events"
	TopicPaymentWebhooks = "sales.payment.webhooks"
	// TopicDeadLetterQueue общий для outbox-воркера и consumer вебхуков.
	TopicDeadLetterQueue = "sales.dlq"
)

// Заголовки DLQ-сообщений consumer'а.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// Заголовки событий из outbox: по ним подписчики фильтруют поток без разбора тела.
const (
	HeaderEventType = "x-event-type"
	HeaderOutboxID  = "x-outbox-id"
)

// SaleEvent — конверт события продажи в топике sales.events.
type SaleEvent struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// FailedMessage — тело DLQ-сообщения, которое consumer пишет после исчерпания попыток.
// Original* позволяют переотправить сообщение в исходный топик без изменений.
type FailedMessage struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	Error             string    `json:"error_message"`
	RetryCount        int       `json:"retry_count"`
	FailedAt          time.Time `json:"failed_at"`
}

// ParseFailedMessage разбирает DLQ-сообщение consumer'а; ok=false, если это сообщение другого формата.
func ParseFailedMessage(value []byte) (FailedMessage, bool) {
	var msg FailedMessage
	if err := json.Unmarshal(value, &msg); err != nil || msg.OriginalValue == "" {
		return FailedMessage{}, false
	}
	return msg, true
}

// WebhookMessage — вебхук провайдера, пересланный через Kafka.
// Payload хранится как есть: подпись считается по исходным байтам.
type WebhookMessage struct {
	Provider string            `json:"provider"`
	Payload  string            `json:"payload"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// NewWebhookMessage собирает сообщение для топика вебхуков.
func NewWebhookMessage(provider string, payload []byte, headers map[string]string) WebhookMessage {
	return WebhookMessage{
		Provider: strings.ToLower(strings.TrimSpace(provider)),
		Payload:  string(payload),
		Headers:  headers,
	}
}

// ParseSaleEvent разбирает конверт из топика sales.events.
func ParseSaleEvent(message *sarama.ConsumerMessage) (*SaleEvent, error) {
	var event SaleEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("decode sale event: %w", err)
	}
	return &event, nil
}

// ParseWebhookMessage разбирает вебхук; сообщение без провайдера отклоняется.
func ParseWebhookMessage(message *sarama.ConsumerMessage) (*WebhookMessage, error) {
	var msg WebhookMessage
	if err := json.Unmarshal(message.Value, &msg); err != nil {
		return nil, fmt.Errorf("decode webhook message: %w", err)
	}
	if msg.Provider == "" {
		return nil, fmt.Errorf("webhook message without provider")
	}
	return &msg, nil
}
