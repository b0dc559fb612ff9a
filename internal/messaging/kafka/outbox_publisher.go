package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

// TopicPublisher отдаёт сообщения outbox в один топик, завернув их в SaleEvent.
// Воркер использует два экземпляра: для sales.events и для sales.dlq.
type TopicPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

func NewOutboxPublisher(producer *Producer, topic string) *TopicPublisher {
	if topic == "" {
		topic = TopicSaleEvents
	}
	return &TopicPublisher{producer: producer, topic: topic, now: time.Now}
}

func (p *TopicPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("%w: no kafka producer for outbox", domain.ErrOutboxPublish)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := p.producer.Send(p.topic, partitionKey(msg), p.envelope(msg),
		header(HeaderEventType, msg.EventType),
		header(HeaderOutboxID, msg.ID),
	)
	if err != nil {
		return fmt.Errorf("%w: %s to %s: %w", domain.ErrOutboxPublish, msg.EventType, p.topic, err)
	}
	return nil
}

func (p *TopicPublisher) envelope(msg domain.OutboxMessage) SaleEvent {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return SaleEvent{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   p.now().UTC(),
	}
}

// partitionKey держит события одной продажи в одной партиции, сохраняя их порядок.
func partitionKey(msg domain.OutboxMessage) string {
	if msg.AggregateID != "" {
		return msg.AggregateID
	}
	return msg.ID
}

var _ domain.OutboxPublisher = (*TopicPublisher)(nil)
