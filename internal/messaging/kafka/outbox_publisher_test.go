package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

func TestOutboxPublisher_WrapsEventInEnvelope(t *testing.T) {
	p, m := mockProducer(t)
	published := time.Date(2026, 5, 1, 10, 0, 0, 0, time.FixedZone("MSK", 3*3600))
	m.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicSaleEvents {
			return fmt.Errorf("topic %s", msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil || string(key) != "sale-123" {
			return fmt.Errorf("key %q: %v", key, err)
		}
		headers := map[string]string{}
		for _, h := range msg.Headers {
			headers[string(h.Key)] = string(h.Value)
		}
		if headers[HeaderEventType] != "SaleStatusChanged" || headers[HeaderOutboxID] != "outbox-1" {
			return fmt.Errorf("headers %v", headers)
		}

		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var event SaleEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return err
		}
		if event.AggregateID != "sale-123" || event.EventType != "SaleStatusChanged" || string(event.Payload) != `{"status":"COMPLETED"}` {
			return fmt.Errorf("unexpected envelope %+v", event)
		}
		if !event.PublishedAt.Equal(published) || event.PublishedAt.Location() != time.UTC {
			return fmt.Errorf("published at %v", event.PublishedAt)
		}
		return nil
	})

	pub := NewOutboxPublisher(p, "")
	pub.now = func() time.Time { return published }
	err := pub.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: "sale",
		AggregateID:   "sale-123",
		EventType:     "SaleStatusChanged",
		Payload:       []byte(`{"status":"COMPLETED"}`),
	})
	require.NoError(t, err)
	require.NoError(t, m.Close())
}

func TestPartitionKey(t *testing.T) {
	assert.Equal(t, "sale-1", partitionKey(domain.OutboxMessage{ID: "o-1", AggregateID: "sale-1"}))
	assert.Equal(t, "o-2", partitionKey(domain.OutboxMessage{ID: "o-2"}))
}

func TestOutboxPublisher_EmptyPayloadBecomesObject(t *testing.T) {
	p, m := mockProducer(t)
	m.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event SaleEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if string(event.Payload) != "{}" {
			return fmt.Errorf("payload %s", event.Payload)
		}
		return nil
	})

	require.NoError(t, NewOutboxPublisher(p, TopicSaleEvents).Publish(context.Background(),
		domain.OutboxMessage{ID: "outbox-5", AggregateID: "sale-5", EventType: "SaleCreated"}))
	require.NoError(t, m.Close())
}

func TestOutboxPublisher_ProducerError(t *testing.T) {
	p, m := mockProducer(t)
	m.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := NewOutboxPublisher(p, TopicSaleEvents).Publish(context.Background(), domain.OutboxMessage{
		ID:          "outbox-2",
		AggregateID: "sale-234",
		EventType:   "SaleStatusChanged",
	})
	assert.ErrorIs(t, err, domain.ErrOutboxPublish)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, m.Close())
}

func TestOutboxPublisher_NotReady(t *testing.T) {
	err := NewOutboxPublisher(nil, TopicSaleEvents).Publish(context.Background(), domain.OutboxMessage{ID: "outbox-3"})
	assert.ErrorIs(t, err, domain.ErrOutboxPublish)

	p, m := mockProducer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewOutboxPublisher(p, TopicSaleEvents).Publish(ctx, domain.OutboxMessage{ID: "outbox-4"}), context.Canceled)
	require.NoError(t, m.Close())
}
