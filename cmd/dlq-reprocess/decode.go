package main

import (
	"cmp"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/coursesales/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/coursesales/internal/service/outbox"
)

// replayedFromHeader хранит offset DLQ-сообщения, из которого сделан повтор.
const replayedFromHeader = "x-replayed-from-offset"

type replayMessage struct {
	topic string
	key   string
	value []byte
}

func (m replayMessage) producerMessage(dlqOffset int64) *sarama.ProducerMessage {
	return &sarama.ProducerMessage{
		Topic: m.topic,
		Key:   sarama.StringEncoder(m.key),
		Value: sarama.ByteEncoder(m.value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(replayedFromHeader), Value: []byte(strconv.FormatInt(dlqOffset, 10))},
		},
		Timestamp: time.Now().UTC(),
	}
}

// decodeDeadLetter понимает два формата sales.dlq: FailedMessage consumer'а вебхуков
// и DeadLetter outbox-воркера в конверте SaleEvent. Для чужих сообщений ok=false.
func decodeDeadLetter(value []byte, salesTopic string) (replayMessage, bool, error) {
	if failed, ok := kafka.ParseFailedMessage(value); ok {
		return replayMessage{
			topic: cmp.Or(strings.TrimSpace(failed.OriginalTopic), salesTopic),
			key:   failed.OriginalKey,
			value: []byte(failed.OriginalValue),
		}, true, nil
	}

	var envelope kafka.SaleEvent
	if err := json.Unmarshal(value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return replayMessage{}, false, nil
	}
	dead, err := outbox.ParseDeadLetter(envelope.Payload, envelope.EventType)
	if err != nil {
		return replayMessage{}, false, fmt.Errorf("decode outbox dead letter %q: %w", envelope.ID, err)
	}

	original := dead.Original()
	event := kafka.SaleEvent{
		ID:            cmp.Or(original.ID, envelope.ID),
		AggregateType: cmp.Or(original.AggregateType, envelope.AggregateType),
		AggregateID:   cmp.Or(original.AggregateID, envelope.AggregateID),
		EventType:     original.EventType,
		Payload:       json.RawMessage(original.Payload),
		PublishedAt:   time.Now().UTC(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return replayMessage{}, false, fmt.Errorf("encode replayed event %q: %w", event.ID, err)
	}
	return replayMessage{topic: salesTopic, key: cmp.Or(event.AggregateID, event.ID), value: body}, true, nil
}
