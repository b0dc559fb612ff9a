package outbox

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

// DeadLetterEventPrefix добавляется к типу события, ушедшего в DLQ.
const DeadLetterEventPrefix = "DeadLetter."

// DeadLetter — тело DLQ-события: исходное событие продажи и причина, по которой его не удалось опубликовать.
type DeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	SaleID        string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Error         string          `json:"publish_error"`
	Attempts      int             `json:"attempts,omitempty"`
	FailedAt      time.Time       `json:"dlq_published_at"`
}

var errEmptyDeadLetter = errors.New("dead letter does not carry the original payload")

func newDeadLetter(event domain.OutboxMessage, attempts int, cause error, at time.Time) DeadLetter {
	payload := json.RawMessage(event.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return DeadLetter{
		OutboxID:      event.ID,
		AggregateType: event.AggregateType,
		SaleID:        event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
		Error:         cause.Error(),
		Attempts:      attempts,
		FailedAt:      at.UTC(),
	}
}

// Message упаковывает DeadLetter в outbox-сообщение с префиксом DeadLetter. в типе.
func (d DeadLetter) Message() (domain.OutboxMessage, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	return domain.OutboxMessage{
		ID:            d.OutboxID,
		AggregateType: d.AggregateType,
		AggregateID:   d.SaleID,
		EventType:     DeadLetterEventPrefix + d.EventType,
		Payload:       body,
	}, nil
}

// ParseDeadLetter разбирает тело DLQ-события. eventType конверта используется,
// если в теле нет исходного типа.
func ParseDeadLetter(body []byte, eventType string) (DeadLetter, error) {
	var d DeadLetter
	if err := json.Unmarshal(body, &d); err != nil {
		return DeadLetter{}, err
	}
	if len(d.Payload) == 0 {
		return DeadLetter{}, errEmptyDeadLetter
	}
	if d.EventType == "" {
		d.EventType = strings.TrimPrefix(eventType, DeadLetterEventPrefix)
	}
	return d, nil
}

// Original восстанавливает событие продажи для повторной публикации.
func (d DeadLetter) Original() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            d.OutboxID,
		AggregateType: d.AggregateType,
		AggregateID:   d.SaleID,
		EventType:     d.EventType,
		Payload:       d.Payload,
	}
}
