package ledger

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

// AggregateSale — тип агрегата в outbox.
const AggregateSale = "sale"

// Типы событий продаж, которые уходят в outbox.
const (
	EventSaleCreated                = "SaleCreated"
	EventSaleStatusChanged          = "SaleStatusChanged"
	EventEnrollmentActivationFailed = "EnrollmentActivationFailed"
)

func (l *Ledger) emitEvent(ctx context.Context, sale domain.Sale, eventType string, payload map[string]any) {
	if l.outbox == nil {
		return
	}
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["sale_id"] = sale.ID
	payload["version"] = sale.Version
	payload["ts"] = sale.UpdatedAt.Format(time.RFC3339Nano)

	data, err := json.Marshal(payload)
	if err != nil {
		l.logger.WithError(err).WithFields(log.Fields{
			"sale_id": sale.ID,
			"event":   eventType,
		}).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: AggregateSale,
		AggregateID:   sale.ID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := l.outbox.Enqueue(ctx, msg); err != nil {
		l.logger.WithError(err).WithFields(log.Fields{
			"sale_id": sale.ID,
			"event":   eventType,
		}).Error("enqueue event failed")
		return
	}
	l.metrics.RecordOutboxEvent()
}
