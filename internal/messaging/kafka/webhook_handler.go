package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	"github.com/vladislavdragonenkov/coursesales/internal/service/webhook"
)

// WebhookReconciler применяет сырой вебхук провайдера к продаже.
type WebhookReconciler interface {
	Reconcile(ctx context.Context, provider string, payload []byte, headers map[string]string) (webhook.Result, error)
}

// NewWebhookHandler строит обработчик топика sales.payment.webhooks.
// Ошибки, которые не исправятся повтором, помечаются как Permanent.
func NewWebhookHandler(reconciler WebhookReconciler, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "kafka-webhook-handler")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		msg, err := ParseWebhookMessage(message)
		if err != nil {
			return Permanent(err)
		}

		result, err := reconciler.Reconcile(ctx, msg.Provider, []byte(msg.Payload), msg.Headers)
		if err != nil {
			if isPermanentWebhookError(err) {
				return Permanent(err)
			}
			return err
		}

		logger.WithFields(log.Fields{
			"provider": msg.Provider,
			"sale_id":  result.SaleID,
			"event_id": result.EventID,
			"outcome":  result.Outcome,
			"status":   result.Status,
		}).Info("webhook consumed")
		return nil
	}
}

func isPermanentWebhookError(err error) bool {
	return errors.Is(err, domain.ErrInvalidSignature) ||
		errors.Is(err, domain.ErrUnrecognizedEvent) ||
		errors.Is(err, domain.ErrUnknownSaleReference) ||
		errors.Is(err, domain.ErrPaymentProviderUnknown) ||
		errors.Is(err, domain.ErrValidation)
}
