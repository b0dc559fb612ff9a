// Package webhook сводит асинхронные уведомления провайдеров к переходам продаж.
// События могут приходить повторно и не по порядку: повтор или устаревшее событие
// подтверждается без ошибки и без изменения продажи.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"slices"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	"github.com/vladislavdragonenkov/coursesales/internal/metrics"
	"github.com/vladislavdragonenkov/coursesales/internal/service/ledger"
)

// Outcome — чем закончилась обработка события.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Result — итог обработки вебхука.
type Result struct {
	SaleID  string
	EventID string
	Kind    domain.WebhookEventKind
	Outcome Outcome
	Status  domain.SaleStatus
}

// Transitioner — операция смены статуса продажи.
type Transitioner interface {
	Transition(ctx context.Context, req ledger.TransitionRequest, caller domain.Capability) (domain.Sale, error)
}

// GatewayResolver находит адаптер провайдера.
type GatewayResolver interface {
	Get(provider string) (domain.PaymentGateway, error)
}

// SaleFinder ищет продажу по id или по ссылке провайдера.
type SaleFinder interface {
	Get(ctx context.Context, id string) (domain.Sale, error)
	FindByProviderRef(ctx context.Context, ref string) (domain.Sale, error)
}

// Reconciler обрабатывает вебхуки провайдеров.
type Reconciler struct {
	gateways GatewayResolver
	sales    SaleFinder
	ledger   Transitioner
	metrics  *metrics.LedgerMetrics
	logger   *log.Entry
	caller   domain.Capability
}

// NewReconciler создаёт обработчик вебхуков.
func NewReconciler(gateways GatewayResolver, sales SaleFinder, l Transitioner, m *metrics.LedgerMetrics, logger *log.Entry) *Reconciler {
	if logger == nil {
		logger = log.New().WithField("component", "webhook-reconciler")
	}
	return &Reconciler{
		gateways: gateways,
		sales:    sales,
		ledger:   l,
		metrics:  m,
		logger:   logger,
		caller:   domain.SystemCapability("webhook"),
	}
}

// Reconcile проверяет подпись сырого события и применяет его.
func (r *Reconciler) Reconcile(ctx context.Context, provider string, payload []byte, headers map[string]string) (Result, error) {
	gw, err := r.gateways.Get(provider)
	if err != nil {
		r.metrics.RecordWebhook(provider, "unknown_provider")
		return Result{}, err
	}

	event, err := gw.ParseWebhook(payload, headers)
	if err != nil {
		outcome := "malformed"
		if errors.Is(err, domain.ErrInvalidSignature) {
			outcome = "invalid_signature"
		}
		r.metrics.RecordWebhook(gw.Provider(), outcome)
		r.logger.WithError(err).WithField("provider", gw.Provider()).Warn("webhook rejected")
		return Result{}, err
	}

	return r.Apply(ctx, gw.Provider(), event)
}

// Apply применяет уже проверенное событие.
func (r *Reconciler) Apply(ctx context.Context, provider string, event domain.WebhookEvent) (Result, error) {
	logger := r.logger.WithFields(log.Fields{
		"provider":  provider,
		"event_id":  event.EventID,
		"kind":      event.Kind,
		"reference": event.SaleReference,
	})

	if !knownKind(event.Kind) {
		r.metrics.RecordWebhook(provider, "unrecognized")
		logger.Warn("unrecognized webhook event")
		return Result{}, fmt.Errorf("%w: %q", domain.ErrUnrecognizedEvent, event.Kind)
	}

	sale, err := r.resolve(ctx, event.SaleReference)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownSaleReference) {
			r.metrics.RecordWebhook(provider, "unknown_reference")
			logger.Warn("webhook references unknown sale, left for manual reconciliation")
		}
		return Result{}, err
	}

	result := Result{SaleID: sale.ID, EventID: event.EventID, Kind: event.Kind}
	patch := eventDetails(provider, event)
	message := fmt.Sprintf("webhook %s from %s", event.Kind, provider)

	switch event.Kind {
	case domain.WebhookPaymentCompleted:
		sale, result.Outcome, err = r.complete(ctx, sale, message, patch)
	case domain.WebhookPaymentFailed:
		sale, result.Outcome, err = r.step(ctx, sale, domain.SaleStatusFailed, message, patch,
			domain.SaleStatusPending, domain.SaleStatusProcessing)
	case domain.WebhookPaymentRefunded:
		sale, result.Outcome, err = r.step(ctx, sale, domain.SaleStatusRefunded, message, patch,
			domain.SaleStatusPaid, domain.SaleStatusCompleted)
	}
	if err != nil {
		r.metrics.RecordWebhook(provider, "error")
		logger.WithError(err).Error("webhook transition failed")
		return Result{}, err
	}

	result.Status = sale.Status
	r.metrics.RecordWebhook(provider, string(result.Outcome))

	entry := logger.WithFields(log.Fields{"sale_id": sale.ID, "status": sale.Status, "outcome": result.Outcome})
	if result.Outcome == OutcomeIgnored {
		entry.Warn("stale webhook ignored")
	} else {
		entry.Info("webhook reconciled")
	}
	return result, nil
}

// complete: payment.completed ведёт в PAID и сразу пытается COMPLETED.
func (r *Reconciler) complete(ctx context.Context, sale domain.Sale, message string, patch map[string]any) (domain.Sale, Outcome, error) {
	outcome := OutcomeDuplicate
	switch sale.Status {
	case domain.SaleStatusCompleted, domain.SaleStatusRefunded:
		return sale, OutcomeDuplicate, nil
	case domain.SaleStatusFailed, domain.SaleStatusCancelled:
		return sale, OutcomeIgnored, nil
	case domain.SaleStatusPending, domain.SaleStatusProcessing:
		var (
			stepOutcome Outcome
			err         error
		)
		sale, stepOutcome, err = r.step(ctx, sale, domain.SaleStatusPaid, message, patch,
			domain.SaleStatusPending, domain.SaleStatusProcessing)
		if err != nil {
			return sale, "", err
		}
		if stepOutcome == OutcomeApplied {
			outcome = OutcomeApplied
		}
		if sale.Status != domain.SaleStatusPaid {
			return sale, outcome, nil
		}
	}

	// PAID -> COMPLETED; параллельный обработчик мог успеть раньше
	sale, stepOutcome, err := r.step(ctx, sale, domain.SaleStatusCompleted, message, nil, domain.SaleStatusPaid)
	if err != nil {
		return sale, "", err
	}
	if stepOutcome == OutcomeApplied {
		outcome = OutcomeApplied
	}
	return sale, outcome, nil
}

// step выполняет один переход, если продажа в одном из статусов from.
// Иначе событие считается повтором (статус уже достигнут или пройден) или устаревшим.
func (r *Reconciler) step(ctx context.Context, sale domain.Sale, target domain.SaleStatus, message string, patch map[string]any, from ...domain.SaleStatus) (domain.Sale, Outcome, error) {
	if !slices.Contains(from, sale.Status) {
		return sale, classify(sale.Status, target), nil
	}

	updated, err := r.ledger.Transition(ctx, ledger.TransitionRequest{
		SaleID:         sale.ID,
		Target:         target,
		Message:        message,
		PaymentDetails: patch,
		From:           from,
	}, r.caller)
	if err == nil {
		return updated, OutcomeApplied, nil
	}
	if !errors.Is(err, domain.ErrInvalidTransition) {
		return sale, "", err
	}

	// статус изменился между чтением и переходом
	current, getErr := r.sales.Get(ctx, sale.ID)
	if getErr != nil {
		return sale, "", getErr
	}
	return current, classify(current.Status, target), nil
}

func (r *Reconciler) resolve(ctx context.Context, reference string) (domain.Sale, error) {
	sale, err := r.sales.Get(ctx, reference)
	if err == nil {
		return sale, nil
	}
	if !errors.Is(err, domain.ErrSaleNotFound) {
		return domain.Sale{}, err
	}

	sale, err = r.sales.FindByProviderRef(ctx, reference)
	if err == nil {
		return sale, nil
	}
	if errors.Is(err, domain.ErrSaleNotFound) {
		return domain.Sale{}, fmt.Errorf("%w: %s", domain.ErrUnknownSaleReference, reference)
	}
	return domain.Sale{}, err
}

// forwardRank — положение статуса в прямой цепочке оплаты; FAILED и CANCELLED вне её.
var forwardRank = map[domain.SaleStatus]int{
	domain.SaleStatusPending:    0,
	domain.SaleStatusProcessing: 1,
	domain.SaleStatusPaid:       2,
	domain.SaleStatusCompleted:  3,
	domain.SaleStatusRefunded:   4,
}

// classify отличает повтор (цель достигнута или пройдена) от устаревшего события.
func classify(current, target domain.SaleStatus) Outcome {
	if current == target {
		return OutcomeDuplicate
	}
	cur, okCur := forwardRank[current]
	tgt, okTgt := forwardRank[target]
	if okCur && okTgt && cur >= tgt {
		return OutcomeDuplicate
	}
	return OutcomeIgnored
}

func knownKind(kind domain.WebhookEventKind) bool {
	switch kind {
	case domain.WebhookPaymentCompleted, domain.WebhookPaymentFailed, domain.WebhookPaymentRefunded:
		return true
	}
	return false
}

func eventDetails(provider string, event domain.WebhookEvent) map[string]any {
	// Служебные ключи из тела вебхука отбрасываются: токен транзакции меняет только checkout.
	patch := domain.ExternalDetails(event.Details)
	patch[domain.DetailProvider] = provider
	if event.EventID != "" {
		patch["webhook_event_id"] = event.EventID
	}
	return patch
}
