// Package checkout проводит продажу через платёжного провайдера:
// открытие транзакции, подтверждение и завершение с выдачей доступа.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	"github.com/vladislavdragonenkov/coursesales/internal/metrics"
	"github.com/vladislavdragonenkov/coursesales/internal/service/ledger"
	"github.com/vladislavdragonenkov/coursesales/internal/service/payment"
)

// Phase — этап, на котором остановилась обработка.
type Phase string

const (
	// PhaseRedirect — транзакция открыта, покупатель должен пройти по RedirectURL.
	PhaseRedirect Phase = "redirect"
	// PhaseAwaitingProvider — провайдер ещё не дал окончательный ответ.
	PhaseAwaitingProvider Phase = "awaiting_provider"
	PhaseCompleted        Phase = "completed"
	PhaseFailed           Phase = "failed"
	// PhaseAlreadyProcessed — продажа уже завершена или возвращена.
	PhaseAlreadyProcessed Phase = "already_processed"
)

// SaleLedger — операции Ledger, нужные оркестратору.
type SaleLedger interface {
	GetSale(ctx context.Context, saleID string, caller domain.Capability) (domain.Sale, error)
	Transition(ctx context.Context, req ledger.TransitionRequest, caller domain.Capability) (domain.Sale, error)
}

// GatewayResolver находит адаптер провайдера.
type GatewayResolver interface {
	Get(provider string) (domain.PaymentGateway, error)
}

// Request — запрос на обработку оплаты.
type Request struct {
	SaleID string
	// Provider — провайдер для новой транзакции; пустой означает провайдера по умолчанию.
	Provider  string
	ReturnURL string
	// Token подтверждаемой транзакции; по умолчанию берётся сохранённый payment_token.
	Token string
}

// Result — итог обработки.
type Result struct {
	Sale        domain.Sale
	Phase       Phase
	RedirectURL string
}

// Processor оркестрирует вызовы провайдера и переходы Ledger.
type Processor struct {
	ledger    SaleLedger
	gateways  GatewayResolver
	metrics   *metrics.LedgerMetrics
	logger    *log.Entry
	returnURL string
	system    domain.Capability
}

// NewProcessor создаёт оркестратор оплаты.
func NewProcessor(l SaleLedger, gateways GatewayResolver, m *metrics.LedgerMetrics, logger *log.Entry, defaultReturnURL string) *Processor {
	if logger == nil {
		logger = log.New().WithField("component", "checkout")
	}
	return &Processor{
		ledger:    l,
		gateways:  gateways,
		metrics:   m,
		logger:    logger,
		returnURL: defaultReturnURL,
		system:    domain.SystemCapability("checkout"),
	}
}

// Process продвигает продажу на один шаг оплаты, начиная с её текущего статуса.
// Право вызова проверяется чтением продажи от имени caller; переходы выполняются системой.
func (p *Processor) Process(ctx context.Context, req Request, caller domain.Capability) (Result, error) {
	sale, err := p.ledger.GetSale(ctx, req.SaleID, caller)
	if err != nil {
		return Result{}, err
	}

	p.metrics.PaymentStarted()
	defer p.metrics.PaymentFinished()

	logger := p.logger.WithFields(log.Fields{
		"sale_id": sale.ID,
		"status":  sale.Status,
		"caller":  caller.CallerID,
	})

	switch sale.Status {
	case domain.SaleStatusCancelled:
		// Отменённую продажу снова открывает только администратор или система.
		if !caller.Elevated() {
			return Result{Sale: sale}, fmt.Errorf("%w: cancelled sale can be reopened only by an administrator", domain.ErrForbidden)
		}
		fallthrough
	case domain.SaleStatusFailed:
		sale, err = p.transition(ctx, sale, domain.SaleStatusPending,
			"payment retry requested by "+caller.CallerID, nil, sale.Status)
		if err != nil {
			return Result{Sale: sale}, err
		}
		logger.Info("sale reopened for payment retry")
		return p.start(ctx, sale, req)
	case domain.SaleStatusPending:
		return p.start(ctx, sale, req)
	case domain.SaleStatusProcessing:
		return p.confirm(ctx, sale, req)
	case domain.SaleStatusPaid:
		return p.complete(ctx, sale)
	default:
		return Result{Sale: sale, Phase: PhaseAlreadyProcessed}, nil
	}
}

// start открывает транзакцию у провайдера; бесплатная продажа проходит без провайдера.
func (p *Processor) start(ctx context.Context, sale domain.Sale, req Request) (Result, error) {
	if sale.IsZeroPriced() {
		paid, err := p.transition(ctx, sale, domain.SaleStatusPaid, "zero-priced sale, no payment required",
			map[string]any{domain.DetailMethod: "none"}, domain.SaleStatusPending)
		if err != nil {
			return Result{Sale: sale}, err
		}
		return p.complete(ctx, paid)
	}

	gw, err := p.gateways.Get(req.Provider)
	if err != nil {
		return Result{Sale: sale}, err
	}
	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = p.returnURL
	}

	start := time.Now()
	tx, err := gw.CreateTransaction(ctx, sale.ID, sale.TotalPrice, sale.Currency, returnURL)
	p.metrics.RecordStepDuration(string(domain.PaymentStepCreate), time.Since(start))
	if err != nil {
		return p.providerFailure(ctx, sale, gw.Provider(), "create transaction", err)
	}

	processing, err := p.transition(ctx, sale, domain.SaleStatusProcessing, "payment transaction created", map[string]any{
		domain.DetailProvider:     gw.Provider(),
		domain.DetailPaymentToken: tx.Token,
		domain.DetailRedirectURL:  tx.RedirectURL,
	}, domain.SaleStatusPending)
	if err != nil {
		return Result{Sale: sale}, err
	}

	p.logger.WithFields(log.Fields{
		"sale_id":  sale.ID,
		"provider": gw.Provider(),
	}).Info("payment transaction created")
	return Result{Sale: processing, Phase: PhaseRedirect, RedirectURL: tx.RedirectURL}, nil
}

// confirm подтверждает транзакцию и переводит продажу по ответу провайдера.
func (p *Processor) confirm(ctx context.Context, sale domain.Sale, req Request) (Result, error) {
	token := sale.ProviderRef
	if token == "" {
		return Result{Sale: sale}, domain.ErrPaymentTokenRequired
	}
	if supplied := strings.TrimSpace(req.Token); supplied != "" && supplied != token {
		return Result{Sale: sale}, domain.ErrPaymentTokenMismatch
	}

	provider, _ := sale.PaymentDetails[domain.DetailProvider].(string)
	if provider == "" {
		provider = req.Provider
	}
	gw, err := p.gateways.Get(provider)
	if err != nil {
		return Result{Sale: sale}, err
	}

	start := time.Now()
	conf, err := gw.ConfirmTransaction(ctx, token)
	p.metrics.RecordStepDuration(string(domain.PaymentStepConfirm), time.Since(start))
	if err != nil {
		return p.providerFailure(ctx, sale, gw.Provider(), "confirm transaction", err)
	}

	details := confirmationDetails(conf)
	switch conf.Status {
	case domain.ProviderStatusApproved:
		if err := verifyConfirmation(sale, conf); err != nil {
			p.logger.WithError(err).WithFields(log.Fields{
				"sale_id":  sale.ID,
				"provider": gw.Provider(),
			}).Warn("approved confirmation rejected")
			return Result{Sale: sale}, err
		}
		paid, err := p.transition(ctx, sale, domain.SaleStatusPaid, "payment approved by "+gw.Provider(), details,
			domain.SaleStatusProcessing)
		if err != nil {
			return Result{Sale: sale}, err
		}
		return p.complete(ctx, paid)
	case domain.ProviderStatusRejected:
		failed, err := p.transition(ctx, sale, domain.SaleStatusFailed, "payment rejected by "+gw.Provider(), details,
			domain.SaleStatusProcessing)
		if err != nil {
			return Result{Sale: sale}, err
		}
		return Result{Sale: failed, Phase: PhaseFailed}, nil
	default:
		return Result{Sale: sale, Phase: PhaseAwaitingProvider}, nil
	}
}

func (p *Processor) complete(ctx context.Context, sale domain.Sale) (Result, error) {
	completed, err := p.transition(ctx, sale, domain.SaleStatusCompleted, "payment completed", nil, domain.SaleStatusPaid)
	if err != nil {
		return Result{Sale: sale}, err
	}
	return Result{Sale: completed, Phase: PhaseCompleted}, nil
}

// providerFailure: определённая ошибка провайдера переводит продажу в FAILED с текстом ошибки в журнале.
// Таймаут и открытый breaker оставляют статус как есть: исход неизвестен, продажу доведёт вебхук или сверка.
func (p *Processor) providerFailure(ctx context.Context, sale domain.Sale, provider, step string, cause error) (Result, error) {
	logger := p.logger.WithError(cause).WithFields(log.Fields{
		"sale_id":  sale.ID,
		"provider": provider,
		"step":     step,
	})
	indeterminate := payment.IsIndeterminate(cause)
	if !errors.Is(cause, domain.ErrUpstreamProvider) {
		cause = fmt.Errorf("%w: %w", domain.ErrUpstreamProvider, cause)
	}

	if indeterminate {
		logger.Warn("payment provider outcome unknown, sale left for reconciliation")
		return Result{Sale: sale, Phase: PhaseAwaitingProvider}, fmt.Errorf("%s: %w", step, cause)
	}

	logger.Error("payment provider call failed")
	failed, err := p.transition(ctx, sale, domain.SaleStatusFailed, "payment provider error: "+cause.Error(), map[string]any{
		domain.DetailProvider:      provider,
		domain.DetailProviderError: cause.Error(),
	}, sale.Status)
	if err != nil {
		return Result{Sale: sale}, errors.Join(fmt.Errorf("%s: %w", step, cause), err)
	}
	return Result{Sale: failed, Phase: PhaseFailed}, fmt.Errorf("%s: %w", step, cause)
}

// transition выполняет переход от имени системы, только если продажа всё ещё в статусе from.
func (p *Processor) transition(ctx context.Context, sale domain.Sale, target domain.SaleStatus, message string, patch map[string]any, from ...domain.SaleStatus) (domain.Sale, error) {
	return p.ledger.Transition(ctx, ledger.TransitionRequest{
		SaleID:         sale.ID,
		Target:         target,
		Message:        message,
		PaymentDetails: patch,
		From:           from,
	}, p.system)
}

func confirmationDetails(conf domain.PaymentConfirmation) map[string]any {
	details := map[string]any{
		domain.DetailProviderStatus: string(conf.Status),
	}
	if conf.ProviderTransactionID != "" {
		details[domain.DetailProviderTransactionID] = conf.ProviderTransactionID
	}
	for k, v := range domain.ExternalDetails(conf.Raw) {
		details[k] = v
	}
	return details
}

// verifyConfirmation сверяет ссылку на продажу, сумму и валюту, если провайдер их вернул.
func verifyConfirmation(sale domain.Sale, conf domain.PaymentConfirmation) error {
	if ref, ok := conf.Raw["sale_id"]; ok && fmt.Sprint(ref) != sale.ID {
		return fmt.Errorf("%w: transaction belongs to sale %v", domain.ErrConfirmationMismatch, ref)
	}
	if raw, ok := conf.Raw["amount"]; ok {
		amount, ok := minorUnits(raw)
		if !ok || amount != sale.TotalPrice {
			return fmt.Errorf("%w: amount %v, expected %d", domain.ErrConfirmationMismatch, raw, sale.TotalPrice)
		}
	}
	if currency, ok := conf.Raw["currency"].(string); ok && currency != "" && !strings.EqualFold(currency, sale.Currency) {
		return fmt.Errorf("%w: currency %s, expected %s", domain.ErrConfirmationMismatch, currency, sale.Currency)
	}
	return nil
}

// minorUnits читает сумму в минорных единицах; JSON-числа приходят как float64.
func minorUnits(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
