package payment

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

// SimulatorProvider — идентификатор встроенного симулятора карт.
const SimulatorProvider = "simulator"

type simulatedTransaction struct {
	saleID      string
	amountMinor int64
	currency    string
	outcome     domain.ProviderStatus
}

// Simulator — конфигурируемый платёжный провайдер в процессе: для локального запуска и тестов.
// Поля поведения можно менять между вызовами; счётчики защищены мьютексом.
type Simulator struct {
	mu           sync.Mutex
	secret       []byte
	redirectBase string
	transactions map[string]*simulatedTransaction

	// CreateErr и ConfirmErr возвращаются соответствующим вызовом, если заданы.
	CreateErr  error
	ConfirmErr error
	// ConfirmStatus — исход подтверждения по умолчанию.
	ConfirmStatus domain.ProviderStatus

	createCalls  int
	confirmCalls int
}

// NewSimulator возвращает симулятор с успешным сценарием по умолчанию.
func NewSimulator(webhookSecret, redirectBase string) *Simulator {
	if redirectBase == "" {
		redirectBase = "https://pay.simulator.local/checkout"
	}
	return &Simulator{
		secret:        []byte(webhookSecret),
		redirectBase:  redirectBase,
		transactions:  make(map[string]*simulatedTransaction),
		ConfirmStatus: domain.ProviderStatusApproved,
	}
}

// Provider возвращает идентификатор провайдера.
func (s *Simulator) Provider() string {
	return SimulatorProvider
}

// CreateTransaction открывает транзакцию и возвращает токен и адрес оплаты.
func (s *Simulator) CreateTransaction(_ context.Context, saleID string, amountMinor int64, currency, returnURL string) (domain.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.createCalls++
	if s.CreateErr != nil {
		return domain.PaymentTransaction{}, s.CreateErr
	}
	if amountMinor <= 0 {
		return domain.PaymentTransaction{}, fmt.Errorf("%w: amount must be positive", domain.ErrUpstreamProvider)
	}

	token := uuid.NewString()
	s.transactions[token] = &simulatedTransaction{saleID: saleID, amountMinor: amountMinor, currency: currency}

	redirect := s.redirectBase + "?token=" + url.QueryEscape(token)
	if returnURL != "" {
		redirect += "&return_url=" + url.QueryEscape(returnURL)
	}
	return domain.PaymentTransaction{Token: token, RedirectURL: redirect}, nil
}

// ConfirmTransaction возвращает настроенный исход для токена.
func (s *Simulator) ConfirmTransaction(_ context.Context, token string) (domain.PaymentConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.confirmCalls++
	if s.ConfirmErr != nil {
		return domain.PaymentConfirmation{}, s.ConfirmErr
	}
	tx, ok := s.transactions[token]
	if !ok {
		return domain.PaymentConfirmation{}, fmt.Errorf("%w: unknown token %s", domain.ErrUpstreamProvider, token)
	}

	status := s.ConfirmStatus
	if tx.outcome != "" {
		status = tx.outcome
	}
	return domain.PaymentConfirmation{
		Status:                status,
		ProviderTransactionID: "sim-" + token[:8],
		Raw: map[string]any{
			"sale_id":          tx.saleID,
			"amount":           tx.amountMinor,
			"currency":         tx.currency,
			"card_fingerprint": "4111********1111",
		},
	}, nil
}

// SetOutcome задаёт исход подтверждения для конкретного токена.
func (s *Simulator) SetOutcome(token string, status domain.ProviderStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.transactions[token]; ok {
		tx.outcome = status
	}
}

// ParseWebhook проверяет подпись и разбирает событие.
func (s *Simulator) ParseWebhook(payload []byte, headers map[string]string) (domain.WebhookEvent, error) {
	return parseSignedWebhook(s.secret, payload, headers)
}

// Webhook собирает подписанное событие симулятора (для тестов и ручной отладки).
func (s *Simulator) Webhook(kind domain.WebhookEventKind, reference string) ([]byte, map[string]string, error) {
	return BuildWebhook(s.secret, uuid.NewString(), kind, reference, nil)
}

// Calls возвращает количество вызовов create/confirm.
func (s *Simulator) Calls() (create, confirm int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls, s.confirmCalls
}

var _ domain.PaymentGateway = (*Simulator)(nil)
