package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"resty.dev/v3"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

// RESTConfig описывает подключение к REST-провайдеру.
type RESTConfig struct {
	Provider      string
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

// RESTGateway — адаптер к провайдеру с REST API:
// POST /transactions открывает транзакцию, PUT /transactions/{token} подтверждает её.
type RESTGateway struct {
	provider string
	client   *resty.Client
	secret   []byte
	logger   *log.Entry
}

type createTransactionRequest struct {
	SaleID    string `json:"sale_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	ReturnURL string `json:"return_url,omitempty"`
}

type createTransactionResponse struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

type confirmTransactionResponse struct {
	Status        string         `json:"status"`
	TransactionID string         `json:"transaction_id"`
	Details       map[string]any `json:"details"`
}

type providerError struct {
	Message string `json:"message"`
}

// providerMessage достаёт текст ошибки из тела ответа провайдера.
func providerMessage(body string) string {
	var perr providerError
	if err := json.Unmarshal([]byte(body), &perr); err == nil && perr.Message != "" {
		return perr.Message
	}
	return strings.TrimSpace(body)
}

// NewRESTGateway создаёт адаптер.
func NewRESTGateway(cfg RESTConfig, logger *log.Entry) *RESTGateway {
	if logger == nil {
		logger = log.New().WithField("component", "payment-rest")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Provider == "" {
		cfg.Provider = "rest"
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	return &RESTGateway{
		provider: strings.ToLower(cfg.Provider),
		client:   client,
		secret:   []byte(cfg.WebhookSecret),
		logger:   logger.WithField("provider", cfg.Provider),
	}
}

// Provider возвращает идентификатор провайдера.
func (g *RESTGateway) Provider() string {
	return g.provider
}

// CreateTransaction открывает транзакцию у провайдера.
func (g *RESTGateway) CreateTransaction(ctx context.Context, saleID string, amountMinor int64, currency, returnURL string) (domain.PaymentTransaction, error) {
	var result createTransactionResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(createTransactionRequest{SaleID: saleID, Amount: amountMinor, Currency: currency, ReturnURL: returnURL}).
		SetResult(&result).
		Post("/transactions")
	if err != nil {
		return domain.PaymentTransaction{}, classifyTransportError(err)
	}
	if resp.IsError() {
		g.logger.WithFields(log.Fields{
			"sale_id": saleID,
			"status":  resp.StatusCode(),
		}).Warn("provider rejected create transaction")
		return domain.PaymentTransaction{}, fmt.Errorf("%w: create transaction: status %d: %s", domain.ErrUpstreamProvider, resp.StatusCode(), providerMessage(resp.String()))
	}
	if result.Token == "" {
		return domain.PaymentTransaction{}, fmt.Errorf("%w: empty transaction token", domain.ErrUpstreamProvider)
	}
	return domain.PaymentTransaction{Token: result.Token, RedirectURL: result.RedirectURL}, nil
}

// ConfirmTransaction подтверждает транзакцию по токену.
func (g *RESTGateway) ConfirmTransaction(ctx context.Context, token string) (domain.PaymentConfirmation, error) {
	var result confirmTransactionResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetPathParam("token", token).
		SetResult(&result).
		Put("/transactions/{token}")
	if err != nil {
		return domain.PaymentConfirmation{}, classifyTransportError(err)
	}
	if resp.IsError() {
		return domain.PaymentConfirmation{}, fmt.Errorf("%w: confirm transaction: status %d: %s", domain.ErrUpstreamProvider, resp.StatusCode(), providerMessage(resp.String()))
	}

	return domain.PaymentConfirmation{
		Status:                mapProviderStatus(result.Status),
		ProviderTransactionID: result.TransactionID,
		Raw:                   result.Details,
	}, nil
}

// ParseWebhook проверяет подпись и разбирает событие.
func (g *RESTGateway) ParseWebhook(payload []byte, headers map[string]string) (domain.WebhookEvent, error) {
	return parseSignedWebhook(g.secret, payload, headers)
}

// Close освобождает ресурсы HTTP-клиента.
func (g *RESTGateway) Close() error {
	return g.client.Close()
}

func mapProviderStatus(raw string) domain.ProviderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approved", "authorized", "succeeded", "paid":
		return domain.ProviderStatusApproved
	case "rejected", "declined", "failed":
		return domain.ProviderStatusRejected
	default:
		return domain.ProviderStatusPending
	}
}

// classifyTransportError отделяет таймауты (исход неизвестен) от прочих сетевых ошибок.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", domain.ErrProviderTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrUpstreamProvider, err)
}

var _ domain.PaymentGateway = (*RESTGateway)(nil)
