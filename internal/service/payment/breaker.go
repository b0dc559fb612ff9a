package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

// CircuitState — состояние circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker — простая реализация circuit breaker паттерна, безопасна для конкурентного использования.
type CircuitBreaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	failures    int
	lastFailure time.Time
	state       CircuitState
	logger      *log.Entry
}

// NewCircuitBreaker создаёт новый circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, logger *log.Entry) *CircuitBreaker {
	if logger == nil {
		logger = log.New().WithField("component", "circuit-breaker")
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		state:        CircuitClosed,
		logger:       logger,
	}
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute выполняет операцию через circuit breaker.
// Отказы провайдера по существу (отклонённый платёж) приходят как статус, а не как ошибка,
// поэтому на счётчик влияют только ошибки вызова.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	if err := cb.allow(operation); err != nil {
		return err
	}

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = CircuitOpen
			cb.logger.WithFields(log.Fields{
				"operation": operation,
				"failures":  cb.failures,
			}).Warn("Circuit breaker opened")
		}
		return err
	}

	// Успешное выполнение - сбрасываем счётчик
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.logger.WithField("operation", operation).Info("Circuit breaker closed")
	}
	cb.failures = 0
	return nil
}

func (cb *CircuitBreaker) allow(operation string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return nil
	}
	if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
		cb.state = CircuitHalfOpen
		cb.logger.WithField("operation", operation).Info("Circuit breaker half-open")
		return nil
	}
	return domain.ErrProviderUnavailable
}

// breakerGateway защищает вызовы провайдера circuit breaker'ом.
type breakerGateway struct {
	next    domain.PaymentGateway
	breaker *CircuitBreaker
}

// WithCircuitBreaker оборачивает адаптер провайдера.
func WithCircuitBreaker(next domain.PaymentGateway, breaker *CircuitBreaker) domain.PaymentGateway {
	return &breakerGateway{next: next, breaker: breaker}
}

func (g *breakerGateway) Provider() string {
	return g.next.Provider()
}

func (g *breakerGateway) CreateTransaction(ctx context.Context, saleID string, amountMinor int64, currency, returnURL string) (domain.PaymentTransaction, error) {
	var tx domain.PaymentTransaction
	err := g.breaker.Execute("create_transaction", func() error {
		var callErr error
		tx, callErr = g.next.CreateTransaction(ctx, saleID, amountMinor, currency, returnURL)
		return callErr
	})
	return tx, err
}

func (g *breakerGateway) ConfirmTransaction(ctx context.Context, token string) (domain.PaymentConfirmation, error) {
	var conf domain.PaymentConfirmation
	err := g.breaker.Execute("confirm_transaction", func() error {
		var callErr error
		conf, callErr = g.next.ConfirmTransaction(ctx, token)
		return callErr
	})
	return conf, err
}

// ParseWebhook не проходит через breaker: это локальная проверка подписи.
func (g *breakerGateway) ParseWebhook(payload []byte, headers map[string]string) (domain.WebhookEvent, error) {
	return g.next.ParseWebhook(payload, headers)
}

// IsIndeterminate — исход вызова провайдера неизвестен (таймаут) или запрос не был отправлен
// (открыт breaker). В обоих случаях продажу нельзя переводить в FAILED.
func IsIndeterminate(err error) bool {
	return errors.Is(err, domain.ErrProviderTimeout) ||
		errors.Is(err, domain.ErrProviderUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
