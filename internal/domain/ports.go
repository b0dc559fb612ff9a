package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Course — снимок ценовых данных курса, который отдаёт каталог.
type Course struct {
	ID       string
	Title    string
	Currency string
	// NetPrice — цена без налога в минимальных денежных единицах.
	NetPrice        int64
	TaxRate         decimal.Decimal
	DiscountPercent decimal.Decimal
	// Окно действия скидки; nil означает отсутствие границы.
	DiscountStartsAt *time.Time
	DiscountEndsAt   *time.Time
	IsFree           bool
}

// CourseCatalog — внешний каталог курсов, только чтение.
type CourseCatalog interface {
	GetCourse(ctx context.Context, courseID string) (Course, error)
}

// EnrollmentActivator выдаёт доступ к курсу после завершения продажи.
type EnrollmentActivator interface {
	// Activate возвращает ErrAlreadyEnrolled вместе с существующей записью, если доступ уже есть.
	Activate(ctx context.Context, req ActivationRequest) (Enrollment, error)
}

// ProviderStatus — результат подтверждения транзакции у провайдера.
type ProviderStatus string

const (
	ProviderStatusApproved ProviderStatus = "approved"
	ProviderStatusRejected ProviderStatus = "rejected"
	// ProviderStatusPending — провайдер ещё не знает исход; продажа ждёт вебхука.
	ProviderStatusPending ProviderStatus = "pending"
)

// PaymentTransaction — транзакция, открытая у провайдера.
type PaymentTransaction struct {
	Token       string
	RedirectURL string
}

// PaymentConfirmation — ответ провайдера на подтверждение транзакции.
type PaymentConfirmation struct {
	Status                ProviderStatus
	ProviderTransactionID string
	Raw                   map[string]any
}

// WebhookEventKind — тип события из вебхука провайдера.
type WebhookEventKind string

const (
	WebhookPaymentCompleted WebhookEventKind = "payment.completed"
	WebhookPaymentFailed    WebhookEventKind = "payment.failed"
	WebhookPaymentRefunded  WebhookEventKind = "payment.refunded"
)

// WebhookEvent — разобранное и проверенное событие провайдера.
type WebhookEvent struct {
	EventID string
	Kind    WebhookEventKind
	// SaleReference — ID продажи или токен транзакции у провайдера.
	SaleReference string
	Details       map[string]any
}

// PaymentGateway — единый интерфейс поверх платёжных провайдеров.
type PaymentGateway interface {
	Provider() string
	CreateTransaction(ctx context.Context, saleID string, amountMinor int64, currency, returnURL string) (PaymentTransaction, error)
	ConfirmTransaction(ctx context.Context, token string) (PaymentConfirmation, error)
	// ParseWebhook проверяет подпись и возвращает ErrInvalidSignature, если она не сошлась.
	ParseWebhook(payload []byte, headers map[string]string) (WebhookEvent, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// PaymentStep задаёт константы шагов оплаты для метрик/логов.
type PaymentStep string

const (
	PaymentStepCreate   PaymentStep = "create_transaction"
	PaymentStepConfirm  PaymentStep = "confirm_transaction"
	PaymentStepActivate PaymentStep = "activate_enrollment"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
