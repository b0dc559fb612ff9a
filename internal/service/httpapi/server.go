// Package httpapi содержит REST API сервиса продаж на gin.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	"github.com/vladislavdragonenkov/coursesales/internal/service/checkout"
	"github.com/vladislavdragonenkov/coursesales/internal/service/idempotency"
	"github.com/vladislavdragonenkov/coursesales/internal/service/ledger"
	"github.com/vladislavdragonenkov/coursesales/internal/service/webhook"
)

// SaleService — операции Ledger, доступные через HTTP.
type SaleService interface {
	CreateSale(ctx context.Context, req ledger.CreateSaleRequest, caller domain.Capability) (domain.Sale, error)
	GetSale(ctx context.Context, saleID string, caller domain.Capability) (domain.Sale, error)
	ListSales(ctx context.Context, buyerID string, caller domain.Capability, limit int) ([]domain.Sale, error)
	Transition(ctx context.Context, req ledger.TransitionRequest, caller domain.Capability) (domain.Sale, error)
	GetEnrollment(ctx context.Context, buyerID, courseID string, caller domain.Capability) (domain.Enrollment, error)
	BackfillEnrollment(ctx context.Context, saleID string, caller domain.Capability) (domain.Enrollment, error)
}

// PaymentProcessor продвигает оплату продажи.
type PaymentProcessor interface {
	Process(ctx context.Context, req checkout.Request, caller domain.Capability) (checkout.Result, error)
}

// WebhookReconciler принимает сырые вебхуки провайдеров.
type WebhookReconciler interface {
	Reconcile(ctx context.Context, provider string, payload []byte, headers map[string]string) (webhook.Result, error)
}

// Deps — зависимости роутера. Guard может быть nil: тогда Idempotency-Key игнорируется.
type Deps struct {
	Sales      SaleService
	Payments   PaymentProcessor
	Webhooks   WebhookReconciler
	Guard      *idempotency.Guard
	JWTSecret  string
	Logger     *log.Entry
	MaxWebhook int64
}

const defaultMaxWebhookBytes = 1 << 20

// NewRouter собирает gin.Engine со всеми маршрутами.
func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	if deps.MaxWebhook <= 0 {
		deps.MaxWebhook = defaultMaxWebhookBytes
	}

	h := &handler{
		sales:        deps.Sales,
		payments:     deps.Payments,
		webhooks:     deps.Webhooks,
		logger:       logger,
		maxWebhookSz: deps.MaxWebhook,
	}

	router := gin.New()
	router.Use(gin.Recovery(), accessLog(logger))
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "not_found", Message: "route not found"})
	})

	// Вебхук подписан провайдером, bearer-токен не нужен.
	router.POST("/sales/webhook", h.handleWebhook)

	authed := router.Group("/", jwtAuth(deps.JWTSecret, logger))
	{
		authed.POST("/sales", idempotent(deps.Guard, logger), h.createSale)
		authed.GET("/sales", h.listSales)
		authed.GET("/sales/:id", h.getSale)
		authed.PATCH("/sales/:id/status", h.transitionSale)
		authed.POST("/sales/:id/process-payment", idempotent(deps.Guard, logger), h.processPayment)
		authed.POST("/sales/:id/backfill-enrollment", h.backfillEnrollment)
		authed.GET("/enrollments/:courseId", h.getEnrollment)
	}
	return router
}
