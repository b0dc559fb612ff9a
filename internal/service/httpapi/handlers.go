package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	"github.com/vladislavdragonenkov/coursesales/internal/service/checkout"
	"github.com/vladislavdragonenkov/coursesales/internal/service/ledger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type handler struct {
	sales        SaleService
	payments     PaymentProcessor
	webhooks     WebhookReconciler
	logger       *log.Entry
	maxWebhookSz int64
}

func (h *handler) createSale(c *gin.Context) {
	var req createSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}
	caller := callerFrom(c)
	buyerID := strings.TrimSpace(req.BuyerID)
	if buyerID == "" {
		buyerID = caller.CallerID
	}

	sale, err := h.sales.CreateSale(c.Request.Context(), ledger.CreateSaleRequest{
		BuyerID:           buyerID,
		CourseID:          req.CourseID,
		PaymentDetails:    req.PaymentDetails,
		SpecialAssignment: req.SpecialAssignment,
		AssignmentReason:  req.AssignmentReason,
	}, caller)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, toSaleResponse(sale))
}

func (h *handler) getSale(c *gin.Context) {
	sale, err := h.sales.GetSale(c.Request.Context(), c.Param("id"), callerFrom(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toSaleResponse(sale))
}

func (h *handler) listSales(c *gin.Context) {
	caller := callerFrom(c)
	buyerID := strings.TrimSpace(c.Query("buyer_id"))
	if buyerID == "" {
		buyerID = caller.CallerID
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(c, h.logger, fmt.Errorf("%w: limit must be a positive integer", domain.ErrValidation))
			return
		}
		limit = min(parsed, maxListLimit)
	}

	sales, err := h.sales.ListSales(c.Request.Context(), buyerID, caller, limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	resp := saleListResponse{Sales: make([]saleResponse, 0, len(sales)), Count: len(sales)}
	for _, sale := range sales {
		resp.Sales = append(resp.Sales, toSaleResponse(sale))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) transitionSale(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}
	target, err := domain.ParseSaleStatus(req.Status)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	sale, err := h.sales.Transition(c.Request.Context(), ledger.TransitionRequest{
		SaleID:         c.Param("id"),
		Target:         target,
		Message:        req.Message,
		PaymentDetails: req.PaymentDetails,
	}, callerFrom(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toSaleResponse(sale))
}

func (h *handler) processPayment(c *gin.Context) {
	var req processPaymentRequest
	// Пустое тело допустимо: провайдер и return_url берутся по умолчанию.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, h.logger, fmt.Errorf("%w: %v", domain.ErrValidation, err))
			return
		}
	}

	res, err := h.payments.Process(c.Request.Context(), checkout.Request{
		SaleID:    c.Param("id"),
		Provider:  req.Provider,
		ReturnURL: req.ReturnURL,
		Token:     req.Token,
	}, callerFrom(c))
	if err != nil {
		// Ошибка провайдера после чтения продажи: отдаём и статус, и текущее состояние.
		if res.Phase != "" && errors.Is(err, domain.ErrUpstreamProvider) {
			status, _ := statusForError(err)
			resp := toProcessPaymentResponse(res)
			resp.Error = err.Error()
			c.JSON(status, resp)
			return
		}
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toProcessPaymentResponse(res))
}

func (h *handler) backfillEnrollment(c *gin.Context) {
	enrollment, err := h.sales.BackfillEnrollment(c.Request.Context(), c.Param("id"), callerFrom(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toEnrollmentResponse(enrollment))
}

func (h *handler) getEnrollment(c *gin.Context) {
	caller := callerFrom(c)
	buyerID := strings.TrimSpace(c.Query("buyer_id"))
	if buyerID == "" {
		buyerID = caller.CallerID
	}
	enrollment, err := h.sales.GetEnrollment(c.Request.Context(), buyerID, c.Param("courseId"), caller)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toEnrollmentResponse(enrollment))
}
