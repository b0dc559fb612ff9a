package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

const providerHeader = "X-Payment-Provider"

// handleWebhook принимает событие провайдера. Нераспознанный тип события
// подтверждается 202, чтобы провайдер не повторял доставку.
func (h *handler) handleWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Query("provider"))
	if provider == "" {
		provider = strings.TrimSpace(c.GetHeader(providerHeader))
	}
	if provider == "" {
		writeError(c, h.logger, fmt.Errorf("%w: provider is required", domain.ErrValidation))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, h.maxWebhookSz+1))
	if err != nil {
		writeError(c, h.logger, fmt.Errorf("%w: read body: %v", domain.ErrValidation, err))
		return
	}
	if int64(len(payload)) > h.maxWebhookSz {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorResponse{Error: "payload_too_large", Message: "webhook payload is too large"})
		return
	}

	headers := make(map[string]string, len(c.Request.Header))
	for name := range c.Request.Header {
		headers[strings.ToLower(name)] = c.Request.Header.Get(name)
	}

	result, err := h.webhooks.Reconcile(c.Request.Context(), provider, payload, headers)
	if err != nil {
		if errors.Is(err, domain.ErrUnrecognizedEvent) {
			c.JSON(http.StatusAccepted, webhookResponse{Outcome: "unrecognized"})
			return
		}
		writeError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, webhookResponse{
		SaleID:  result.SaleID,
		EventID: result.EventID,
		Outcome: string(result.Outcome),
		Status:  string(result.Status),
	})
}
