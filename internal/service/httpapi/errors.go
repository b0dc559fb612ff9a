package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	"github.com/vladislavdragonenkov/coursesales/internal/service/idempotency"
)

// errorResponse — тело ошибки для всех эндпоинтов.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusForError — единая таблица соответствия доменных ошибок HTTP-статусам.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case domain.IsValidation(err), errors.Is(err, domain.ErrIdempotencyKeyRequired):
		return http.StatusBadRequest, "validation_error"
	case domain.IsNotFound(err), errors.Is(err, domain.ErrUnknownSaleReference):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, idempotency.ErrRequestInProgress):
		return http.StatusConflict, "request_in_progress"
	case domain.IsConflict(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrProviderTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, domain.ErrCatalogUnavailable), errors.Is(err, domain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, domain.ErrUpstreamProvider):
		return http.StatusBadGateway, "upstream_provider_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(c *gin.Context, logger *log.Entry, err error) {
	status, code := statusForError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: code, Message: message})
}
