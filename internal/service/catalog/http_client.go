package catalog

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"resty.dev/v3"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

const defaultHTTPTimeout = 3 * time.Second

// HTTPCatalog читает курсы из внешнего сервиса каталога по REST.
type HTTPCatalog struct {
	client *resty.Client
	logger *log.Entry
}

// NewHTTPCatalog создаёт клиента каталога с базовым URL.
func NewHTTPCatalog(baseURL string, timeout time.Duration, logger *log.Entry) *HTTPCatalog {
	if logger == nil {
		logger = log.New().WithField("component", "catalog-client")
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetHeader("Accept", "application/json")

	return &HTTPCatalog{client: client, logger: logger}
}

// GetCourse запрашивает GET /courses/{id}.
func (c *HTTPCatalog) GetCourse(ctx context.Context, courseID string) (domain.Course, error) {
	var dto courseDTO
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", courseID).
		SetResult(&dto).
		Get("/courses/{id}")
	if err != nil {
		c.logger.WithError(err).WithField("course_id", courseID).Warn("catalog request failed")
		return domain.Course{}, fmt.Errorf("%w: %v", domain.ErrCatalogUnavailable, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return domain.Course{}, domain.ErrCourseNotFound
	case resp.IsError():
		return domain.Course{}, fmt.Errorf("%w: status %d", domain.ErrCatalogUnavailable, resp.StatusCode())
	}

	if dto.ID == "" {
		dto.ID = courseID
	}
	return dto.toDomain(), nil
}

// Close освобождает ресурсы HTTP-клиента.
func (c *HTTPCatalog) Close() error {
	return c.client.Close()
}

var _ domain.CourseCatalog = (*HTTPCatalog)(nil)
