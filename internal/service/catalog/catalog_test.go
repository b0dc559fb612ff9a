package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

func TestStaticCatalog(t *testing.T) {
	c := NewStaticCatalog(domain.Course{ID: "course-1", Currency: "USD", NetPrice: 100})

	course, err := c.GetCourse(context.Background(), "course-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), course.NetPrice)

	_, err = c.GetCourse(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrCourseNotFound)
}

func TestLoadStaticCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id":"go-101","currency":"CLP","net_price":10000,"tax_rate":"0.19","discount_percent":"30"},
		{"id":"intro","currency":"USD","is_free":true}
	]`), 0o600))

	c, err := LoadStaticCatalog(path)
	require.NoError(t, err)

	course, err := c.GetCourse(context.Background(), "go-101")
	require.NoError(t, err)
	assert.True(t, course.TaxRate.Equal(decimal.RequireFromString("0.19")))
	assert.True(t, course.DiscountPercent.Equal(decimal.NewFromInt(30)))

	free, err := c.GetCourse(context.Background(), "intro")
	require.NoError(t, err)
	assert.True(t, free.IsFree)
}

func TestHTTPCatalog_GetCourse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/courses/go-101":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"go-101","currency":"USD","net_price":10000,"tax_rate":0.19}`))
		case "/courses/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := NewHTTPCatalog(server.URL, time.Second, nil)
	defer c.Close()

	course, err := c.GetCourse(context.Background(), "go-101")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), course.NetPrice)
	assert.True(t, course.TaxRate.Equal(decimal.RequireFromString("0.19")))

	_, err = c.GetCourse(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrCourseNotFound)

	_, err = c.GetCourse(context.Background(), "broken")
	assert.ErrorIs(t, err, domain.ErrCatalogUnavailable)
}
