package catalog

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

// courseDTO — JSON-представление курса в каталоге и в файле статического каталога.
type courseDTO struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Currency         string          `json:"currency"`
	NetPrice         int64           `json:"net_price"`
	TaxRate          decimal.Decimal `json:"tax_rate"`
	DiscountPercent  decimal.Decimal `json:"discount_percent"`
	DiscountStartsAt *time.Time      `json:"discount_starts_at,omitempty"`
	DiscountEndsAt   *time.Time      `json:"discount_ends_at,omitempty"`
	IsFree           bool            `json:"is_free"`
}

func (d courseDTO) toDomain() domain.Course {
	return domain.Course{
		ID:               d.ID,
		Title:            d.Title,
		Currency:         d.Currency,
		NetPrice:         d.NetPrice,
		TaxRate:          d.TaxRate,
		DiscountPercent:  d.DiscountPercent,
		DiscountStartsAt: d.DiscountStartsAt,
		DiscountEndsAt:   d.DiscountEndsAt,
		IsFree:           d.IsFree,
	}
}
