// Package pricing считает цену продажи по снимку данных курса.
// Расчёт выполняется один раз при создании продажи, результат замораживается в Sale.
package pricing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Quote — результат расчёта. Все суммы в минимальных денежных единицах.
type Quote struct {
	Currency string

	// Цены без скидки.
	ListNetPrice   int64
	ListTotalPrice int64

	// Итоговые цены, которые попадут в продажу.
	NetPrice   int64
	TaxAmount  int64
	TotalPrice int64

	DiscountActive  bool
	DiscountPercent decimal.Decimal
	DiscountAmount  int64
	Free            bool
}

// DiscountActive — скидка больше нуля и now попадает в окно (если оно задано).
func DiscountActive(course domain.Course, now time.Time) bool {
	if !course.DiscountPercent.IsPositive() {
		return false
	}
	if course.DiscountStartsAt != nil && now.Before(*course.DiscountStartsAt) {
		return false
	}
	if course.DiscountEndsAt != nil && now.After(*course.DiscountEndsAt) {
		return false
	}
	return true
}

// Calculate считает цену курса на момент now.
func Calculate(course domain.Course, now time.Time) (Quote, error) {
	if err := validate(course); err != nil {
		return Quote{}, err
	}

	quote := Quote{Currency: course.Currency, DiscountPercent: decimal.Zero}
	if course.IsFree {
		quote.Free = true
		return quote, nil
	}

	net := decimal.NewFromInt(course.NetPrice)
	taxFactor := one.Add(course.TaxRate)

	quote.ListNetPrice = course.NetPrice
	quote.ListTotalPrice = roundMinor(net.Mul(taxFactor))
	quote.NetPrice = quote.ListNetPrice
	quote.TotalPrice = quote.ListTotalPrice

	if DiscountActive(course, now) {
		discountedNet := roundMinor(net.Mul(hundred.Sub(course.DiscountPercent)).Div(hundred))
		discountedTotal := roundMinor(decimal.NewFromInt(discountedNet).Mul(taxFactor))

		quote.DiscountActive = true
		quote.DiscountPercent = course.DiscountPercent
		quote.DiscountAmount = course.NetPrice - discountedNet
		quote.NetPrice = discountedNet
		quote.TotalPrice = discountedTotal
	}

	quote.TaxAmount = quote.TotalPrice - quote.NetPrice
	return quote, nil
}

// roundMinor округляет до целой минимальной единицы, половина вверх.
// Для неотрицательных сумм decimal.Round совпадает с half-up.
func roundMinor(v decimal.Decimal) int64 {
	return v.Round(0).IntPart()
}

func validate(course domain.Course) error {
	if course.Currency == "" {
		return domain.ErrCurrencyRequired
	}
	if course.IsFree {
		return nil
	}
	if course.NetPrice < 0 {
		return fmt.Errorf("%w: negative net price %d", domain.ErrPricingInvalid, course.NetPrice)
	}
	if course.TaxRate.IsNegative() {
		return fmt.Errorf("%w: negative tax rate %s", domain.ErrPricingInvalid, course.TaxRate)
	}
	if course.DiscountPercent.IsNegative() || course.DiscountPercent.GreaterThan(hundred) {
		return fmt.Errorf("%w: discount percent %s out of range", domain.ErrPricingInvalid, course.DiscountPercent)
	}
	if course.DiscountStartsAt != nil && course.DiscountEndsAt != nil && course.DiscountEndsAt.Before(*course.DiscountStartsAt) {
		return fmt.Errorf("%w: discount window ends before it starts", domain.ErrPricingInvalid)
	}
	return nil
}
