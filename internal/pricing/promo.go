package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// DiscountType describes how a promo code reduces a line subtotal.
type DiscountType string

const (
	// DiscountPercentage takes Discount percent off the subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountAmount takes a fixed Discount in currency units off the subtotal.
	DiscountAmount DiscountType = "amount"
)

// Valid reports whether the discount type is known.
func (t DiscountType) Valid() bool {
	return t == DiscountPercentage || t == DiscountAmount
}

// PromoCode is the snapshot of a promo record used during pricing.
type PromoCode struct {
	Code         string
	DiscountType DiscountType
	Discount     decimal.Decimal
	IsActive     bool
	StartDate    time.Time
	EndDate      time.Time
}

// Applicable reports whether the promo is active and today falls inside the
// inclusive [StartDate, EndDate] window. Only calendar dates are compared.
func (p *PromoCode) Applicable(today time.Time) bool {
	if p == nil || !p.IsActive {
		return false
	}
	day := civilDate(today)
	if day.Before(civilDate(p.StartDate)) {
		return false
	}
	return !day.After(civilDate(p.EndDate))
}

func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
