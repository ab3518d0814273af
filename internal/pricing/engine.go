package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ErrInvalidInput marks pricing inputs that break the engine contract.
var ErrInvalidInput = errors.New("pricing: invalid input")

// LineItem is one course in a cart together with the promo code attached to it.
type LineItem struct {
	CourseID      string
	Title         string
	OriginalPrice decimal.Decimal
	DiscountPrice *decimal.Decimal
	PromoCode     *PromoCode
}

// LineItemResult holds the computed breakdown for a single line item. Values
// keep full precision; use Rounded or JSON encoding for presentation.
type LineItemResult struct {
	CourseID       string
	Title          string
	PromoCode      string
	OriginalPrice  decimal.Decimal
	CourseDiscount decimal.Decimal
	Subtotal       decimal.Decimal
	PromoDiscount  decimal.Decimal
	TaxableAmount  decimal.Decimal
	TaxPercentage  decimal.Decimal
	TaxAmount      decimal.Decimal
	Total          decimal.Decimal
}

// CartSummary aggregates line results for a whole cart.
type CartSummary struct {
	OriginalPrice  decimal.Decimal
	CourseDiscount decimal.Decimal
	Subtotal       decimal.Decimal
	PromoDiscount  decimal.Decimal
	TaxableAmount  decimal.Decimal
	TaxPercentage  decimal.Decimal
	TaxAmount      decimal.Decimal
	Total          decimal.Decimal
	Courses        []LineItemResult
}

// Validate reports whether the inputs satisfy the engine contract. Callers
// that receive data from storage should check it before pricing.
func Validate(originalPrice decimal.Decimal, discountPrice *decimal.Decimal, promo *PromoCode, taxPercentage decimal.Decimal) error {
	if originalPrice.IsNegative() {
		return fmt.Errorf("%w: original price %s is negative", ErrInvalidInput, originalPrice)
	}
	if discountPrice != nil && discountPrice.IsNegative() {
		return fmt.Errorf("%w: discount price %s is negative", ErrInvalidInput, discountPrice)
	}
	if taxPercentage.IsNegative() {
		return fmt.Errorf("%w: tax percentage %s is negative", ErrInvalidInput, taxPercentage)
	}
	if promo != nil {
		if promo.Discount.IsNegative() {
			return fmt.Errorf("%w: promo %q discount is negative", ErrInvalidInput, promo.Code)
		}
		if !promo.DiscountType.Valid() {
			return fmt.Errorf("%w: promo %q has unknown discount type %q", ErrInvalidInput, promo.Code, promo.DiscountType)
		}
	}
	return nil
}

// PriceLineItem computes the breakdown for one course. The steps always run in
// the same order: course discount, promo discount, tax. It panics when the
// inputs violate the contract described by Validate.
func PriceLineItem(originalPrice decimal.Decimal, discountPrice *decimal.Decimal, promo *PromoCode, taxPercentage decimal.Decimal, today time.Time) LineItemResult {
	if err := Validate(originalPrice, discountPrice, promo, taxPercentage); err != nil {
		panic(err)
	}

	courseDiscount := decimal.Zero
	if discountPrice != nil {
		// a sale price above the list price yields no course discount
		courseDiscount = decimal.Max(decimal.Zero, originalPrice.Sub(*discountPrice))
	}
	subtotal := originalPrice.Sub(courseDiscount)

	promoDiscount := decimal.Zero
	appliedCode := ""
	if promo.Applicable(today) {
		var raw decimal.Decimal
		switch promo.DiscountType {
		case DiscountPercentage:
			raw = subtotal.Mul(promo.Discount).Div(hundred)
		case DiscountAmount:
			raw = promo.Discount
		}
		promoDiscount = decimal.Min(raw, subtotal)
		appliedCode = promo.Code
	}

	taxable := subtotal.Sub(promoDiscount)
	taxAmount := taxable.Mul(taxPercentage).Div(hundred)

	return LineItemResult{
		PromoCode:      appliedCode,
		OriginalPrice:  originalPrice,
		CourseDiscount: courseDiscount,
		Subtotal:       subtotal,
		PromoDiscount:  promoDiscount,
		TaxableAmount:  taxable,
		TaxPercentage:  taxPercentage,
		TaxAmount:      taxAmount,
		Total:          taxable.Add(taxAmount),
	}
}

// Price runs PriceLineItem for a cart line and carries its identity through.
func Price(item LineItem, taxPercentage decimal.Decimal, today time.Time) LineItemResult {
	res := PriceLineItem(item.OriginalPrice, item.DiscountPrice, item.PromoCode, taxPercentage, today)
	res.CourseID = item.CourseID
	res.Title = item.Title
	return res
}

// SummarizeCart sums every money field across the provided lines. All lines
// share the single user-level tax rate, which is reported as is.
func SummarizeCart(lines []LineItemResult) CartSummary {
	summary := CartSummary{
		OriginalPrice:  decimal.Zero,
		CourseDiscount: decimal.Zero,
		Subtotal:       decimal.Zero,
		PromoDiscount:  decimal.Zero,
		TaxableAmount:  decimal.Zero,
		TaxPercentage:  decimal.Zero,
		TaxAmount:      decimal.Zero,
		Total:          decimal.Zero,
		Courses:        make([]LineItemResult, 0, len(lines)),
	}
	for _, line := range lines {
		summary.OriginalPrice = summary.OriginalPrice.Add(line.OriginalPrice)
		summary.CourseDiscount = summary.CourseDiscount.Add(line.CourseDiscount)
		summary.Subtotal = summary.Subtotal.Add(line.Subtotal)
		summary.PromoDiscount = summary.PromoDiscount.Add(line.PromoDiscount)
		summary.TaxableAmount = summary.TaxableAmount.Add(line.TaxableAmount)
		summary.TaxAmount = summary.TaxAmount.Add(line.TaxAmount)
		summary.Total = summary.Total.Add(line.Total)
		summary.Courses = append(summary.Courses, line)
	}
	if len(lines) > 0 {
		summary.TaxPercentage = lines[0].TaxPercentage
	}
	return summary
}

// Rounded returns a copy with every money field rounded to two decimal places.
func (r LineItemResult) Rounded() LineItemResult {
	return r.RoundedTo(2)
}

// RoundedTo rounds the money fields to places. Taxable amount and total are
// derived from the rounded parts so each line stays internally consistent.
func (r LineItemResult) RoundedTo(places int32) LineItemResult {
	r.OriginalPrice = r.OriginalPrice.Round(places)
	r.CourseDiscount = r.CourseDiscount.Round(places)
	r.Subtotal = r.Subtotal.Round(places)
	r.PromoDiscount = r.PromoDiscount.Round(places)
	r.TaxableAmount = r.Subtotal.Sub(r.PromoDiscount)
	r.TaxPercentage = r.TaxPercentage.Round(2)
	r.TaxAmount = r.TaxAmount.Round(places)
	r.Total = r.TaxableAmount.Add(r.TaxAmount)
	return r
}

// Rounded returns the summary with two decimal places.
func (s CartSummary) Rounded() CartSummary {
	return s.RoundedTo(2)
}

// RoundedTo rounds every line first and rebuilds the aggregate from the
// rounded lines, so Total always equals the sum of the line totals.
func (s CartSummary) RoundedTo(places int32) CartSummary {
	lines := make([]LineItemResult, len(s.Courses))
	for i, line := range s.Courses {
		lines[i] = line.RoundedTo(places)
	}
	out := SummarizeCart(lines)
	if len(lines) == 0 {
		out.TaxPercentage = s.TaxPercentage.Round(2)
	}
	return out
}
