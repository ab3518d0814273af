package pricing_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/cucumber/godog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-lms/internal/pricing"
)

type pricingFeature struct {
	items   []pricing.LineItem
	tax     decimal.Decimal
	summary pricing.CartSummary
}

func (f *pricingFeature) reset() {
	f.items = nil
	f.tax = decimal.Zero
	f.summary = pricing.CartSummary{}
}

func (f *pricingFeature) aCoursePricedAt(price string) error {
	f.items = append(f.items, pricing.LineItem{
		CourseID:      fmt.Sprintf("course-%d", len(f.items)+1),
		OriginalPrice: decimal.RequireFromString(price),
	})
	return nil
}

func (f *pricingFeature) aCoursePricedAtOnSaleFor(price, sale string) error {
	if err := f.aCoursePricedAt(price); err != nil {
		return err
	}
	d := decimal.RequireFromString(sale)
	f.items[len(f.items)-1].DiscountPrice = &d
	return nil
}

func (f *pricingFeature) attach(promo *pricing.PromoCode) error {
	if len(f.items) == 0 {
		return fmt.Errorf("no course in cart")
	}
	f.items[len(f.items)-1].PromoCode = promo
	return nil
}

func (f *pricingFeature) anActivePercentagePromo(value string) error {
	return f.attach(&pricing.PromoCode{
		Code:         "PERCENT",
		DiscountType: pricing.DiscountPercentage,
		Discount:     decimal.RequireFromString(value),
		IsActive:     true,
		StartDate:    today.AddDate(0, 0, -1),
		EndDate:      today.AddDate(0, 0, 1),
	})
}

func (f *pricingFeature) anActiveAmountPromo(value string) error {
	return f.attach(&pricing.PromoCode{
		Code:         "AMOUNT",
		DiscountType: pricing.DiscountAmount,
		Discount:     decimal.RequireFromString(value),
		IsActive:     true,
		StartDate:    today,
		EndDate:      today,
	})
}

func (f *pricingFeature) anExpiredAmountPromo(value string) error {
	return f.attach(&pricing.PromoCode{
		Code:         "OLD",
		DiscountType: pricing.DiscountAmount,
		Discount:     decimal.RequireFromString(value),
		IsActive:     true,
		StartDate:    today.AddDate(0, -1, 0),
		EndDate:      today.AddDate(0, 0, -1),
	})
}

func (f *pricingFeature) theUserPaysTax(rate string) error {
	f.tax = decimal.RequireFromString(rate)
	return nil
}

func (f *pricingFeature) theCartIsPriced() error {
	lines := make([]pricing.LineItemResult, 0, len(f.items))
	for _, item := range f.items {
		lines = append(lines, pricing.Price(item, f.tax, today))
	}
	f.summary = pricing.SummarizeCart(lines)
	return nil
}

func field(name string, line pricing.LineItemResult) (decimal.Decimal, error) {
	switch name {
	case "original price":
		return line.OriginalPrice, nil
	case "course discount":
		return line.CourseDiscount, nil
	case "subtotal":
		return line.Subtotal, nil
	case "promo discount":
		return line.PromoDiscount, nil
	case "taxable amount":
		return line.TaxableAmount, nil
	case "tax amount":
		return line.TaxAmount, nil
	case "total":
		return line.Total, nil
	}
	return decimal.Zero, fmt.Errorf("unknown field %q", name)
}

func (f *pricingFeature) theLineFieldIs(name, want string) error {
	if len(f.summary.Courses) == 0 {
		return fmt.Errorf("cart has no priced lines")
	}
	got, err := field(name, f.summary.Courses[len(f.summary.Courses)-1])
	if err != nil {
		return err
	}
	if got.StringFixed(2) != want {
		return fmt.Errorf("line %s: expected %s, got %s", name, want, got.StringFixed(2))
	}
	return nil
}

func (f *pricingFeature) theCartFieldIs(name, want string) error {
	asLine := pricing.LineItemResult{
		OriginalPrice:  f.summary.OriginalPrice,
		CourseDiscount: f.summary.CourseDiscount,
		Subtotal:       f.summary.Subtotal,
		PromoDiscount:  f.summary.PromoDiscount,
		TaxableAmount:  f.summary.TaxableAmount,
		TaxAmount:      f.summary.TaxAmount,
		Total:          f.summary.Total,
	}
	got, err := field(name, asLine)
	if err != nil {
		return err
	}
	if got.StringFixed(2) != want {
		return fmt.Errorf("cart %s: expected %s, got %s", name, want, got.StringFixed(2))
	}
	return nil
}

func (f *pricingFeature) theCartHasCourses(n int) error {
	if len(f.summary.Courses) != n {
		return fmt.Errorf("expected %d courses, got %d", n, len(f.summary.Courses))
	}
	return nil
}

func initializePricingScenario(ctx *godog.ScenarioContext) {
	f := &pricingFeature{}

	ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		f.reset()
		return ctx, nil
	})

	const amount = `(\d+(?:\.\d+)?)`
	const fields = `(original price|course discount|subtotal|promo discount|taxable amount|tax amount|total)`

	ctx.Step(`^a course priced at `+amount+`$`, f.aCoursePricedAt)
	ctx.Step(`^a course priced at `+amount+` on sale for `+amount+`$`, f.aCoursePricedAtOnSaleFor)
	ctx.Step(`^the course has an active `+amount+`% promo code$`, f.anActivePercentagePromo)
	ctx.Step(`^the course has an active promo code worth `+amount+`$`, f.anActiveAmountPromo)
	ctx.Step(`^the course has an expired promo code worth `+amount+`$`, f.anExpiredAmountPromo)
	ctx.Step(`^the user pays `+amount+`% tax$`, f.theUserPaysTax)

	ctx.Step(`^the cart is priced$`, f.theCartIsPriced)

	ctx.Step(`^the line `+fields+` is (\d+\.\d{2})$`, f.theLineFieldIs)
	ctx.Step(`^the cart `+fields+` is (\d+\.\d{2})$`, f.theCartFieldIs)
	ctx.Step(`^the cart has (\d+) courses$`, f.theCartHasCourses)
}

func TestPricingFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "pricing",
		ScenarioInitializer: initializePricingScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run pricing feature tests")
	}
}
