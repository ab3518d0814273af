package pricing

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

type lineJSON struct {
	CourseID       string      `json:"course_id,omitempty"`
	Title          string      `json:"title,omitempty"`
	PromoCode      string      `json:"promo_code,omitempty"`
	OriginalPrice  json.Number `json:"original_price"`
	CourseDiscount json.Number `json:"course_discount"`
	Subtotal       json.Number `json:"subtotal"`
	PromoDiscount  json.Number `json:"promo_discount"`
	TaxableAmount  json.Number `json:"taxable_amount"`
	TaxPercentage  json.Number `json:"tax_percentage"`
	TaxAmount      json.Number `json:"tax_amount"`
	Total          json.Number `json:"total"`
}

type summaryJSON struct {
	OriginalPrice  json.Number      `json:"original_price"`
	CourseDiscount json.Number      `json:"course_discount"`
	Subtotal       json.Number      `json:"subtotal"`
	PromoDiscount  json.Number      `json:"promo_discount"`
	TaxableAmount  json.Number      `json:"taxable_amount"`
	TaxPercentage  json.Number      `json:"tax_percentage"`
	TaxAmount      json.Number      `json:"tax_amount"`
	Total          json.Number      `json:"total"`
	Courses        []LineItemResult `json:"courses"`
}

// Amount renders d as a JSON number with exactly two fraction digits.
func Amount(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

// MarshalJSON encodes money fields as numbers with two decimal places.
func (r LineItemResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(lineJSON{
		CourseID:       r.CourseID,
		Title:          r.Title,
		PromoCode:      r.PromoCode,
		OriginalPrice:  Amount(r.OriginalPrice),
		CourseDiscount: Amount(r.CourseDiscount),
		Subtotal:       Amount(r.Subtotal),
		PromoDiscount:  Amount(r.PromoDiscount),
		TaxableAmount:  Amount(r.TaxableAmount),
		TaxPercentage:  Amount(r.TaxPercentage),
		TaxAmount:      Amount(r.TaxAmount),
		Total:          Amount(r.Total),
	})
}

// MarshalJSON encodes the summary in the GET /cart response shape.
func (s CartSummary) MarshalJSON() ([]byte, error) {
	courses := s.Courses
	if courses == nil {
		courses = []LineItemResult{}
	}
	return json.Marshal(summaryJSON{
		OriginalPrice:  Amount(s.OriginalPrice),
		CourseDiscount: Amount(s.CourseDiscount),
		Subtotal:       Amount(s.Subtotal),
		PromoDiscount:  Amount(s.PromoDiscount),
		TaxableAmount:  Amount(s.TaxableAmount),
		TaxPercentage:  Amount(s.TaxPercentage),
		TaxAmount:      Amount(s.TaxAmount),
		Total:          Amount(s.Total),
		Courses:        courses,
	})
}
