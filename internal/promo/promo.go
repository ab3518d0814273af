package promo

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-lms/internal/pricing"
)

var (
	// ErrNotFound is returned when no promo code matches the lookup.
	ErrNotFound = errors.New("promo code not found")
	// ErrDuplicateCode is returned when a promo code already exists.
	ErrDuplicateCode = errors.New("promo code already exists")
	// ErrInvalidInput wraps validation failures on create.
	ErrInvalidInput = errors.New("invalid promo code input")
)

const dateLayout = "2006-01-02"

// Record is a stored promo code.
type Record struct {
	ID           uuid.UUID            `json:"id"`
	Code         string               `json:"code"`
	Message      string               `json:"message"`
	DiscountType pricing.DiscountType `json:"discount_type"`
	Discount     decimal.Decimal      `json:"discount"`
	IsActive     bool                 `json:"is_active"`
	StartDate    Date                 `json:"start_date"`
	EndDate      Date                 `json:"end_date"`
	CreatedBy    string               `json:"created_by,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
}

// Snapshot converts the record into the value priced by the engine.
func (r Record) Snapshot() *pricing.PromoCode {
	return &pricing.PromoCode{
		Code:         r.Code,
		DiscountType: r.DiscountType,
		Discount:     r.Discount,
		IsActive:     r.IsActive,
		StartDate:    r.StartDate.Time,
		EndDate:      r.EndDate.Time,
	}
}

// NormalizeCode upper-cases and trims a promo code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Date is a calendar date encoded as YYYY-MM-DD.
type Date struct {
	time.Time
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, err
	}
	return Date{t}, nil
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Format(dateLayout) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(b []byte) error {
	parsed, err := ParseDate(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
