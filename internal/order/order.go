package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-lms/internal/payment"
	"github.com/noah-isme/backend-lms/internal/pricing"
)

var (
	// ErrNotFound is returned for unknown orders or orders of another user.
	ErrNotFound = errors.New("order not found")
	// ErrEmptyCart is returned when checking out a cart without courses.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrNotRefundable is returned when the order is not in a paid state.
	ErrNotRefundable = errors.New("order is not refundable")
	// ErrInvalidLines is returned when refund lines are unknown, repeated or
	// already refunded.
	ErrInvalidLines = errors.New("invalid refund lines")
	// ErrRefundUnsupported is returned when the gateway cannot refund via API.
	ErrRefundUnsupported = errors.New("gateway does not support refunds")
	// ErrInvalidCart is returned when a quoted cart line cannot become an
	// order line.
	ErrInvalidCart = errors.New("invalid cart line")
	// ErrStateConflict is returned when a webhook does not fit the order state.
	ErrStateConflict = errors.New("order state conflict")
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending           Status = "pending"
	StatusPaid              Status = "paid"
	StatusFailed            Status = "failed"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
)

// Refundable reports whether lines of an order in this status can be refunded.
func (s Status) Refundable() bool {
	return s == StatusPaid || s == StatusPartiallyRefunded
}

// Line is the persisted breakdown of one purchased course.
type Line struct {
	ID             uuid.UUID
	CourseID       uuid.UUID
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
	RefundedAt     *time.Time
}

// Refunded reports whether the line has been refunded.
func (l Line) Refunded() bool { return l.RefundedAt != nil }

// Order is a checkout snapshot of a priced cart.
type Order struct {
	ID             uuid.UUID
	UserID         string
	Status         Status
	PaymentMethod  payment.Method
	Currency       string
	GatewayRef     string
	PaymentRef     string
	OriginalPrice  decimal.Decimal
	CourseDiscount decimal.Decimal
	Subtotal       decimal.Decimal
	PromoDiscount  decimal.Decimal
	TaxableAmount  decimal.Decimal
	TaxPercentage  decimal.Decimal
	TaxAmount      decimal.Decimal
	Total          decimal.Decimal
	RefundedAmount decimal.Decimal
	Lines          []Line
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Refund records one executed refund.
type Refund struct {
	ID         uuid.UUID
	OrderID    uuid.UUID
	Amount     decimal.Decimal
	Reason     string
	LineIDs    []uuid.UUID
	GatewayRef string
	CreatedAt  time.Time
}

// FromSummary snapshots a cart quote as a pending order. Each line is rounded
// to the currency's minor unit and the order aggregate is the sum of the
// rounded lines, so refunding every line returns exactly what was charged.
func FromSummary(userID string, method payment.Method, currency string, summary pricing.CartSummary) (Order, error) {
	s := summary.RoundedTo(payment.Exponent(currency))
	o := Order{
		UserID:         userID,
		Status:         StatusPending,
		PaymentMethod:  method,
		Currency:       currency,
		OriginalPrice:  s.OriginalPrice,
		CourseDiscount: s.CourseDiscount,
		Subtotal:       s.Subtotal,
		PromoDiscount:  s.PromoDiscount,
		TaxableAmount:  s.TaxableAmount,
		TaxPercentage:  s.TaxPercentage,
		TaxAmount:      s.TaxAmount,
		Total:          s.Total,
		RefundedAmount: decimal.Zero,
		Lines:          make([]Line, 0, len(s.Courses)),
	}
	for _, c := range s.Courses {
		courseID, err := uuid.Parse(c.CourseID)
		if err != nil {
			return Order{}, fmt.Errorf("%w: course id %q", ErrInvalidCart, c.CourseID)
		}
		o.Lines = append(o.Lines, Line{
			CourseID:       courseID,
			Title:          c.Title,
			PromoCode:      c.PromoCode,
			OriginalPrice:  c.OriginalPrice,
			CourseDiscount: c.CourseDiscount,
			Subtotal:       c.Subtotal,
			PromoDiscount:  c.PromoDiscount,
			TaxableAmount:  c.TaxableAmount,
			TaxPercentage:  c.TaxPercentage,
			TaxAmount:      c.TaxAmount,
			Total:          c.Total,
		})
	}
	return o, nil
}

// RefundAmount sums the totals of the selected lines that are not yet
// refunded. Unknown ids and duplicates contribute nothing.
func RefundAmount(o Order, lineIDs []uuid.UUID) decimal.Decimal {
	selected := make(map[uuid.UUID]bool, len(lineIDs))
	for _, id := range lineIDs {
		selected[id] = true
	}
	amount := decimal.Zero
	for _, line := range o.Lines {
		if selected[line.ID] && !line.Refunded() {
			amount = amount.Add(line.Total)
		}
	}
	return amount
}

// checkRefundLines rejects empty, repeated, foreign or refunded line ids.
func checkRefundLines(o Order, lineIDs []uuid.UUID) error {
	if len(lineIDs) == 0 {
		return errors.Join(ErrInvalidLines, errors.New("at least one line is required"))
	}
	byID := make(map[uuid.UUID]Line, len(o.Lines))
	for _, line := range o.Lines {
		byID[line.ID] = line
	}
	seen := make(map[uuid.UUID]bool, len(lineIDs))
	for _, id := range lineIDs {
		line, ok := byID[id]
		switch {
		case !ok:
			return errors.Join(ErrInvalidLines, errors.New("line "+id.String()+" is not part of the order"))
		case seen[id]:
			return errors.Join(ErrInvalidLines, errors.New("line "+id.String()+" is listed twice"))
		case line.Refunded():
			return errors.Join(ErrInvalidLines, errors.New("line "+id.String()+" is already refunded"))
		}
		seen[id] = true
	}
	return nil
}

// statusAfterRefund is refunded once every line is refunded.
func statusAfterRefund(o Order, lineIDs []uuid.UUID) Status {
	refunding := make(map[uuid.UUID]bool, len(lineIDs))
	for _, id := range lineIDs {
		refunding[id] = true
	}
	for _, line := range o.Lines {
		if !line.Refunded() && !refunding[line.ID] {
			return StatusPartiallyRefunded
		}
	}
	return StatusRefunded
}

type lineJSON struct {
	ID             uuid.UUID   `json:"id"`
	CourseID       uuid.UUID   `json:"course_id"`
	Title          string      `json:"title"`
	PromoCode      string      `json:"promo_code,omitempty"`
	OriginalPrice  json.Number `json:"original_price"`
	CourseDiscount json.Number `json:"course_discount"`
	Subtotal       json.Number `json:"subtotal"`
	PromoDiscount  json.Number `json:"promo_discount"`
	TaxableAmount  json.Number `json:"taxable_amount"`
	TaxPercentage  json.Number `json:"tax_percentage"`
	TaxAmount      json.Number `json:"tax_amount"`
	Total          json.Number `json:"total"`
	RefundedAt     *time.Time  `json:"refunded_at,omitempty"`
}

// MarshalJSON encodes money fields as numbers with two decimal places.
func (l Line) MarshalJSON() ([]byte, error) {
	return json.Marshal(lineJSON{
		ID:             l.ID,
		CourseID:       l.CourseID,
		Title:          l.Title,
		PromoCode:      l.PromoCode,
		OriginalPrice:  pricing.Amount(l.OriginalPrice),
		CourseDiscount: pricing.Amount(l.CourseDiscount),
		Subtotal:       pricing.Amount(l.Subtotal),
		PromoDiscount:  pricing.Amount(l.PromoDiscount),
		TaxableAmount:  pricing.Amount(l.TaxableAmount),
		TaxPercentage:  pricing.Amount(l.TaxPercentage),
		TaxAmount:      pricing.Amount(l.TaxAmount),
		Total:          pricing.Amount(l.Total),
		RefundedAt:     l.RefundedAt,
	})
}

type orderJSON struct {
	ID             uuid.UUID      `json:"id"`
	Status         Status         `json:"status"`
	PaymentMethod  payment.Method `json:"payment_method"`
	Currency       string         `json:"currency"`
	OriginalPrice  json.Number    `json:"original_price"`
	CourseDiscount json.Number    `json:"course_discount"`
	Subtotal       json.Number    `json:"subtotal"`
	PromoDiscount  json.Number    `json:"promo_discount"`
	TaxableAmount  json.Number    `json:"taxable_amount"`
	TaxPercentage  json.Number    `json:"tax_percentage"`
	TaxAmount      json.Number    `json:"tax_amount"`
	Total          json.Number    `json:"total"`
	RefundedAmount json.Number    `json:"refunded_amount"`
	Courses        []Line         `json:"courses"`
	CreatedAt      time.Time      `json:"created_at"`
}

// MarshalJSON encodes the order for API responses. Gateway references stay
// internal.
func (o Order) MarshalJSON() ([]byte, error) {
	lines := o.Lines
	if lines == nil {
		lines = []Line{}
	}
	return json.Marshal(orderJSON{
		ID:             o.ID,
		Status:         o.Status,
		PaymentMethod:  o.PaymentMethod,
		Currency:       o.Currency,
		OriginalPrice:  pricing.Amount(o.OriginalPrice),
		CourseDiscount: pricing.Amount(o.CourseDiscount),
		Subtotal:       pricing.Amount(o.Subtotal),
		PromoDiscount:  pricing.Amount(o.PromoDiscount),
		TaxableAmount:  pricing.Amount(o.TaxableAmount),
		TaxPercentage:  pricing.Amount(o.TaxPercentage),
		TaxAmount:      pricing.Amount(o.TaxAmount),
		Total:          pricing.Amount(o.Total),
		RefundedAmount: pricing.Amount(o.RefundedAmount),
		Courses:        lines,
		CreatedAt:      o.CreatedAt,
	})
}

// MarshalJSON encodes the refund amount with two decimal places.
func (r Refund) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID        uuid.UUID   `json:"id"`
		OrderID   uuid.UUID   `json:"order_id"`
		Amount    json.Number `json:"amount"`
		Reason    string      `json:"reason,omitempty"`
		LineIDs   []uuid.UUID `json:"line_ids"`
		CreatedAt time.Time   `json:"created_at"`
	}{r.ID, r.OrderID, pricing.Amount(r.Amount), r.Reason, r.LineIDs, r.CreatedAt})
}
