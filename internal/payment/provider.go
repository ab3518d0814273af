package payment

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-lms/internal/config"
)

var (
	// ErrGatewayUnavailable is returned for unknown or disabled payment methods.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrInvalidSignature marks webhook payloads that fail verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrGatewayFailed wraps errors returned by a gateway API call.
	ErrGatewayFailed = errors.New("payment gateway request failed")
	// ErrInvalidOrder is returned when an order cannot be sent to a gateway.
	ErrInvalidOrder = errors.New("invalid payment order")
)

// GatewayConfig holds the credentials and defaults of one gateway.
type GatewayConfig = config.PaymentGatewayConfig

// Method identifies a payment gateway.
type Method string

const (
	MethodStripe      Method = "stripe"
	MethodRazorpay    Method = "razorpay"
	MethodFlutterwave Method = "flutterwave"
	MethodKashier     Method = "kashier"
)

// ParseMethod normalises s into a known Method.
func ParseMethod(s string) (Method, bool) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodStripe, MethodRazorpay, MethodFlutterwave, MethodKashier:
		return m, true
	}
	return "", false
}

// Order is the gateway view of an order awaiting payment.
type Order struct {
	ID       string
	Amount   decimal.Decimal
	Currency string
	Email    string
	Titles   []string
}

func (o Order) validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return errors.Join(ErrInvalidOrder, errors.New("order id is required"))
	}
	if !o.Amount.IsPositive() {
		return errors.Join(ErrInvalidOrder, errors.New("amount must be positive"))
	}
	if len(strings.TrimSpace(o.Currency)) != 3 {
		return errors.Join(ErrInvalidOrder, errors.New("currency must be an ISO 4217 code"))
	}
	return nil
}

// Options carries per-checkout redirect and idempotency settings.
type Options struct {
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// CheckoutSession is what the client needs to complete payment.
type CheckoutSession struct {
	Gateway     Method            `json:"gateway"`
	Reference   string            `json:"reference"`
	RedirectURL string            `json:"redirect_url,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}

// WebhookStatus is the normalised outcome carried by a webhook.
type WebhookStatus string

const (
	StatusPaid    WebhookStatus = "paid"
	StatusFailed  WebhookStatus = "failed"
	StatusPending WebhookStatus = "pending"
)

// WebhookResult is the verified content of a gateway callback.
type WebhookResult struct {
	OrderID    string
	PaymentRef string
	Status     WebhookStatus
	Amount     decimal.Decimal
	Currency   string
	EventID    string
}

// Gateway creates checkout sessions and verifies callbacks for one provider.
type Gateway interface {
	Name() Method
	Initiate(ctx context.Context, order Order, opts Options) (CheckoutSession, error)
	VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error)
}

// CurrencyOf returns the currency configured for gw, or fallback when the
// gateway has none.
func CurrencyOf(gw Gateway, fallback string) string {
	if c, ok := gw.(interface{ Currency() string }); ok {
		if cur := strings.ToUpper(strings.TrimSpace(c.Currency())); cur != "" {
			return cur
		}
	}
	return strings.ToUpper(fallback)
}

// RefundRequest asks a gateway to return part of a captured payment.
type RefundRequest struct {
	OrderID        string
	PaymentRef     string
	Amount         decimal.Decimal
	Currency       string
	Reason         string
	IdempotencyKey string
}

// RefundResult is the gateway acknowledgement of a refund.
type RefundResult struct {
	Reference string
	Status    string
}

// Refunder is implemented by gateways that support API refunds.
type Refunder interface {
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// Exponent is the number of minor-unit digits for currency.
func Exponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// MinorUnits converts amount into the smallest currency unit, rounding half
// away from zero.
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	exp := Exponent(currency)
	return amount.Shift(exp).Round(0).IntPart()
}

// FromMinorUnits is the inverse of MinorUnits.
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -Exponent(currency))
}
