package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

const kashierDefaultBase = "https://checkout.kashier.io"

// Kashier builds signed hosted-payment-page URLs. No API call is made at
// checkout time. PublicKey is the merchant id and SecretKey the payment API
// key used for hashing.
type Kashier struct {
	cfg GatewayConfig
}

// NewKashier builds the gateway.
func NewKashier(cfg GatewayConfig) *Kashier {
	return &Kashier{cfg: cfg}
}

// Currency is the configured settlement currency.
func (k *Kashier) Currency() string { return k.cfg.Currency }

// Name implements Gateway.
func (k *Kashier) Name() Method { return MethodKashier }

// OrderHash signs the payment path for an order.
func (k *Kashier) OrderHash(orderID, amount, currency string) string {
	path := "/?payment=" + k.cfg.PublicKey + "." + orderID + "." + amount + "." + currency
	mac := hmac.New(sha256.New, []byte(k.cfg.SecretKey))
	mac.Write([]byte(path))
	return hex.EncodeToString(mac.Sum(nil))
}

// Initiate implements Gateway.
func (k *Kashier) Initiate(_ context.Context, order Order, opts Options) (CheckoutSession, error) {
	if k.cfg.PublicKey == "" || k.cfg.SecretKey == "" {
		return CheckoutSession{}, errors.New("kashier: merchant id and api key are required")
	}
	base := kashierDefaultBase
	if k.cfg.BaseURL != "" {
		base = strings.TrimRight(k.cfg.BaseURL, "/")
	}
	amount := order.Amount.StringFixed(Exponent(order.Currency))
	currency := strings.ToUpper(order.Currency)

	q := url.Values{}
	q.Set("merchantId", k.cfg.PublicKey)
	q.Set("orderId", order.ID)
	q.Set("amount", amount)
	q.Set("currency", currency)
	q.Set("hash", k.OrderHash(order.ID, amount, currency))
	if opts.SuccessURL != "" {
		q.Set("merchantRedirect", opts.SuccessURL)
	}
	if opts.CancelURL != "" {
		q.Set("failureRedirect", opts.CancelURL)
	}
	return CheckoutSession{
		Reference:   order.ID,
		RedirectURL: base + "/?" + q.Encode(),
	}, nil
}

// VerifyWebhook implements Gateway. Kashier signs the callback query string:
// every parameter except signature and mode, sorted by key, joined as k=v
// pairs with '&', then HMAC-SHA256 with the API key.
func (k *Kashier) VerifyWebhook(r *http.Request, _ []byte) (WebhookResult, error) {
	query := r.URL.Query()
	provided := query.Get("signature")
	if provided == "" || k.cfg.SecretKey == "" {
		return WebhookResult{}, ErrInvalidSignature
	}
	if !validHexHMAC(k.cfg.SecretKey, []byte(kashierCanonical(query)), provided) {
		return WebhookResult{}, ErrInvalidSignature
	}

	res := WebhookResult{
		OrderID:    query.Get("merchantOrderId"),
		PaymentRef: query.Get("transactionId"),
		Currency:   strings.ToUpper(query.Get("currency")),
		EventID:    query.Get("transactionId"),
		Status:     StatusPending,
	}
	if res.OrderID == "" {
		return WebhookResult{}, errors.New("kashier: missing merchantOrderId")
	}
	if amount, err := parseAmount(query.Get("amount")); err == nil {
		res.Amount = amount
	}
	switch strings.ToUpper(query.Get("paymentStatus")) {
	case "SUCCESS":
		res.Status = StatusPaid
	case "FAILURE", "FAILED":
		res.Status = StatusFailed
	}
	return res, nil
}

func kashierCanonical(query url.Values) string {
	keys := make([]string, 0, len(query))
	for key := range query {
		if key == "signature" || key == "mode" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+query.Get(key))
	}
	return strings.Join(parts, "&")
}

func parseAmount(v string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(v))
}
