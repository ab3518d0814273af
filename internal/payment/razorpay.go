package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/noah-isme/backend-lms/internal/resilience"
)

const razorpayDefaultBase = "https://api.razorpay.com"

// Razorpay creates orders through the Razorpay Orders API. The client
// completes payment with Razorpay Checkout using the returned params.
type Razorpay struct {
	cfg  GatewayConfig
	http *resilience.HTTPClient
}

// NewRazorpay builds the gateway. PublicKey is the key id and SecretKey the
// key secret.
func NewRazorpay(cfg GatewayConfig, client *resilience.HTTPClient) *Razorpay {
	if client == nil {
		client = DefaultClient(MethodRazorpay)
	}
	return &Razorpay{cfg: cfg, http: client}
}

// Currency is the configured settlement currency.
func (rp *Razorpay) Currency() string { return rp.cfg.Currency }

// Name implements Gateway.
func (rp *Razorpay) Name() Method { return MethodRazorpay }

func (rp *Razorpay) base() string {
	if rp.cfg.BaseURL != "" {
		return strings.TrimRight(rp.cfg.BaseURL, "/")
	}
	return razorpayDefaultBase
}

func (rp *Razorpay) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rp.base()+path, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(rp.cfg.PublicKey, rp.cfg.SecretKey)
	return req, nil
}

// Initiate implements Gateway.
func (rp *Razorpay) Initiate(ctx context.Context, order Order, opts Options) (CheckoutSession, error) {
	req, err := rp.newRequest(ctx, "/v1/orders")
	if err != nil {
		return CheckoutSession{}, err
	}
	if opts.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", opts.IdempotencyKey)
	}
	in := map[string]any{
		"amount":   MinorUnits(order.Amount, order.Currency),
		"currency": strings.ToUpper(order.Currency),
		"receipt":  order.ID,
		"notes":    map[string]string{"order_id": order.ID},
	}
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := rp.http.DoJSON(ctx, req, in, &out); err != nil {
		return CheckoutSession{}, fmt.Errorf("razorpay: create order: %w", err)
	}
	if out.ID == "" {
		return CheckoutSession{}, errors.New("razorpay: empty order id in response")
	}
	params := map[string]string{
		"key":      rp.cfg.PublicKey,
		"order_id": out.ID,
	}
	if opts.SuccessURL != "" {
		params["callback_url"] = opts.SuccessURL
	}
	if order.Email != "" {
		params["prefill_email"] = order.Email
	}
	return CheckoutSession{Reference: out.ID, Params: params}, nil
}

type razorpayWebhook struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID       string            `json:"id"`
				OrderID  string            `json:"order_id"`
				Amount   int64             `json:"amount"`
				Currency string            `json:"currency"`
				Status   string            `json:"status"`
				Notes    map[string]string `json:"notes"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// VerifyWebhook implements Gateway. The X-Razorpay-Signature header carries
// the hex HMAC-SHA256 of the raw body keyed with the webhook secret.
func (rp *Razorpay) VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error) {
	if !validHexHMAC(rp.cfg.WebhookSecret, body, r.Header.Get("X-Razorpay-Signature")) {
		return WebhookResult{}, ErrInvalidSignature
	}
	var payload razorpayWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookResult{}, fmt.Errorf("razorpay: decode webhook: %w", err)
	}
	entity := payload.Payload.Payment.Entity
	res := WebhookResult{
		OrderID:    entity.Notes["order_id"],
		PaymentRef: entity.ID,
		Currency:   strings.ToUpper(entity.Currency),
		EventID:    r.Header.Get("X-Razorpay-Event-Id"),
		Status:     StatusPending,
	}
	res.Amount = FromMinorUnits(entity.Amount, res.Currency)
	switch payload.Event {
	case "payment.captured", "order.paid":
		res.Status = StatusPaid
	case "payment.failed":
		res.Status = StatusFailed
	}
	return res, nil
}

// Refund implements Refunder. PaymentRef is the Razorpay payment id.
func (rp *Razorpay) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if req.PaymentRef == "" {
		return RefundResult{}, errors.New("razorpay: payment id is required")
	}
	httpReq, err := rp.newRequest(ctx, "/v1/payments/"+url.PathEscape(req.PaymentRef)+"/refund")
	if err != nil {
		return RefundResult{}, err
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	in := map[string]any{
		"amount": MinorUnits(req.Amount, req.Currency),
		"notes":  map[string]string{"order_id": req.OrderID, "reason": req.Reason},
	}
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := rp.http.DoJSON(ctx, httpReq, in, &out); err != nil {
		return RefundResult{}, fmt.Errorf("razorpay: create refund: %w", err)
	}
	return RefundResult{Reference: out.ID, Status: out.Status}, nil
}

func validHexHMAC(secret string, body []byte, provided string) bool {
	secret = strings.TrimSpace(secret)
	provided = strings.TrimSpace(provided)
	if secret == "" || provided == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(provided)))
}
