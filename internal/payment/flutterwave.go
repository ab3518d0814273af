package payment

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/noah-isme/backend-lms/internal/resilience"
)

const flutterwaveDefaultBase = "https://api.flutterwave.com"

// Flutterwave creates Standard hosted payment links.
type Flutterwave struct {
	cfg  GatewayConfig
	http *resilience.HTTPClient
}

// NewFlutterwave builds the gateway. SecretKey authenticates API calls and
// WebhookSecret is the configured verif-hash.
func NewFlutterwave(cfg GatewayConfig, client *resilience.HTTPClient) *Flutterwave {
	if client == nil {
		client = DefaultClient(MethodFlutterwave)
	}
	return &Flutterwave{cfg: cfg, http: client}
}

// Currency is the configured settlement currency.
func (fw *Flutterwave) Currency() string { return fw.cfg.Currency }

// Name implements Gateway.
func (fw *Flutterwave) Name() Method { return MethodFlutterwave }

// Initiate implements Gateway. The order id is sent as tx_ref.
func (fw *Flutterwave) Initiate(ctx context.Context, order Order, opts Options) (CheckoutSession, error) {
	base := flutterwaveDefaultBase
	if fw.cfg.BaseURL != "" {
		base = strings.TrimRight(fw.cfg.BaseURL, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v3/payments", nil)
	if err != nil {
		return CheckoutSession{}, err
	}
	req.Header.Set("Authorization", "Bearer "+fw.cfg.SecretKey)

	in := map[string]any{
		"tx_ref":       order.ID,
		"amount":       json.Number(order.Amount.StringFixed(Exponent(order.Currency))),
		"currency":     strings.ToUpper(order.Currency),
		"redirect_url": opts.SuccessURL,
		"customer":     map[string]string{"email": order.Email},
		"customizations": map[string]string{
			"title": orderLabel(order),
		},
		"meta": map[string]string{"order_id": order.ID},
	}
	var out struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			Link string `json:"link"`
		} `json:"data"`
	}
	if err := fw.http.DoJSON(ctx, req, in, &out); err != nil {
		return CheckoutSession{}, fmt.Errorf("flutterwave: create payment: %w", err)
	}
	if out.Status != "success" || out.Data.Link == "" {
		return CheckoutSession{}, fmt.Errorf("flutterwave: create payment: %s", valueOr(out.Message, "no payment link returned"))
	}
	return CheckoutSession{Reference: order.ID, RedirectURL: out.Data.Link}, nil
}

type flutterwaveWebhook struct {
	Event string `json:"event"`
	Data  struct {
		ID       int64       `json:"id"`
		TxRef    string      `json:"tx_ref"`
		Amount   json.Number `json:"amount"`
		Currency string      `json:"currency"`
		Status   string      `json:"status"`
	} `json:"data"`
}

// VerifyWebhook implements Gateway by comparing the verif-hash header with
// the configured secret hash.
func (fw *Flutterwave) VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error) {
	secret := strings.TrimSpace(fw.cfg.WebhookSecret)
	provided := strings.TrimSpace(r.Header.Get("verif-hash"))
	if secret == "" || provided == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(provided)) != 1 {
		return WebhookResult{}, ErrInvalidSignature
	}
	var payload flutterwaveWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookResult{}, fmt.Errorf("flutterwave: decode webhook: %w", err)
	}
	if payload.Data.TxRef == "" {
		return WebhookResult{}, errors.New("flutterwave: missing tx_ref")
	}
	res := WebhookResult{
		OrderID:  payload.Data.TxRef,
		Currency: strings.ToUpper(payload.Data.Currency),
		Status:   StatusPending,
	}
	if payload.Data.ID != 0 {
		res.PaymentRef = strconv.FormatInt(payload.Data.ID, 10)
		res.EventID = res.PaymentRef
	}
	if amount, err := parseAmount(string(payload.Data.Amount)); err == nil {
		res.Amount = amount
	}
	if payload.Event == "charge.completed" {
		switch strings.ToLower(payload.Data.Status) {
		case "successful":
			res.Status = StatusPaid
		case "failed", "cancelled":
			res.Status = StatusFailed
		}
	}
	return res, nil
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
