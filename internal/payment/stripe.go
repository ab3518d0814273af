package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// Stripe creates hosted Checkout sessions through the Stripe API.
type Stripe struct {
	cfg      GatewayConfig
	sessions stripeSessionAPI
	refunds  stripeRefundAPI
	now      func() time.Time
}

// NewStripe builds the gateway from its config. SecretKey is the API key.
func NewStripe(cfg GatewayConfig) (*Stripe, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, errors.New("stripe: secret key is required")
	}
	var backends *stripe.Backends
	if cfg.BaseURL != "" {
		backends = stripe.NewBackendsWithConfig(&stripe.BackendConfig{URL: stripe.String(cfg.BaseURL)})
	}
	sc := client.New(key, backends)
	return newStripe(cfg, sc.CheckoutSessions, sc.Refunds), nil
}

func newStripe(cfg GatewayConfig, sessions stripeSessionAPI, refunds stripeRefundAPI) *Stripe {
	return &Stripe{cfg: cfg, sessions: sessions, refunds: refunds, now: time.Now}
}

// Currency is the configured settlement currency.
func (s *Stripe) Currency() string { return s.cfg.Currency }

// Name implements Gateway.
func (s *Stripe) Name() Method { return MethodStripe }

// Initiate implements Gateway. The order total is charged as a single line so
// the captured amount always matches the stored total.
func (s *Stripe) Initiate(ctx context.Context, order Order, opts Options) (CheckoutSession, error) {
	currency := strings.ToLower(order.Currency)
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(opts.SuccessURL),
		CancelURL:         stripe.String(opts.CancelURL),
		ClientReferenceID: stripe.String(order.ID),
		Metadata:          map[string]string{"order_id": order.ID},
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(MinorUnits(order.Amount, order.Currency)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(orderLabel(order)),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"order_id": order.ID},
		},
	}
	if order.Email != "" {
		params.CustomerEmail = stripe.String(order.Email)
	}
	params.Context = ctx
	if key := strings.TrimSpace(opts.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}

	session, err := s.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	out := CheckoutSession{
		Reference:   session.ID,
		RedirectURL: session.URL,
	}
	if session.ExpiresAt != 0 {
		t := time.Unix(session.ExpiresAt, 0).UTC()
		out.ExpiresAt = &t
	}
	return out, nil
}

// VerifyWebhook implements Gateway using the Stripe-Signature header.
func (s *Stripe) VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error) {
	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	res := WebhookResult{EventID: event.ID, Status: StatusPending}
	if !strings.HasPrefix(string(event.Type), "checkout.session.") || event.Data == nil {
		return res, nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return WebhookResult{}, fmt.Errorf("stripe: decode checkout session: %w", err)
	}
	res.OrderID = session.ClientReferenceID
	if res.OrderID == "" {
		res.OrderID = session.Metadata["order_id"]
	}
	if session.PaymentIntent != nil {
		res.PaymentRef = session.PaymentIntent.ID
	}
	res.Currency = strings.ToUpper(string(session.Currency))
	res.Amount = FromMinorUnits(session.AmountTotal, res.Currency)

	switch event.Type {
	case "checkout.session.completed":
		if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			res.Status = StatusPaid
		}
	case "checkout.session.async_payment_succeeded":
		res.Status = StatusPaid
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		res.Status = StatusFailed
	}
	return res, nil
}

// Refund implements Refunder against the captured payment intent.
func (s *Stripe) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if req.PaymentRef == "" {
		return RefundResult{}, errors.New("stripe: payment intent is required")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentRef),
		Amount:        stripe.Int64(MinorUnits(req.Amount, req.Currency)),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
		Metadata:      map[string]string{"order_id": req.OrderID},
	}
	if req.Reason != "" {
		params.Metadata["reason"] = req.Reason
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	refund, err := s.refunds.New(params)
	if err != nil {
		return RefundResult{}, fmt.Errorf("stripe: create refund: %w", err)
	}
	return RefundResult{Reference: refund.ID, Status: string(refund.Status)}, nil
}

func orderLabel(order Order) string {
	switch len(order.Titles) {
	case 0:
		return "Order " + order.ID
	case 1:
		return order.Titles[0]
	default:
		return fmt.Sprintf("%s and %d more", order.Titles[0], len(order.Titles)-1)
	}
}
