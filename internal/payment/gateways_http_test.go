package payment_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-lms/internal/payment"
	"github.com/noah-isme/backend-lms/internal/resilience"
)

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func testClient(srv *httptest.Server, target string) *resilience.HTTPClient {
	return &resilience.HTTPClient{Client: srv.Client(), Target: target, MaxAttempts: 1}
}

var sampleOrder = payment.Order{
	ID:       "8b0d7a4e-2f61-4c1e-9d43-0a7b6c5d4e3f",
	Amount:   decimal.RequireFromString("311.52"),
	Currency: "INR",
	Email:    "learner@lms.test",
	Titles:   []string{"Go Basics"},
}

func TestRazorpayInitiateAndRefund(t *testing.T) {
	var gotOrder, gotRefund map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "rzp_test_key", user)
		require.Equal(t, "rzp_secret", pass)
		switch r.URL.Path {
		case "/v1/orders":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotOrder))
			_, _ = io.WriteString(w, `{"id":"order_RZP1","status":"created"}`)
		case "/v1/payments/pay_1/refund":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRefund))
			_, _ = io.WriteString(w, `{"id":"rfnd_1","status":"processed"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	gw := payment.NewRazorpay(payment.GatewayConfig{PublicKey: "rzp_test_key", SecretKey: "rzp_secret", BaseURL: srv.URL}, testClient(srv, "razorpay"))
	session, err := gw.Initiate(context.Background(), sampleOrder, payment.Options{SuccessURL: "https://lms.test/ok"})
	require.NoError(t, err)
	require.Equal(t, "order_RZP1", session.Reference)
	require.Equal(t, "rzp_test_key", session.Params["key"])
	require.Equal(t, "order_RZP1", session.Params["order_id"])
	require.EqualValues(t, 31152, gotOrder["amount"])
	require.Equal(t, sampleOrder.ID, gotOrder["receipt"])

	res, err := gw.Refund(context.Background(), payment.RefundRequest{OrderID: sampleOrder.ID, PaymentRef: "pay_1", Amount: decimal.NewFromInt(100), Currency: "INR"})
	require.NoError(t, err)
	require.Equal(t, "rfnd_1", res.Reference)
	require.EqualValues(t, 10000, gotRefund["amount"])
}

func TestRazorpayInitiateSurfacesUpstreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":"BAD_REQUEST_ERROR"}}`)
	}))
	defer srv.Close()

	gw := payment.NewRazorpay(payment.GatewayConfig{PublicKey: "k", SecretKey: "s", BaseURL: srv.URL}, testClient(srv, "razorpay"))
	_, err := gw.Initiate(context.Background(), sampleOrder, payment.Options{})
	var statusErr *resilience.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
}

func TestRazorpayVerifyWebhook(t *testing.T) {
	gw := payment.NewRazorpay(payment.GatewayConfig{WebhookSecret: "rzp_whsec"}, nil)
	body := `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_RZP1","amount":31152,"currency":"INR","status":"captured","notes":{"order_id":"` + sampleOrder.ID + `"}}}}}`

	req := httptest.NewRequest(http.MethodPost, "/payments/razorpay/webhook", strings.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", sign("rzp_whsec", body))
	req.Header.Set("X-Razorpay-Event-Id", "evt_rzp_1")
	res, err := gw.VerifyWebhook(req, []byte(body))
	require.NoError(t, err)
	require.Equal(t, payment.StatusPaid, res.Status)
	require.Equal(t, sampleOrder.ID, res.OrderID)
	require.Equal(t, "pay_1", res.PaymentRef)
	require.Equal(t, "evt_rzp_1", res.EventID)
	require.Equal(t, "311.52", res.Amount.StringFixed(2))

	req.Header.Set("X-Razorpay-Signature", sign("other", body))
	_, err = gw.VerifyWebhook(req, []byte(body))
	require.ErrorIs(t, err, payment.ErrInvalidSignature)
}

func TestFlutterwaveInitiate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v3/payments", r.URL.Path)
		require.Equal(t, "Bearer FLWSECK_TEST", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"status":"success","message":"Hosted Link","data":{"link":"https://checkout.flutterwave.test/pay/abc"}}`)
	}))
	defer srv.Close()

	gw := payment.NewFlutterwave(payment.GatewayConfig{SecretKey: "FLWSECK_TEST", BaseURL: srv.URL}, testClient(srv, "flutterwave"))
	session, err := gw.Initiate(context.Background(), sampleOrder, payment.Options{SuccessURL: "https://lms.test/ok"})
	require.NoError(t, err)
	require.Equal(t, "https://checkout.flutterwave.test/pay/abc", session.RedirectURL)
	require.Equal(t, sampleOrder.ID, session.Reference)
	require.Equal(t, sampleOrder.ID, got["tx_ref"])
	require.EqualValues(t, 311.52, got["amount"])
	require.Equal(t, "https://lms.test/ok", got["redirect_url"])

	_, isRefunder := any(gw).(payment.Refunder)
	require.False(t, isRefunder)
}

func TestFlutterwaveInitiateRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"status":"error","message":"Invalid currency"}`)
	}))
	defer srv.Close()

	gw := payment.NewFlutterwave(payment.GatewayConfig{SecretKey: "k", BaseURL: srv.URL}, testClient(srv, "flutterwave"))
	_, err := gw.Initiate(context.Background(), sampleOrder, payment.Options{})
	require.ErrorContains(t, err, "Invalid currency")
}

func TestFlutterwaveVerifyWebhook(t *testing.T) {
	gw := payment.NewFlutterwave(payment.GatewayConfig{WebhookSecret: "my-hash"}, nil)
	body := `{"event":"charge.completed","data":{"id":285959875,"tx_ref":"` + sampleOrder.ID + `","amount":311.52,"currency":"INR","status":"successful"}}`

	req := httptest.NewRequest(http.MethodPost, "/payments/flutterwave/webhook", strings.NewReader(body))
	req.Header.Set("verif-hash", "my-hash")
	res, err := gw.VerifyWebhook(req, []byte(body))
	require.NoError(t, err)
	require.Equal(t, payment.StatusPaid, res.Status)
	require.Equal(t, "285959875", res.PaymentRef)
	require.Equal(t, "311.52", res.Amount.StringFixed(2))

	req.Header.Set("verif-hash", "wrong")
	_, err = gw.VerifyWebhook(req, []byte(body))
	require.ErrorIs(t, err, payment.ErrInvalidSignature)
}

func TestKashierInitiateBuildsSignedURL(t *testing.T) {
	gw := payment.NewKashier(payment.GatewayConfig{PublicKey: "MID-123-45", SecretKey: "kashier-key", BaseURL: "https://checkout.kashier.test"})
	order := sampleOrder
	order.Currency = "EGP"

	session, err := gw.Initiate(context.Background(), order, payment.Options{SuccessURL: "https://lms.test/ok", CancelURL: "https://lms.test/cancel"})
	require.NoError(t, err)
	u, err := url.Parse(session.RedirectURL)
	require.NoError(t, err)
	require.Equal(t, "checkout.kashier.test", u.Host)

	q := u.Query()
	require.Equal(t, "311.52", q.Get("amount"))
	require.Equal(t, "EGP", q.Get("currency"))
	require.Equal(t, sign("kashier-key", "/?payment=MID-123-45."+order.ID+".311.52.EGP"), q.Get("hash"))
	require.Equal(t, "https://lms.test/cancel", q.Get("failureRedirect"))

	_, err = payment.NewKashier(payment.GatewayConfig{}).Initiate(context.Background(), order, payment.Options{})
	require.Error(t, err)
}

func TestKashierVerifyWebhook(t *testing.T) {
	gw := payment.NewKashier(payment.GatewayConfig{PublicKey: "MID-123-45", SecretKey: "kashier-key"})
	params := url.Values{}
	params.Set("paymentStatus", "SUCCESS")
	params.Set("merchantOrderId", sampleOrder.ID)
	params.Set("transactionId", "TX-991")
	params.Set("amount", "311.52")
	params.Set("currency", "EGP")
	canonical := "amount=311.52&currency=EGP&merchantOrderId=" + sampleOrder.ID + "&paymentStatus=SUCCESS&transactionId=TX-991"
	params.Set("signature", sign("kashier-key", canonical))
	params.Set("mode", "test")

	req := httptest.NewRequest(http.MethodPost, "/payments/kashier/webhook?"+params.Encode(), nil)
	res, err := gw.VerifyWebhook(req, nil)
	require.NoError(t, err)
	require.Equal(t, payment.StatusPaid, res.Status)
	require.Equal(t, sampleOrder.ID, res.OrderID)
	require.Equal(t, "TX-991", res.PaymentRef)

	params.Set("amount", "1.00")
	req = httptest.NewRequest(http.MethodPost, "/payments/kashier/webhook?"+params.Encode(), nil)
	_, err = gw.VerifyWebhook(req, nil)
	require.ErrorIs(t, err, payment.ErrInvalidSignature)
}
