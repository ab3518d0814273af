package payment_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-lms/internal/common"
	"github.com/noah-isme/backend-lms/internal/payment"
)

type recordingSettler struct {
	paid   []uuid.UUID
	failed []uuid.UUID
	err    error
}

func (s *recordingSettler) MarkPaid(_ context.Context, id uuid.UUID, _ payment.Method, _ payment.WebhookResult) error {
	if s.err != nil {
		return s.err
	}
	s.paid = append(s.paid, id)
	return nil
}

func (s *recordingSettler) MarkFailed(_ context.Context, id uuid.UUID, _ payment.Method, _ payment.WebhookResult) error {
	s.failed = append(s.failed, id)
	return nil
}

func newWebhookRouter(t *testing.T, settler payment.Settler) (http.Handler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := payment.Webhook{
		Gateways:  payment.NewFactory(payment.NewFlutterwave(payment.GatewayConfig{WebhookSecret: "hash"}, nil)),
		Settler:   settler,
		Replay:    rdb,
		ReplayTTL: time.Hour,
	}
	r := chi.NewRouter()
	r.Post("/payments/{gateway}/webhook", h.Handle)
	return r, mr
}

func postFlutterwave(router http.Handler, hash, status string) *httptest.ResponseRecorder {
	body := `{"event":"charge.completed","data":{"id":42,"tx_ref":"` + sampleOrder.ID + `","amount":10,"currency":"NGN","status":"` + status + `"}}`
	req := httptest.NewRequest(http.MethodPost, "/payments/flutterwave/webhook", strings.NewReader(body))
	req.Header.Set("verif-hash", hash)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestWebhookSettlesOnceAndSuppressesReplays(t *testing.T) {
	settler := &recordingSettler{}
	router, _ := newWebhookRouter(t, settler)

	rr := postFlutterwave(router, "hash", "successful")
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = postFlutterwave(router, "hash", "successful")
	require.Equal(t, http.StatusNoContent, rr.Code)

	require.Len(t, settler.paid, 1)
	require.Equal(t, sampleOrder.ID, settler.paid[0].String())
}

func TestWebhookRejectsBadSignatureAndUnknownGateway(t *testing.T) {
	router, _ := newWebhookRouter(t, &recordingSettler{})

	rr := postFlutterwave(router, "nope", "successful")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Contains(t, rr.Body.String(), "INVALID_SIGNATURE")

	req := httptest.NewRequest(http.MethodPost, "/payments/stripe/webhook", strings.NewReader("{}"))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWebhookFailureReleasesReplayKey(t *testing.T) {
	settler := &recordingSettler{err: errors.New("db down")}
	router, mr := newWebhookRouter(t, settler)

	rr := postFlutterwave(router, "hash", "successful")
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Empty(t, mr.Keys())

	settler.err = common.Conflict("ORDER_STATE", "order already refunded", nil)
	rr = postFlutterwave(router, "hash", "successful")
	require.Equal(t, http.StatusConflict, rr.Code)

	settler.err = nil
	rr = postFlutterwave(router, "hash", "successful")
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Len(t, settler.paid, 1)
}

func TestWebhookRoutesFailures(t *testing.T) {
	settler := &recordingSettler{}
	router, _ := newWebhookRouter(t, settler)

	rr := postFlutterwave(router, "hash", "failed")
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Len(t, settler.failed, 1)
	require.Empty(t, settler.paid)
}
