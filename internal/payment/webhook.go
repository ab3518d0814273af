package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-lms/internal/common"
	"github.com/noah-isme/backend-lms/internal/obs"
)

const maxWebhookBody = 1 << 20

// Settler applies verified webhook outcomes to orders. Errors that should
// not be retried by the gateway are returned as *common.AppError.
type Settler interface {
	MarkPaid(ctx context.Context, orderID uuid.UUID, method Method, result WebhookResult) error
	MarkFailed(ctx context.Context, orderID uuid.UUID, method Method, result WebhookResult) error
}

// Webhook handles gateway callbacks: signature verification, replay
// suppression and settlement.
type Webhook struct {
	Gateways  *Factory
	Settler   Settler
	Replay    redis.Cmdable
	ReplayTTL time.Duration
}

// Handle serves POST /payments/{gateway}/webhook.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Gateways == nil || h.Settler == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	name := chi.URLParam(r, "gateway")
	method, ok := ParseMethod(name)
	if !ok {
		common.JSONError(w, http.StatusNotFound, "GATEWAY_NOT_SUPPORTED", "unknown gateway", nil)
		return
	}
	gw, err := h.Gateways.For(method)
	if err != nil {
		common.JSONError(w, http.StatusNotFound, "GATEWAY_NOT_SUPPORTED", "gateway is not enabled", nil)
		return
	}
	ctx := r.Context()
	logger := zerolog.Ctx(ctx).With().Str("gateway", string(method)).Logger()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	result, err := gw.VerifyWebhook(r, body)
	if err != nil {
		countWebhook(method, "rejected")
		if errors.Is(err, ErrInvalidSignature) {
			logger.Warn().Msg("payment_webhook_bad_signature")
			common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
			return
		}
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
		return
	}
	if result.Status == StatusPending || result.OrderID == "" {
		countWebhook(method, "ignored")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	orderID, err := uuid.Parse(result.OrderID)
	if err != nil {
		countWebhook(method, "rejected")
		common.JSONError(w, http.StatusBadRequest, "INVALID_ORDER_ID", "invalid order identifier", nil)
		return
	}

	replayKey := ""
	if h.Replay != nil && h.ReplayTTL > 0 {
		id := result.EventID
		if id == "" {
			id = common.Sha256Hex(string(body))
		}
		replayKey = fmt.Sprintf("wh:%s:%s", method, id)
		fresh, err := h.Replay.SetNX(ctx, replayKey, "1", h.ReplayTTL).Result()
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "REPLAY_STORE_ERROR", "replay store unavailable", nil)
			return
		}
		if !fresh {
			countWebhook(method, "duplicate")
			logger.Info().Str("order_id", result.OrderID).Msg("payment_webhook_duplicate")
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	switch result.Status {
	case StatusPaid:
		err = h.Settler.MarkPaid(ctx, orderID, method, result)
	case StatusFailed:
		err = h.Settler.MarkFailed(ctx, orderID, method, result)
	}
	if err != nil {
		countWebhook(method, "error")
		if replayKey != "" {
			// let the gateway's retry through
			_ = h.Replay.Del(context.WithoutCancel(ctx), replayKey).Err()
		}
		logger.Error().Err(err).Str("order_id", result.OrderID).Msg("payment_webhook_failed")
		if common.IsAppError(err) {
			common.WriteError(w, err)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_PROCESSING_FAILED", "unable to settle payment", nil)
		return
	}
	countWebhook(method, string(result.Status))
	w.WriteHeader(http.StatusNoContent)
}

func countWebhook(method Method, result string) {
	if obs.PaymentWebhookTotal != nil {
		obs.PaymentWebhookTotal.WithLabelValues(string(method), result).Inc()
	}
}
