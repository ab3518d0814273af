package order

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-lms/internal/common"
	"github.com/noah-isme/backend-lms/internal/payment"
	"github.com/noah-isme/backend-lms/internal/pricing"
	"github.com/noah-isme/backend-lms/internal/resilience"
	"github.com/noah-isme/backend-lms/internal/tax"
)

// Handler exposes checkout, order and refund endpoints.
type Handler struct {
	Svc *Service
}

type checkoutReq struct {
	PaymentMethod string `json:"payment_method"`
	SuccessURL    string `json:"success_url"`
	CancelURL     string `json:"cancel_url"`
}

type refundReq struct {
	LineIDs []string `json:"line_ids"`
	Reason  string   `json:"reason"`
}

// Checkout handles POST /checkout.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req checkoutReq
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	ctx := r.Context()
	res, err := h.Svc.Checkout(ctx, CheckoutInput{
		UserID:         userID,
		Country:        common.Country(ctx),
		Email:          common.Email(ctx),
		PaymentMethod:  req.PaymentMethod,
		SuccessURL:     strings.TrimSpace(req.SuccessURL),
		CancelURL:      strings.TrimSpace(req.CancelURL),
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusCreated, res)
}

// List handles GET /orders.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	p := common.ParsePagination(r, 20, 100)
	orders, total, err := h.Svc.List(r.Context(), userID, p.Page, p.PerPage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []Order{}
	}
	p.TotalItems = total
	common.JSON(w, http.StatusOK, map[string]any{"data": orders, "pagination": p})
}

// Get handles GET /orders/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := orderParam(w, r)
	if !ok {
		return
	}
	o, err := h.Svc.Get(r.Context(), id, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, o)
}

// Refund handles POST /orders/{id}/refunds for the order owner.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	h.refund(w, r, userID)
}

// AdminRefund handles POST /admin/orders/{id}/refunds for any order.
func (h *Handler) AdminRefund(w http.ResponseWriter, r *http.Request) {
	h.refund(w, r, "")
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request, userID string) {
	id, ok := orderParam(w, r)
	if !ok {
		return
	}
	var req refundReq
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	lineIDs := make([]uuid.UUID, 0, len(req.LineIDs))
	for _, raw := range req.LineIDs {
		lineID, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			common.WriteError(w, common.BadRequest("line_ids must be uuids", err))
			return
		}
		lineIDs = append(lineIDs, lineID)
	}
	refund, err := h.Svc.RefundLines(r.Context(), RefundInput{OrderID: id, UserID: userID, LineIDs: lineIDs, Reason: req.Reason})
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.Svc.Get(r.Context(), id, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusCreated, map[string]any{"refund": refund, "order": o})
}

// Settlement adapts the service to payment webhooks, translating domain
// errors into responses gateways should not retry.
type Settlement struct {
	Svc *Service
}

// MarkPaid implements payment.Settler.
func (s Settlement) MarkPaid(ctx context.Context, orderID uuid.UUID, method payment.Method, res payment.WebhookResult) error {
	return settlementError(s.Svc.MarkPaid(ctx, orderID, method, res))
}

// MarkFailed implements payment.Settler.
func (s Settlement) MarkFailed(ctx context.Context, orderID uuid.UUID, method payment.Method, res payment.WebhookResult) error {
	return settlementError(s.Svc.MarkFailed(ctx, orderID, method, res))
}

func settlementError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return common.NotFound("order not found", err)
	case errors.Is(err, ErrStateConflict):
		return common.Conflict("ORDER_STATE_CONFLICT", err.Error(), err)
	}
	return err
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := common.UserID(r.Context())
	if !ok || userID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return "", false
	}
	return userID, true
}

func orderParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, common.BadRequest("invalid order id", err))
		return uuid.Nil, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		common.WriteError(w, common.Unprocessable("VALIDATION_FAILED", err.Error(), err))
	case errors.Is(err, ErrEmptyCart):
		common.WriteError(w, common.Unprocessable("EMPTY_CART", "cart is empty", err))
	case errors.Is(err, ErrInvalidCart):
		common.WriteError(w, common.Unprocessable("INVALID_CART", err.Error(), err))
	case errors.Is(err, payment.ErrGatewayUnavailable):
		common.WriteError(w, common.Unprocessable("GATEWAY_UNAVAILABLE", "payment method is not available", err))
	case errors.Is(err, payment.ErrInvalidOrder):
		common.WriteError(w, common.Unprocessable("INVALID_PAYMENT_ORDER", err.Error(), err))
	case errors.Is(err, pricing.ErrInvalidInput), errors.Is(err, tax.ErrInvalidRate):
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("checkout_pricing_rejected")
		common.WriteError(w, common.Unprocessable("INVALID_PRICING", "cart contains invalid pricing data", err))
	case errors.Is(err, ErrNotFound):
		common.WriteError(w, common.NotFound("order not found", err))
	case errors.Is(err, ErrNotRefundable):
		common.WriteError(w, common.Conflict("ORDER_NOT_REFUNDABLE", err.Error(), err))
	case errors.Is(err, ErrInvalidLines):
		common.WriteError(w, common.Unprocessable("INVALID_REFUND_LINES", err.Error(), err))
	case errors.Is(err, ErrRefundUnsupported):
		common.WriteError(w, common.Unprocessable("REFUND_UNSUPPORTED", "refunds for this payment method are handled manually", err))
	case errors.Is(err, context.DeadlineExceeded):
		common.JSONError(w, http.StatusConflict, "ORDER_BUSY", "order is being updated, retry shortly", nil)
	case errors.Is(err, resilience.ErrOpenCircuit):
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("payment_gateway_unavailable")
		common.JSONError(w, http.StatusServiceUnavailable, "PAYMENT_GATEWAY_UNAVAILABLE", "payment provider temporarily unavailable", nil)
	case errors.Is(err, payment.ErrGatewayFailed):
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("payment_gateway_failed")
		common.JSONError(w, http.StatusBadGateway, "PAYMENT_GATEWAY_ERROR", "payment provider request failed", nil)
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("order_request_failed")
		common.WriteError(w, err)
	}
}
