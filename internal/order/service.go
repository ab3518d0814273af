package order

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/backend-lms/internal/common"
	"github.com/noah-isme/backend-lms/internal/events"
	"github.com/noah-isme/backend-lms/internal/lock"
	"github.com/noah-isme/backend-lms/internal/obs"
	"github.com/noah-isme/backend-lms/internal/payment"
	"github.com/noah-isme/backend-lms/internal/pricing"
)

// ErrInvalidInput wraps request validation failures.
var ErrInvalidInput = errors.New("invalid order request")

// Quoter prices and clears a user's cart.
type Quoter interface {
	Quote(ctx context.Context, userID, country string) (pricing.CartSummary, error)
	Clear(ctx context.Context, userID string) error
}

// Locker serialises work on a key.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Emitter publishes domain events.
type Emitter interface {
	Emit(ctx context.Context, topic string, aggregateID uuid.UUID, payload any) (events.Event, error)
}

// Service runs checkout, settlement and refunds.
type Service struct {
	Store    Store
	Carts    Quoter
	Gateways *payment.Factory
	Bus      Emitter
	Locker   Locker
	LockTTL  time.Duration
	Currency string
	Validate *validator.Validate
	Now      func() time.Time
}

// CheckoutInput is the checkout request of an authenticated user.
type CheckoutInput struct {
	UserID         string `validate:"required"`
	Country        string `validate:"omitempty,len=2"`
	Email          string `validate:"omitempty,email"`
	PaymentMethod  string `validate:"required"`
	SuccessURL     string `validate:"required,url"`
	CancelURL      string `validate:"omitempty,url"`
	IdempotencyKey string
}

// CheckoutResult is the created order and, for paid orders, the session the
// client must complete.
type CheckoutResult struct {
	Order   Order                    `json:"order"`
	Session *payment.CheckoutSession `json:"session,omitempty"`
}

// RefundInput selects order lines to refund. An empty UserID skips the
// ownership check.
type RefundInput struct {
	OrderID uuid.UUID `validate:"required"`
	UserID  string
	LineIDs []uuid.UUID `validate:"required,min=1"`
	Reason  string      `validate:"max=500"`
}

func (s *Service) validator() *validator.Validate {
	if s.Validate != nil {
		return s.Validate
	}
	return validator.New(validator.WithRequiredStructEnabled())
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return common.UTCNow()
}

// Checkout turns the user's cart into a pending order and opens a payment
// session for it. Carts that price to zero are marked paid immediately.
func (s *Service) Checkout(ctx context.Context, in CheckoutInput) (res CheckoutResult, err error) {
	if s == nil || s.Store == nil || s.Carts == nil {
		return CheckoutResult{}, errors.New("order service not configured")
	}
	if err := s.validator().StructCtx(ctx, in); err != nil {
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	method, ok := payment.ParseMethod(in.PaymentMethod)
	if !ok {
		return CheckoutResult{}, fmt.Errorf("%w: %s", payment.ErrGatewayUnavailable, in.PaymentMethod)
	}

	ctx, span := otel.Tracer("order").Start(ctx, "order.Checkout")
	span.SetAttributes(attribute.String("payment.gateway", string(method)))
	result := "ok"
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if result == "ok" {
				result = "error"
			}
		}
		if obs.CheckoutTotal != nil {
			obs.CheckoutTotal.WithLabelValues(string(method), result).Inc()
		}
		span.End()
	}()

	summary, err := s.Carts.Quote(ctx, in.UserID, in.Country)
	if err != nil {
		return CheckoutResult{}, err
	}
	if len(summary.Courses) == 0 {
		result = "empty_cart"
		return CheckoutResult{}, ErrEmptyCart
	}
	gw, err := s.Gateways.For(method)
	if err != nil {
		result = "unavailable"
		return CheckoutResult{}, err
	}

	o, err := FromSummary(in.UserID, method, payment.CurrencyOf(gw, s.Currency), summary)
	if err != nil {
		result = "invalid_cart"
		return CheckoutResult{}, err
	}
	free := !o.Total.IsPositive()
	if free {
		o.Status = StatusPaid
	}
	o, err = s.Store.Create(ctx, o)
	if err != nil {
		return CheckoutResult{}, err
	}
	span.SetAttributes(attribute.String("order.id", o.ID.String()))
	logger := zerolog.Ctx(ctx).With().Str("order_id", o.ID.String()).Str("gateway", string(method)).Logger()

	if free {
		s.clearCart(ctx, &logger, o)
		s.emit(ctx, events.TopicOrderPaid, o, in.Email, nil)
		return CheckoutResult{Order: o}, nil
	}

	idem := in.IdempotencyKey
	if idem == "" {
		idem = "checkout:" + o.ID.String()
	}
	session, err := payment.Initiate(ctx, gw, payment.Order{
		ID:       o.ID.String(),
		Amount:   o.Total,
		Currency: o.Currency,
		Email:    in.Email,
		Titles:   titles(o),
	}, payment.Options{SuccessURL: in.SuccessURL, CancelURL: in.CancelURL, IdempotencyKey: idem})
	if err != nil {
		result = "gateway_error"
		if _, terr := s.Store.Transition(context.WithoutCancel(ctx), o.ID, []Status{StatusPending}, StatusFailed, ""); terr != nil {
			logger.Error().Err(terr).Msg("order_fail_transition_failed")
		}
		o.Status = StatusFailed
		s.emit(ctx, events.TopicOrderFailed, o, in.Email, nil)
		return CheckoutResult{Order: o}, err
	}
	if err := s.Store.SetGatewayRef(ctx, o.ID, session.Reference); err != nil {
		return CheckoutResult{}, err
	}
	o.GatewayRef = session.Reference

	s.clearCart(ctx, &logger, o)
	s.emit(ctx, events.TopicOrderCreated, o, in.Email, nil)
	logger.Info().Str("total", o.Total.StringFixed(2)).Msg("checkout_session_created")
	return CheckoutResult{Order: o, Session: &session}, nil
}

func (s *Service) clearCart(ctx context.Context, logger *zerolog.Logger, o Order) {
	if err := s.Carts.Clear(ctx, o.UserID); err != nil {
		logger.Warn().Err(err).Msg("cart_clear_failed")
	}
}

// Get returns an order. A non-empty userID restricts the lookup to that
// user's orders.
func (s *Service) Get(ctx context.Context, id uuid.UUID, userID string) (Order, error) {
	if s == nil || s.Store == nil {
		return Order{}, errors.New("order service not configured")
	}
	o, err := s.Store.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if userID != "" && o.UserID != userID {
		return Order{}, ErrNotFound
	}
	return o, nil
}

// List returns a page of the user's orders.
func (s *Service) List(ctx context.Context, userID string, page, perPage int) ([]Order, int, error) {
	if s == nil || s.Store == nil {
		return nil, 0, errors.New("order service not configured")
	}
	if page < 1 {
		page = 1
	}
	return s.Store.ListByUser(ctx, userID, perPage, (page-1)*perPage)
}

// MarkPaid settles a pending (or previously failed) order. Repeated calls for
// a paid order are no-ops.
func (s *Service) MarkPaid(ctx context.Context, orderID uuid.UUID, method payment.Method, res payment.WebhookResult) error {
	if s == nil || s.Store == nil {
		return errors.New("order service not configured")
	}
	var (
		settled Order
		changed bool
	)
	err := s.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		o, err := s.Store.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if o.PaymentMethod != method {
			return fmt.Errorf("%w: order was placed with %s", ErrStateConflict, o.PaymentMethod)
		}
		if res.Currency != "" && !strings.EqualFold(res.Currency, o.Currency) {
			return fmt.Errorf("%w: paid in %s, expected %s", ErrStateConflict, res.Currency, o.Currency)
		}
		if !res.Amount.IsZero() && payment.MinorUnits(res.Amount, o.Currency) != payment.MinorUnits(o.Total, o.Currency) {
			return fmt.Errorf("%w: paid %s, expected %s", ErrStateConflict, res.Amount.String(), o.Total.String())
		}
		changed, err = s.Store.Transition(ctx, orderID, []Status{StatusPending, StatusFailed}, StatusPaid, res.PaymentRef)
		if err != nil {
			return err
		}
		if !changed && !o.Status.Refundable() && o.Status != StatusRefunded {
			return fmt.Errorf("%w: order is %s", ErrStateConflict, o.Status)
		}
		o.Status = StatusPaid
		o.PaymentRef = res.PaymentRef
		settled = o
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		zerolog.Ctx(ctx).Info().Str("order_id", orderID.String()).Msg("order_paid")
		s.emit(ctx, events.TopicOrderPaid, settled, "", nil)
	}
	return nil
}

// MarkFailed records a failed payment for a pending order.
func (s *Service) MarkFailed(ctx context.Context, orderID uuid.UUID, method payment.Method, _ payment.WebhookResult) error {
	if s == nil || s.Store == nil {
		return errors.New("order service not configured")
	}
	o, err := s.Store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.PaymentMethod != method {
		return fmt.Errorf("%w: order was placed with %s", ErrStateConflict, o.PaymentMethod)
	}
	changed, err := s.Store.Transition(ctx, orderID, []Status{StatusPending}, StatusFailed, "")
	if err != nil {
		return err
	}
	if changed {
		o.Status = StatusFailed
		s.emit(ctx, events.TopicOrderFailed, o, "", nil)
	}
	return nil
}

// RefundLines refunds the selected lines of a paid order through its gateway.
// The amount is the sum of the line totals, see RefundAmount.
func (s *Service) RefundLines(ctx context.Context, in RefundInput) (refund Refund, err error) {
	if s == nil || s.Store == nil {
		return Refund{}, errors.New("order service not configured")
	}
	if err := s.validator().StructCtx(ctx, in); err != nil {
		return Refund{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	ctx, span := otel.Tracer("order").Start(ctx, "order.RefundLines")
	span.SetAttributes(attribute.String("order.id", in.OrderID.String()), attribute.Int("refund.lines", len(in.LineIDs)))
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if obs.RefundTotal != nil {
			obs.RefundTotal.WithLabelValues(result).Inc()
		}
		if err == nil && obs.RefundAmount != nil {
			obs.RefundAmount.Observe(refund.Amount.InexactFloat64())
		}
		span.End()
	}()

	var refunded Order
	err = s.withOrderLock(ctx, in.OrderID, func(ctx context.Context) error {
		o, err := s.Get(ctx, in.OrderID, in.UserID)
		if err != nil {
			return err
		}
		if !o.Status.Refundable() {
			return fmt.Errorf("%w: order is %s", ErrNotRefundable, o.Status)
		}
		if err := checkRefundLines(o, in.LineIDs); err != nil {
			return err
		}
		amount := RefundAmount(o, in.LineIDs)
		refund = Refund{OrderID: o.ID, Amount: amount, Reason: strings.TrimSpace(in.Reason), LineIDs: in.LineIDs}

		if amount.IsPositive() {
			ref, err := s.refundAtGateway(ctx, o, in.LineIDs, amount, refund.Reason)
			if err != nil {
				return err
			}
			refund.GatewayRef = ref
		}
		status := statusAfterRefund(o, in.LineIDs)
		refund, err = s.Store.RecordRefund(ctx, refund, status)
		if err != nil {
			return err
		}
		o.Status = status
		o.RefundedAmount = o.RefundedAmount.Add(amount)
		refunded = o
		return nil
	})
	if err != nil {
		return Refund{}, err
	}
	zerolog.Ctx(ctx).Info().
		Str("order_id", in.OrderID.String()).
		Str("amount", refund.Amount.StringFixed(2)).
		Str("status", string(refunded.Status)).
		Msg("order_refunded")
	s.emit(ctx, events.TopicOrderRefunded, refunded, "", &refund)
	return refund, nil
}

func (s *Service) refundAtGateway(ctx context.Context, o Order, lineIDs []uuid.UUID, amount decimal.Decimal, reason string) (string, error) {
	gw, err := s.Gateways.For(o.PaymentMethod)
	if err != nil {
		return "", err
	}
	refunder, ok := gw.(payment.Refunder)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRefundUnsupported, o.PaymentMethod)
	}
	ids := make([]string, len(lineIDs))
	for i, id := range lineIDs {
		ids[i] = id.String()
	}
	slices.Sort(ids)
	res, err := refunder.Refund(ctx, payment.RefundRequest{
		OrderID:        o.ID.String(),
		PaymentRef:     o.PaymentRef,
		Amount:         amount,
		Currency:       o.Currency,
		Reason:         reason,
		IdempotencyKey: "refund:" + o.ID.String() + ":" + strings.Join(ids, ","),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s refund: %w", payment.ErrGatewayFailed, o.PaymentMethod, err)
	}
	return res.Reference, nil
}

func (s *Service) withOrderLock(ctx context.Context, orderID uuid.UUID, fn func(context.Context) error) error {
	if s.Locker == nil {
		return fn(ctx)
	}
	return s.Locker.WithLock(ctx, lock.OrderKey(orderID.String()), s.LockTTL, fn)
}

func (s *Service) emit(ctx context.Context, topic string, o Order, email string, refund *Refund) {
	if s.Bus == nil {
		return
	}
	payload := events.OrderPayload{
		OrderID:       o.ID.String(),
		UserID:        o.UserID,
		Email:         email,
		Status:        string(o.Status),
		PaymentMethod: string(o.PaymentMethod),
		Currency:      o.Currency,
		Total:         o.Total.StringFixed(2),
		Courses:       titles(o),
	}
	if refund != nil {
		payload.RefundAmount = refund.Amount.StringFixed(2)
		for _, id := range refund.LineIDs {
			payload.LineIDs = append(payload.LineIDs, id.String())
		}
	}
	if _, err := s.Bus.Emit(context.WithoutCancel(ctx), topic, o.ID, payload); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("topic", topic).Str("order_id", o.ID.String()).Msg("order_event_failed")
	}
}

func titles(o Order) []string {
	out := make([]string, 0, len(o.Lines))
	for _, l := range o.Lines {
		out = append(out, l.Title)
	}
	return out
}
