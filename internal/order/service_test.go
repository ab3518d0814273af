package order_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-lms/internal/events"
	"github.com/noah-isme/backend-lms/internal/lock"
	"github.com/noah-isme/backend-lms/internal/order"
	"github.com/noah-isme/backend-lms/internal/payment"
	"github.com/noah-isme/backend-lms/internal/pricing"
)

var today = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

type memoryStore struct {
	mu      sync.Mutex
	orders  map[uuid.UUID]order.Order
	refunds []order.Refund
}

func newMemoryStore() *memoryStore {
	return &memoryStore{orders: map[uuid.UUID]order.Order{}}
}

func (m *memoryStore) Create(_ context.Context, o order.Order) (order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = uuid.New()
	o.CreatedAt = today
	for i := range o.Lines {
		o.Lines[i].ID = uuid.New()
	}
	m.orders[o.ID] = cloneOrder(o)
	return o, nil
}

func (m *memoryStore) Get(_ context.Context, id uuid.UUID) (order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *memoryStore) ListByUser(_ context.Context, userID string, limit, offset int) ([]order.Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []order.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			out = append(out, cloneOrder(o))
		}
	}
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *memoryStore) SetGatewayRef(_ context.Context, id uuid.UUID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.GatewayRef = ref
	m.orders[id] = o
	return nil
}

func (m *memoryStore) Transition(_ context.Context, id uuid.UUID, from []order.Status, to order.Status, paymentRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return false, nil
	}
	for _, st := range from {
		if o.Status == st {
			o.Status = to
			if paymentRef != "" {
				o.PaymentRef = paymentRef
			}
			m.orders[id] = o
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryStore) RecordRefund(_ context.Context, r order.Refund, status order.Status) (order.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[r.OrderID]
	now := today
	for _, id := range r.LineIDs {
		for i := range o.Lines {
			if o.Lines[i].ID == id {
				if o.Lines[i].RefundedAt != nil {
					return order.Refund{}, order.ErrInvalidLines
				}
				o.Lines[i].RefundedAt = &now
			}
		}
	}
	o.Status = status
	o.RefundedAmount = o.RefundedAmount.Add(r.Amount)
	m.orders[r.OrderID] = o
	r.ID = uuid.New()
	r.CreatedAt = now
	m.refunds = append(m.refunds, r)
	return r, nil
}

func cloneOrder(o order.Order) order.Order {
	o.Lines = append([]order.Line(nil), o.Lines...)
	return o
}

type stubCart struct {
	lines   []pricing.LineItem
	tax     decimal.Decimal
	cleared []string
}

func (c *stubCart) Quote(_ context.Context, _, _ string) (pricing.CartSummary, error) {
	results := make([]pricing.LineItemResult, 0, len(c.lines))
	for _, l := range c.lines {
		results = append(results, pricing.Price(l, c.tax, today))
	}
	return pricing.SummarizeCart(results), nil
}

func (c *stubCart) Clear(_ context.Context, userID string) error {
	c.cleared = append(c.cleared, userID)
	c.lines = nil
	return nil
}

type stubGateway struct {
	name      payment.Method
	initErr   error
	refundErr error
	initiated []payment.Order
	refunded  []payment.RefundRequest
}

func (g *stubGateway) Name() payment.Method { return g.name }

func (g *stubGateway) Initiate(_ context.Context, o payment.Order, _ payment.Options) (payment.CheckoutSession, error) {
	g.initiated = append(g.initiated, o)
	if g.initErr != nil {
		return payment.CheckoutSession{}, g.initErr
	}
	return payment.CheckoutSession{Reference: "sess_" + o.ID, RedirectURL: "https://pay.test/" + o.ID}, nil
}

func (g *stubGateway) VerifyWebhook(*http.Request, []byte) (payment.WebhookResult, error) {
	return payment.WebhookResult{}, nil
}

func (g *stubGateway) Refund(_ context.Context, req payment.RefundRequest) (payment.RefundResult, error) {
	g.refunded = append(g.refunded, req)
	if g.refundErr != nil {
		return payment.RefundResult{}, g.refundErr
	}
	return payment.RefundResult{Reference: "re_" + req.OrderID, Status: "succeeded"}, nil
}

// linkOnly has no refund API.
type linkOnly struct{ name payment.Method }

func (g linkOnly) Name() payment.Method { return g.name }

func (g linkOnly) Initiate(_ context.Context, o payment.Order, _ payment.Options) (payment.CheckoutSession, error) {
	return payment.CheckoutSession{Reference: o.ID}, nil
}

func (g linkOnly) VerifyWebhook(*http.Request, []byte) (payment.WebhookResult, error) {
	return payment.WebhookResult{}, nil
}

type recordingBus struct {
	mu     sync.Mutex
	topics []string
	last   events.OrderPayload
}

func (b *recordingBus) Emit(_ context.Context, topic string, _ uuid.UUID, payload any) (events.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	b.last = payload.(events.OrderPayload)
	return events.Event{Topic: topic}, nil
}

type fixture struct {
	svc    *order.Service
	store  *memoryStore
	cart   *stubCart
	stripe *stubGateway
	bus    *recordingBus
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := fixture{
		store: newMemoryStore(),
		cart: &stubCart{tax: decimal.NewFromInt(18), lines: []pricing.LineItem{
			{CourseID: uuid.NewString(), Title: "Go Basics", OriginalPrice: money("100")},
			{CourseID: uuid.NewString(), Title: "Distributed Systems", OriginalPrice: money("200")},
		}},
		stripe: &stubGateway{name: payment.MethodStripe},
		bus:    &recordingBus{},
	}
	kashier := linkOnly{name: payment.MethodKashier}
	f.svc = &order.Service{
		Store:    f.store,
		Carts:    f.cart,
		Gateways: payment.NewFactory(f.stripe, kashier),
		Bus:      f.bus,
		Locker:   lock.Locker{R: rdb},
		LockTTL:  time.Second,
		Currency: "usd",
		Now:      func() time.Time { return today },
	}
	return f
}

func money(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func checkoutInput(method string) order.CheckoutInput {
	return order.CheckoutInput{
		UserID:        "user-1",
		Country:       "IN",
		Email:         "learner@lms.test",
		PaymentMethod: method,
		SuccessURL:    "https://lms.test/checkout/success",
		CancelURL:     "https://lms.test/checkout/cancel",
	}
}

func TestCheckoutCreatesPendingOrderAndSession(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Checkout(context.Background(), checkoutInput("stripe"))
	require.NoError(t, err)

	require.Equal(t, order.StatusPending, res.Order.Status)
	require.Equal(t, "USD", res.Order.Currency)
	require.Equal(t, "354.00", res.Order.Total.StringFixed(2))
	require.Len(t, res.Order.Lines, 2)
	require.NotNil(t, res.Session)
	require.Equal(t, "sess_"+res.Order.ID.String(), res.Session.Reference)
	require.Equal(t, payment.MethodStripe, res.Session.Gateway)

	stored, err := f.store.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	require.Equal(t, res.Session.Reference, stored.GatewayRef)

	require.Len(t, f.stripe.initiated, 1)
	require.Equal(t, "354.00", f.stripe.initiated[0].Amount.StringFixed(2))
	require.Equal(t, []string{"user-1"}, f.cart.cleared)
	require.Equal(t, []string{events.TopicOrderCreated}, f.bus.topics)
	require.Equal(t, "learner@lms.test", f.bus.last.Email)
}

func TestCheckoutRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Checkout(ctx, checkoutInput("paypal"))
	require.ErrorIs(t, err, payment.ErrGatewayUnavailable)
	_, err = f.svc.Checkout(ctx, checkoutInput("razorpay"))
	require.ErrorIs(t, err, payment.ErrGatewayUnavailable)

	in := checkoutInput("stripe")
	in.SuccessURL = "not a url"
	_, err = f.svc.Checkout(ctx, in)
	require.ErrorIs(t, err, order.ErrInvalidInput)

	f.cart.lines = nil
	_, err = f.svc.Checkout(ctx, checkoutInput("stripe"))
	require.ErrorIs(t, err, order.ErrEmptyCart)
	require.Empty(t, f.store.orders)
}

func TestCheckoutGatewayFailureMarksOrderFailed(t *testing.T) {
	f := newFixture(t)
	f.stripe.initErr = errors.New("card network down")

	res, err := f.svc.Checkout(context.Background(), checkoutInput("stripe"))
	require.ErrorIs(t, err, payment.ErrGatewayFailed)

	stored, err := f.store.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusFailed, stored.Status)
	require.Empty(t, f.cart.cleared, "cart is kept so the user can retry")
	require.Equal(t, []string{events.TopicOrderFailed}, f.bus.topics)
}

func TestCheckoutFreeCartIsPaidWithoutGateway(t *testing.T) {
	f := newFixture(t)
	sale := decimal.Zero
	f.cart.lines = []pricing.LineItem{{CourseID: uuid.NewString(), Title: "Intro", OriginalPrice: money("20"), DiscountPrice: &sale}}

	res, err := f.svc.Checkout(context.Background(), checkoutInput("stripe"))
	require.NoError(t, err)
	require.Equal(t, order.StatusPaid, res.Order.Status)
	require.Nil(t, res.Session)
	require.Empty(t, f.stripe.initiated)
	require.Equal(t, []string{events.TopicOrderPaid}, f.bus.topics)
}

func paidOrder(t *testing.T, f fixture) order.Order {
	t.Helper()
	ctx := context.Background()
	res, err := f.svc.Checkout(ctx, checkoutInput("stripe"))
	require.NoError(t, err)
	require.NoError(t, f.svc.MarkPaid(ctx, res.Order.ID, payment.MethodStripe, payment.WebhookResult{
		PaymentRef: "pi_1", Amount: res.Order.Total, Status: payment.StatusPaid,
	}))
	o, err := f.store.Get(ctx, res.Order.ID)
	require.NoError(t, err)
	return o
}

func TestMarkPaidIsIdempotentAndChecksAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := paidOrder(t, f)
	require.Equal(t, order.StatusPaid, o.Status)
	require.Equal(t, "pi_1", o.PaymentRef)

	require.NoError(t, f.svc.MarkPaid(ctx, o.ID, payment.MethodStripe, payment.WebhookResult{PaymentRef: "pi_1"}))
	require.Equal(t, []string{events.TopicOrderCreated, events.TopicOrderPaid}, f.bus.topics)

	err := f.svc.MarkPaid(ctx, o.ID, payment.MethodKashier, payment.WebhookResult{})
	require.ErrorIs(t, err, order.ErrStateConflict)

	require.ErrorIs(t, f.svc.MarkPaid(ctx, uuid.New(), payment.MethodStripe, payment.WebhookResult{}), order.ErrNotFound)
}

func TestMarkPaidRejectsAmountMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Checkout(ctx, checkoutInput("stripe"))
	require.NoError(t, err)

	err = f.svc.MarkPaid(ctx, res.Order.ID, payment.MethodStripe, payment.WebhookResult{Amount: money("1.00")})
	require.ErrorIs(t, err, order.ErrStateConflict)

	require.NoError(t, f.svc.MarkFailed(ctx, res.Order.ID, payment.MethodStripe, payment.WebhookResult{}))
	stored, _ := f.store.Get(ctx, res.Order.ID)
	require.Equal(t, order.StatusFailed, stored.Status)
}

func TestMarkPaidRejectsCurrencyMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Checkout(ctx, checkoutInput("stripe"))
	require.NoError(t, err)

	err = f.svc.MarkPaid(ctx, res.Order.ID, payment.MethodStripe, payment.WebhookResult{Amount: res.Order.Total, Currency: "EUR"})
	require.ErrorIs(t, err, order.ErrStateConflict)
	stored, _ := f.store.Get(ctx, res.Order.ID)
	require.Equal(t, order.StatusPending, stored.Status)

	require.NoError(t, f.svc.MarkPaid(ctx, res.Order.ID, payment.MethodStripe, payment.WebhookResult{
		PaymentRef: "pi_1", Amount: res.Order.Total, Currency: "usd",
	}))
	stored, _ = f.store.Get(ctx, res.Order.ID)
	require.Equal(t, order.StatusPaid, stored.Status)
}

func TestMarkPaidComparesMinorUnits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.store.Create(ctx, order.Order{
		UserID:        "user-1",
		Status:        order.StatusPending,
		PaymentMethod: payment.MethodStripe,
		Currency:      "JPY",
		Total:         money("1106"),
	})
	require.NoError(t, err)

	err = f.svc.MarkPaid(ctx, o.ID, payment.MethodStripe, payment.WebhookResult{Amount: payment.FromMinorUnits(1105, "JPY"), Currency: "jpy"})
	require.ErrorIs(t, err, order.ErrStateConflict)
	require.NoError(t, f.svc.MarkPaid(ctx, o.ID, payment.MethodStripe, payment.WebhookResult{
		PaymentRef: "pi_jpy", Amount: payment.FromMinorUnits(1106, "JPY"), Currency: "jpy",
	}))
}

func TestFullRefundOfFractionalCentCartMatchesCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cart.tax = decimal.NewFromInt(5)
	f.cart.lines = []pricing.LineItem{
		{CourseID: uuid.NewString(), Title: "Go Basics", OriginalPrice: money("10.10")},
		{CourseID: uuid.NewString(), Title: "Go Testing", OriginalPrice: money("10.10")},
	}
	res, err := f.svc.Checkout(ctx, checkoutInput("stripe"))
	require.NoError(t, err)
	require.Equal(t, "21.22", res.Order.Total.StringFixed(2))
	require.Equal(t, int64(2122), payment.MinorUnits(f.stripe.initiated[0].Amount, f.stripe.initiated[0].Currency))

	require.NoError(t, f.svc.MarkPaid(ctx, res.Order.ID, payment.MethodStripe, payment.WebhookResult{
		PaymentRef: "pi_1", Amount: payment.FromMinorUnits(2122, "USD"), Currency: "usd",
	}))
	ids := []uuid.UUID{res.Order.Lines[0].ID, res.Order.Lines[1].ID}
	refund, err := f.svc.RefundLines(ctx, order.RefundInput{OrderID: res.Order.ID, LineIDs: ids})
	require.NoError(t, err)
	require.True(t, refund.Amount.Equal(res.Order.Total), "refund %s, charged %s", refund.Amount, res.Order.Total)

	stored, _ := f.store.Get(ctx, res.Order.ID)
	require.Equal(t, order.StatusRefunded, stored.Status)
	require.True(t, stored.RefundedAmount.Equal(stored.Total))
}

func TestRefundLinesPartialThenFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := paidOrder(t, f)
	first, second := o.Lines[0], o.Lines[1]

	refund, err := f.svc.RefundLines(ctx, order.RefundInput{OrderID: o.ID, UserID: "user-1", LineIDs: []uuid.UUID{first.ID}, Reason: "duplicate purchase"})
	require.NoError(t, err)
	require.Equal(t, first.Total.StringFixed(2), refund.Amount.StringFixed(2))
	require.Equal(t, "118.00", refund.Amount.StringFixed(2))
	require.Equal(t, "re_"+o.ID.String(), refund.GatewayRef)

	require.Len(t, f.stripe.refunded, 1)
	require.Equal(t, "pi_1", f.stripe.refunded[0].PaymentRef)
	require.Equal(t, "USD", f.stripe.refunded[0].Currency)

	stored, _ := f.store.Get(ctx, o.ID)
	require.Equal(t, order.StatusPartiallyRefunded, stored.Status)
	require.Equal(t, "118.00", stored.RefundedAmount.StringFixed(2))

	_, err = f.svc.RefundLines(ctx, order.RefundInput{OrderID: o.ID, UserID: "user-1", LineIDs: []uuid.UUID{first.ID}})
	require.ErrorIs(t, err, order.ErrInvalidLines)

	_, err = f.svc.RefundLines(ctx, order.RefundInput{OrderID: o.ID, LineIDs: []uuid.UUID{second.ID}})
	require.NoError(t, err)
	stored, _ = f.store.Get(ctx, o.ID)
	require.Equal(t, order.StatusRefunded, stored.Status)
	require.Equal(t, stored.Total.StringFixed(2), stored.RefundedAmount.StringFixed(2))
	require.Equal(t, events.TopicOrderRefunded, f.bus.topics[len(f.bus.topics)-1])
	require.Equal(t, []string{second.ID.String()}, f.bus.last.LineIDs)

	_, err = f.svc.RefundLines(ctx, order.RefundInput{OrderID: o.ID, LineIDs: []uuid.UUID{second.ID}})
	require.ErrorIs(t, err, order.ErrNotRefundable)
}

func TestRefundLinesRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := paidOrder(t, f)

	_, err := f.svc.RefundLines(ctx, order.RefundInput{OrderID: o.ID, UserID: "someone-else", LineIDs: []uuid.UUID{o.Lines[0].ID}})
	require.ErrorIs(t, err, order.ErrNotFound)

	_, err = f.svc.RefundLines(ctx, order.RefundInput{OrderID: o.ID, UserID: "user-1"})
	require.ErrorIs(t, err, order.ErrInvalidInput)

	f.stripe.refundErr = errors.New("insufficient balance")
	_, err = f.svc.RefundLines(ctx, order.RefundInput{OrderID: o.ID, LineIDs: []uuid.UUID{o.Lines[0].ID}})
	require.ErrorIs(t, err, payment.ErrGatewayFailed)
	stored, _ := f.store.Get(ctx, o.ID)
	require.Equal(t, order.StatusPaid, stored.Status, "nothing is recorded when the gateway refuses")

	pending, err := f.store.Create(ctx, order.Order{UserID: "user-1", Status: order.StatusPending, PaymentMethod: payment.MethodStripe,
		Lines: []order.Line{{Total: money("10")}}})
	require.NoError(t, err)
	_, err = f.svc.RefundLines(ctx, order.RefundInput{OrderID: pending.ID, LineIDs: []uuid.UUID{pending.Lines[0].ID}})
	require.ErrorIs(t, err, order.ErrNotRefundable)

	viaKashier, err := f.store.Create(ctx, order.Order{UserID: "user-1", Status: order.StatusPaid, PaymentMethod: payment.MethodKashier,
		Lines: []order.Line{{Total: money("10")}}})
	require.NoError(t, err)
	_, err = f.svc.RefundLines(ctx, order.RefundInput{OrderID: viaKashier.ID, LineIDs: []uuid.UUID{viaKashier.Lines[0].ID}})
	require.ErrorIs(t, err, order.ErrRefundUnsupported)
}
