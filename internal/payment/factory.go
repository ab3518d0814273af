package payment

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/backend-lms/internal/obs"
	"github.com/noah-isme/backend-lms/internal/resilience"
)

// Factory resolves enabled gateways by payment method.
type Factory struct {
	gateways map[Method]Gateway
}

// NewFactory registers the given gateways. Later entries replace earlier ones
// with the same name.
func NewFactory(gateways ...Gateway) *Factory {
	f := &Factory{gateways: make(map[Method]Gateway, len(gateways))}
	for _, gw := range gateways {
		if gw != nil {
			f.gateways[gw.Name()] = gw
		}
	}
	return f
}

// ClientFunc builds the outbound HTTP client used by a gateway.
type ClientFunc func(m Method) *resilience.HTTPClient

// DefaultClient returns a retrying client with a per-gateway breaker.
func DefaultClient(m Method) *resilience.HTTPClient {
	return &resilience.HTTPClient{
		Client:      &http.Client{Timeout: 15 * time.Second},
		Target:      string(m),
		MaxAttempts: 3,
		BaseBackoff: 200 * time.Millisecond,
		Jitter:      0.2,
		Timeout:     10 * time.Second,
	}
}

// FromConfig builds a factory holding every enabled gateway in cfgs. Keys are
// gateway names as used in the environment (stripe, razorpay, ...).
func FromConfig(cfgs map[string]GatewayConfig, clients ClientFunc) (*Factory, error) {
	if clients == nil {
		clients = DefaultClient
	}
	var gateways []Gateway
	for name, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		method, ok := ParseMethod(name)
		if !ok {
			return nil, fmt.Errorf("unknown payment gateway %q", name)
		}
		switch method {
		case MethodStripe:
			gw, err := NewStripe(cfg)
			if err != nil {
				return nil, err
			}
			gateways = append(gateways, gw)
		case MethodRazorpay:
			gateways = append(gateways, NewRazorpay(cfg, clients(method)))
		case MethodFlutterwave:
			gateways = append(gateways, NewFlutterwave(cfg, clients(method)))
		case MethodKashier:
			gateways = append(gateways, NewKashier(cfg))
		}
	}
	return NewFactory(gateways...), nil
}

// For returns the gateway registered for method.
func (f *Factory) For(method Method) (Gateway, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, method)
	}
	gw, ok := f.gateways[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, method)
	}
	return gw, nil
}

// Enabled lists the registered methods in name order.
func (f *Factory) Enabled() []Method {
	if f == nil {
		return nil
	}
	out := make([]Method, 0, len(f.gateways))
	for m := range f.gateways {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// Names is Enabled as plain strings, for readiness reporting.
func (f *Factory) Names() []string {
	methods := f.Enabled()
	out := make([]string, len(methods))
	for i, m := range methods {
		out[i] = string(m)
	}
	return out
}

// Initiate validates the order and opens a checkout session on gw, recording
// a span and the payment_initiate_total metric.
func Initiate(ctx context.Context, gw Gateway, order Order, opts Options) (session CheckoutSession, err error) {
	name := string(gw.Name())
	ctx, span := otel.Tracer("payment").Start(ctx, "payment.Initiate")
	span.SetAttributes(
		attribute.String("payment.gateway", name),
		attribute.String("order.id", order.ID),
	)
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			zerolog.Ctx(ctx).Warn().Err(err).Str("gateway", name).Str("order_id", order.ID).Msg("payment_initiate_failed")
		}
		if obs.PaymentInitiateTotal != nil {
			obs.PaymentInitiateTotal.WithLabelValues(name, result).Inc()
		}
		span.End()
	}()

	if err := order.validate(); err != nil {
		return CheckoutSession{}, err
	}
	session, err = gw.Initiate(ctx, order, opts)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: %s: initiate: %w", ErrGatewayFailed, name, err)
	}
	session.Gateway = gw.Name()
	return session, nil
}
