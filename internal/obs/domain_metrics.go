package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// CartQuoteTotal counts cart pricing requests by outcome.
	CartQuoteTotal *prometheus.CounterVec
	// CheckoutTotal counts checkout attempts by gateway and outcome.
	CheckoutTotal *prometheus.CounterVec
	// RefundTotal counts refund requests by outcome.
	RefundTotal *prometheus.CounterVec
	// RefundAmount records refunded amounts in currency units.
	RefundAmount prometheus.Histogram
	// PaymentInitiateTotal counts gateway session creation attempts.
	PaymentInitiateTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// NotificationDeliveryTotal counts per-channel notification delivery outcomes.
	NotificationDeliveryTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		CartQuoteTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_quote_total",
			Help:      "Count of cart pricing computations by outcome.",
		}, []string{"result"}))
		CheckoutTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_total",
			Help:      "Count of checkout attempts by gateway and outcome.",
		}, []string{"gateway", "result"}))
		RefundTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refund_total",
			Help:      "Count of refund requests by outcome.",
		}, []string{"result"}))
		RefundAmount = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refund_amount",
			Help:      "Refunded amount per request in currency units.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}))
		PaymentInitiateTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_initiate_total",
			Help:      "Count of payment session creation attempts.",
		}, []string{"gateway", "result"}))
		PaymentWebhookTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"gateway", "result"}))
		NotificationDeliveryTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_delivery_total",
			Help:      "Count of notification deliveries per channel and outcome.",
		}, []string{"channel", "result"}))
	})
}
