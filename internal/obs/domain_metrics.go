package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PricingEvalTotal counts pricing engine evaluations by calling surface.
	PricingEvalTotal *prometheus.CounterVec
	// PricingAnomalyTotal counts configuration anomalies observed during evaluation.
	PricingAnomalyTotal *prometheus.CounterVec
	// PricingEvalDuration records evaluation latency in microseconds.
	PricingEvalDuration prometheus.Histogram
	// PaymentIntentTotal counts payment intent creation attempts.
	PaymentIntentTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// RegionLookupTotal counts buyer-region resolutions by source and outcome.
	RegionLookupTotal *prometheus.CounterVec
	// WebhookDeliveryTotal counts outbound webhook delivery attempts by outcome.
	WebhookDeliveryTotal *prometheus.CounterVec
	// WebhookDeliveryDuration records outbound webhook attempt latency in milliseconds.
	WebhookDeliveryDuration *prometheus.HistogramVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PricingEvalTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pricing_eval_total",
			Help:      "Count of pricing engine evaluations by calling surface.",
		}, []string{"surface"})
		PricingAnomalyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pricing_anomaly_total",
			Help:      "Count of rule configuration anomalies flagged by the pricing engine.",
		}, []string{"code"})
		PricingEvalDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pricing_eval_duration_us",
			Help:      "Pricing engine evaluation latency in microseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		})
		PaymentIntentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_intent_total",
			Help:      "Count of payment intent processing outcomes.",
		}, []string{"provider", "result"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"provider", "result"})
		RegionLookupTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "region_lookup_total",
			Help:      "Count of buyer-region resolutions by source and outcome.",
		}, []string{"source", "result"})
		WebhookDeliveryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_total",
			Help:      "Count of outbound webhook delivery attempts by outcome.",
		}, []string{"result"})
		WebhookDeliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_duration_ms",
			Help:      "Outbound webhook attempt latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"result"})

		mustRegisterCollector(reg, PricingEvalTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PricingEvalTotal = v
			}
		})
		mustRegisterCollector(reg, PricingAnomalyTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PricingAnomalyTotal = v
			}
		})
		mustRegisterCollector(reg, PricingEvalDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Histogram); ok {
				PricingEvalDuration = v
			}
		})
		mustRegisterCollector(reg, PaymentIntentTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentIntentTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentWebhookTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentWebhookTotal = v
			}
		})
		mustRegisterCollector(reg, RegionLookupTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				RegionLookupTotal = v
			}
		})
		mustRegisterCollector(reg, WebhookDeliveryTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				WebhookDeliveryTotal = v
			}
		})
		mustRegisterCollector(reg, WebhookDeliveryDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				WebhookDeliveryDuration = v
			}
		})
	})
}

// ObservePricingAnomalies bumps the anomaly counter for each flagged code.
func ObservePricingAnomalies(codes []string) {
	if PricingAnomalyTotal == nil {
		return
	}
	for _, code := range codes {
		PricingAnomalyTotal.WithLabelValues(code).Inc()
	}
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
