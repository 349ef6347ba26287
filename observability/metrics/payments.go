// Package metrics exposes Prometheus collectors for the payment pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Payments aggregates the counters the checkout, webhook, and compensation
// paths report. All observe methods are nil-safe so callers never guard.
type Payments struct {
	checkouts    *prometheus.CounterVec
	webhooks     *prometheus.CounterVec
	grants       *prometheus.CounterVec
	compensation prometheus.Counter
	repaired     prometheus.Counter
	queryLatency prometheus.Histogram
	resultTokens prometheus.Gauge
}

// NewPayments registers the payment collectors on reg. A nil registerer
// falls back to the process-default registry.
func NewPayments(reg prometheus.Registerer) *Payments {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Payments{
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_checkout_requests_total",
			Help: "Count of checkout requests built by product type.",
		}, []string{"type"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_webhook_callbacks_total",
			Help: "Count of gateway callbacks by outcome.",
		}, []string{"outcome"}),
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_entitlements_granted_total",
			Help: "Count of entitlement grants applied by product type.",
		}, []string{"type"}),
		compensation: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payment_compensation_queued_total",
			Help: "Count of grants deferred to the compensation queue.",
		}),
		repaired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payment_compensation_repaired_total",
			Help: "Count of compensation tasks repaired by the sweeper.",
		}),
		queryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "payment_gateway_query_duration_seconds",
			Help:    "Latency of authoritative re-queries against the gateway.",
			Buckets: prometheus.DefBuckets,
		}),
		resultTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "payment_result_tokens",
			Help: "Result tokens currently held in the cache.",
		}),
	}
	reg.MustRegister(
		p.checkouts,
		p.webhooks,
		p.grants,
		p.compensation,
		p.repaired,
		p.queryLatency,
		p.resultTokens,
	)
	return p
}

func (p *Payments) CheckoutCreated(productType string) {
	if p == nil {
		return
	}
	if productType == "" {
		productType = "unknown"
	}
	p.checkouts.WithLabelValues(productType).Inc()
}

func (p *Payments) WebhookProcessed(outcome string) {
	if p == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	p.webhooks.WithLabelValues(outcome).Inc()
}

func (p *Payments) EntitlementGranted(productType string) {
	if p == nil {
		return
	}
	if productType == "" {
		productType = "unknown"
	}
	p.grants.WithLabelValues(productType).Inc()
}

func (p *Payments) CompensationQueued() {
	if p == nil {
		return
	}
	p.compensation.Inc()
}

func (p *Payments) CompensationRepaired() {
	if p == nil {
		return
	}
	p.repaired.Inc()
}

func (p *Payments) ObserveGatewayQuery(seconds float64) {
	if p == nil {
		return
	}
	p.queryLatency.Observe(seconds)
}

func (p *Payments) SetResultTokens(n int) {
	if p == nil {
		return
	}
	p.resultTokens.Set(float64(n))
}
