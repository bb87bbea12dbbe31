package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "giftwallet"

// Collectors groups the service's Prometheus instruments. A nil *Collectors
// is valid and records nothing, so packages can be used without metrics.
type Collectors struct {
	Registry *prometheus.Registry

	ledgerAppends   *prometheus.CounterVec
	processorCalls  *prometheus.CounterVec
	processorTiming *prometheus.HistogramVec
	webhookEvents   *prometheus.CounterVec
	eligibility     *prometheus.CounterVec
	notifications   *prometheus.CounterVec
}

// New registers every collector on a fresh registry along with the Go and
// process collectors.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		Registry: reg,
		ledgerAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "appends_total",
			Help:      "Ledger appends by operation and outcome",
		}, []string{"operation", "outcome"}),
		processorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "issuer",
			Name:      "calls_total",
			Help:      "Card processor calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		processorTiming: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "issuer",
			Name:      "call_duration_seconds",
			Help:      "Card processor call latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "issuer",
			Name:      "webhook_events_total",
			Help:      "Card processor webhook deliveries by outcome",
		}, []string{"outcome"}),
		eligibility: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cards",
			Name:      "eligibility_decisions_total",
			Help:      "Card eligibility decisions by reason",
		}, []string{"reason"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Domain events published by sink and outcome",
		}, []string{"sink", "outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.ledgerAppends,
		c.processorCalls,
		c.processorTiming,
		c.webhookEvents,
		c.eligibility,
		c.notifications,
	)
	return c
}

func (c *Collectors) LedgerAppend(operation, outcome string) {
	if c == nil {
		return
	}
	c.ledgerAppends.WithLabelValues(operation, outcome).Inc()
}

func (c *Collectors) ProcessorCall(operation, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.processorCalls.WithLabelValues(operation, outcome).Inc()
	c.processorTiming.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (c *Collectors) WebhookEvent(outcome string) {
	if c == nil {
		return
	}
	c.webhookEvents.WithLabelValues(outcome).Inc()
}

func (c *Collectors) EligibilityDecision(reason string) {
	if c == nil {
		return
	}
	c.eligibility.WithLabelValues(reason).Inc()
}

func (c *Collectors) Notification(sink, outcome string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(sink, outcome).Inc()
}
