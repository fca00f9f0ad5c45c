package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var HistogramBuckets = []float64{
	25, 50, 75, 100, 150, 200, 300, 400, 500,
	750, 1000, 1250, 1500, 1750, 2000,
	2500, 3000, 4000, 5000, 7500, 10000, 15000,
	20000, 30000, 45000, 60000, 75000, 90000, 120000,
}

// Metric is a definition for the name, description, type, ID, and
// prometheus.Collector type (i.e. CounterVec, Summary, etc) of each metric
type Metric struct {
	MetricCollector prometheus.Collector
	ID              string
	Name            string
	Description     string
	Type            string
	Args            []string
}

// NewMetric associates prometheus.Collector based on Metric.Type
func NewMetric(m *Metric, subsystem string) prometheus.Collector {
	var metric prometheus.Collector
	switch m.Type {
	case "counter_vec":
		metric = prometheus.NewCounterVec(
			prometheus.CounterOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description},
			m.Args,
		)
	case "counter":
		metric = prometheus.NewCounter(
			prometheus.CounterOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description},
		)
	case "gauge_vec":
		metric = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description},
			m.Args,
		)
	case "gauge":
		metric = prometheus.NewGauge(
			prometheus.GaugeOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description},
		)
	case "histogram_vec":
		metric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description, Buckets: HistogramBuckets},
			m.Args,
		)
	case "histogram":
		metric = prometheus.NewHistogram(
			prometheus.HistogramOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description, Buckets: HistogramBuckets},
		)
	case "summary_vec":
		metric = prometheus.NewSummaryVec(
			prometheus.SummaryOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description},
			m.Args,
		)
	case "summary":
		metric = prometheus.NewSummary(
			prometheus.SummaryOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description},
		)
	}
	return metric
}

// Billing counters. FAILED webhook events and unmapped prices page the
// on-call; the rest are dashboards.
var (
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Webhook events partitioned by type and terminal outcome.",
	}, []string{"type", "outcome"})

	UnmappedPriceTotal = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "billing",
		Name:      "unmapped_price_total",
		Help:      "Events referencing an external price with no plan mapping.",
	})

	GuardBlockedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "billing",
		Name:      "checkout_guard_blocked_total",
		Help:      "Checkout attempts blocked by an already-active subscription.",
	})

	SweeperRedriveTotal = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "billing",
		Name:      "sweeper_redrive_total",
		Help:      "Stuck PROCESSING webhook events re-driven by the sweeper.",
	})

	NotifierFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "billing",
		Name:      "notifier_failed_total",
		Help:      "Fire-and-forget notifications that failed.",
	})
)
