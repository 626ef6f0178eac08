package fanout

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the router's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	events      prometheus.Counter
	deliveries  prometheus.Counter
	evictions   prometheus.Counter
	feedErrors  prometheus.Counter
	subscribers prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cdc_fanout",
			Name:      "events_total",
			Help:      "Change events taken from the feed.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cdc_fanout",
			Name:      "deliveries_total",
			Help:      "Messages successfully sent to subscribers.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cdc_fanout",
			Name:      "evictions_total",
			Help:      "Subscribers removed after a failed send.",
		}),
		feedErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cdc_fanout",
			Name:      "feed_errors_total",
			Help:      "Terminal change feed errors.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cdc_fanout",
			Name:      "subscribers",
			Help:      "Active subscribers after the last delivery.",
		}),
	}

	for _, c := range []prometheus.Collector{m.events, m.deliveries, m.evictions, m.feedErrors, m.subscribers} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) delivered(sent, evicted int) {
	if m == nil {
		return
	}
	m.events.Inc()
	m.deliveries.Add(float64(sent))
	m.evictions.Add(float64(evicted))
	m.subscribers.Set(float64(sent))
}

func (m *Metrics) feedFailed() {
	if m == nil {
		return
	}
	m.feedErrors.Inc()
}
