package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts realtime delivery. A nil *Metrics records nothing.
type Metrics struct {
	online      prometheus.Gauge
	delivered   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	transitions prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaychat",
			Subsystem: "realtime",
			Name:      "online_users",
			Help:      "Users with at least one connected session.",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaychat",
			Subsystem: "realtime",
			Name:      "events_delivered_total",
			Help:      "Events accepted by a session send buffer.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaychat",
			Subsystem: "realtime",
			Name:      "events_dropped_total",
			Help:      "Events a session could not accept.",
		}, []string{"type"}),
		transitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaychat",
			Subsystem: "realtime",
			Name:      "delivered_transitions_total",
			Help:      "Messages moved from sent to delivered.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.online, m.delivered, m.dropped, m.transitions)
	}
	return m
}

func (m *Metrics) setOnline(n int) {
	if m == nil {
		return
	}
	m.online.Set(float64(n))
}

func (m *Metrics) observe(eventType string, sent, dropped int) {
	if m == nil {
		return
	}
	if sent > 0 {
		m.delivered.WithLabelValues(eventType).Add(float64(sent))
	}
	if dropped > 0 {
		m.dropped.WithLabelValues(eventType).Add(float64(dropped))
	}
}

func (m *Metrics) transitioned() {
	if m == nil {
		return
	}
	m.transitions.Inc()
}
