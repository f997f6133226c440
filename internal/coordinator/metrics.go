package coordinator

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes coordinator admission counters and queue gauges.
type Metrics struct {
	QueueDepth    *prometheus.GaugeVec
	BuildsRunning *prometheus.GaugeVec
	Admissions    prometheus.Counter
	Outcomes      *prometheus.CounterVec
}

// NewMetrics registers coordinator collectors, tolerating re-registration
// the way the rest of the process does.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "skiff",
			Subsystem: "coordinator",
			Name:      "queue_depth",
			Help:      "Number of queued deployments per tenant",
		}, []string{"tenant"}),
		BuildsRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "skiff",
			Subsystem: "coordinator",
			Name:      "builds_running",
			Help:      "Number of deployments currently building per tenant",
		}, []string{"tenant"}),
		Admissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "skiff",
			Subsystem: "coordinator",
			Name:      "admissions_total",
			Help:      "Count of deployments admitted to building",
		}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skiff",
			Subsystem: "coordinator",
			Name:      "outcomes_total",
			Help:      "Count of terminal deployment outcomes",
		}, []string{"status"}),
	}
	collectors := []prometheus.Collector{m.QueueDepth, m.BuildsRunning, m.Admissions, m.Outcomes}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch existing := already.ExistingCollector.(type) {
				case *prometheus.GaugeVec:
					if collector == m.QueueDepth {
						m.QueueDepth = existing
					} else {
						m.BuildsRunning = existing
					}
				case *prometheus.CounterVec:
					m.Outcomes = existing
				case prometheus.Counter:
					m.Admissions = existing
				}
			}
		}
	}
	return m
}
