package broadcast

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes counters/histograms for the broadcast protocol. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	started     *prometheus.CounterVec
	notified    *prometheus.CounterVec
	resolved    *prometheus.CounterVec
	escalations *prometheus.CounterVec
	responses   *prometheus.CounterVec
	sweepTime   prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medidrop",
			Subsystem: "broadcast",
			Name:      "started_total",
			Help:      "Broadcasts opened",
		}, []string{"kind"}),
		notified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medidrop",
			Subsystem: "broadcast",
			Name:      "initial_notified_total",
			Help:      "Candidates notified in the first phase",
		}, []string{"kind"}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medidrop",
			Subsystem: "broadcast",
			Name:      "resolved_total",
			Help:      "Broadcasts reaching a terminal status",
		}, []string{"kind", "status"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medidrop",
			Subsystem: "broadcast",
			Name:      "escalations_total",
			Help:      "Committed escalation steps by resulting phase",
		}, []string{"kind", "result"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medidrop",
			Subsystem: "broadcast",
			Name:      "responses_total",
			Help:      "Candidate responses by outcome",
		}, []string{"answer", "result"}),
		sweepTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "medidrop",
			Subsystem: "broadcast",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one escalation sweep",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.started, m.notified, m.resolved, m.escalations, m.responses, m.sweepTime)
	return m
}

func (m *Metrics) ObserveStarted(kind Kind, notified int) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(string(kind)).Inc()
	m.notified.WithLabelValues(string(kind)).Add(float64(notified))
}

func (m *Metrics) ObserveResolved(kind Kind, status Status) {
	if m == nil {
		return
	}
	m.resolved.WithLabelValues(string(kind), string(status)).Inc()
}

func (m *Metrics) ObserveEscalation(kind Kind, result string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) ObserveResponse(answer Answer, result string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(string(answer), result).Inc()
}

func (m *Metrics) ObserveSweep(seconds float64) {
	if m == nil {
		return
	}
	m.sweepTime.Observe(seconds)
}
