package notify

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts relay outcomes. A nil *Metrics records nothing.
type Metrics struct {
	deliveries *prometheus.CounterVec
	batchSize  prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medidrop",
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Outbox rows handled by the relay, by outcome",
		}, []string{"result"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "medidrop",
			Subsystem: "notify",
			Name:      "batch_size",
			Help:      "Rows claimed per relay batch",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.deliveries, m.batchSize)
	return m
}

func (m *Metrics) ObserveDelivery(result Status) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(string(result)).Inc()
}

func (m *Metrics) ObserveBatch(n int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(n))
}
