package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "clinic"

// BookingMetrics counts calendar mutations and how they ended.
type BookingMetrics struct {
	outcomes  *prometheus.CounterVec
	txLatency *prometheus.HistogramVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bookings",
			Name:      "outcomes_total",
			Help:      "Booking lifecycle operations by result",
		}, []string{"operation", "outcome"}),
		txLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bookings",
			Name:      "operation_seconds",
			Help:      "Latency of booking lifecycle operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.outcomes, m.txLatency)
	return m
}

// ObserveOutcome records one operation; outcome is "ok", a rejection kind, or "error".
func (m *BookingMetrics) ObserveOutcome(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(operation, outcome).Inc()
	m.txLatency.WithLabelValues(operation).Observe(seconds)
}

// ConversationMetrics covers inbound turns and extractor calls.
type ConversationMetrics struct {
	turns            *prometheus.CounterVec
	extractorLatency *prometheus.HistogramVec
	duplicates       prometheus.Counter
}

func NewConversationMetrics(reg prometheus.Registerer) *ConversationMetrics {
	m := &ConversationMetrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "turns_total",
			Help:      "Inbound conversation turns by outcome",
		}, []string{"outcome"}),
		extractorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "extractor_seconds",
			Help:      "Latency of intent extractor calls",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"status"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "duplicate_inbound_total",
			Help:      "Inbound messages dropped as redeliveries",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.turns, m.extractorLatency, m.duplicates)
	return m
}

func (m *ConversationMetrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
}

func (m *ConversationMetrics) ObserveExtractor(status string, seconds float64) {
	if m == nil {
		return
	}
	m.extractorLatency.WithLabelValues(status).Observe(seconds)
}

func (m *ConversationMetrics) ObserveDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}
