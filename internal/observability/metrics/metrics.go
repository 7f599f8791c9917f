package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes counters/histograms for the booking and messaging flows.
// All methods are nil-safe so components can run unmetered in tests.
type Metrics struct {
	toolCallsTotal  *prometheus.CounterVec
	bookingsTotal   *prometheus.CounterVec
	smsTotal        *prometheus.CounterVec
	llmLatency      *prometheus.HistogramVec
	chatTurnLatency *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "receptionist",
			Subsystem: "agent",
			Name:      "tool_calls_total",
			Help:      "Total tool-executor dispatches",
		}, []string{"tool", "outcome"}),
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "receptionist",
			Subsystem: "booking",
			Name:      "bookings_total",
			Help:      "Total booking lifecycle transitions",
		}, []string{"transition"}),
		smsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "receptionist",
			Subsystem: "outbox",
			Name:      "sms_total",
			Help:      "Total outbound SMS attempts by outcome",
		}, []string{"outcome", "simulated"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "receptionist",
			Subsystem: "agent",
			Name:      "llm_latency_seconds",
			Help:      "Latency of model invocations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model"}),
		chatTurnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "receptionist",
			Subsystem: "chat",
			Name:      "turn_latency_seconds",
			Help:      "End-to-end latency of one chat turn",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.toolCallsTotal, m.bookingsTotal, m.smsTotal, m.llmLatency, m.chatTurnLatency)
	return m
}

func (m *Metrics) ObserveToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) ObserveBooking(transition string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(transition).Inc()
}

func (m *Metrics) ObserveSMS(outcome string, simulated bool) {
	if m == nil {
		return
	}
	label := "false"
	if simulated {
		label = "true"
	}
	m.smsTotal.WithLabelValues(outcome, label).Inc()
}

func (m *Metrics) ObserveLLMLatency(model string, seconds float64) {
	if m == nil {
		return
	}
	m.llmLatency.WithLabelValues(model).Observe(seconds)
}

func (m *Metrics) ObserveChatTurn(route string, seconds float64) {
	if m == nil {
		return
	}
	m.chatTurnLatency.WithLabelValues(route).Observe(seconds)
}
