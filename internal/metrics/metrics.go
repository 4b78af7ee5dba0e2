// Package metrics holds the process-wide Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jarvis_http_requests_total",
			Help: "Total number of webhook listener requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jarvis_http_request_duration_seconds",
			Help:    "Webhook listener request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jarvis_cycles_total",
			Help: "Conversation cycles by origin and outcome.",
		},
		[]string{"origin", "outcome"},
	)

	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jarvis_cycle_duration_seconds",
			Help:    "Conversation cycle duration in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		},
		[]string{"origin"},
	)

	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jarvis_tool_calls_total",
			Help: "Tool calls by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)

	TriageDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jarvis_triage_decisions_total",
			Help: "Triage decisions by tier.",
		},
		[]string{"tier"},
	)

	AlertsFiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jarvis_alerts_fired_total",
			Help: "Alert rule crossings enqueued for delivery.",
		},
	)

	EventsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jarvis_events_enqueued_total",
			Help: "Inbound events by origin.",
		},
		[]string{"origin"},
	)

	ModelTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jarvis_model_tokens_total",
			Help: "Model tokens by model and direction.",
		},
		[]string{"model", "direction"},
	)

	ServiceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jarvis_service_up",
			Help: "Whether an external service answered its last probe (1) or not (0).",
		},
		[]string{"service"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CyclesTotal,
		CycleDuration,
		ToolCallsTotal,
		TriageDecisionsTotal,
		AlertsFiredTotal,
		EventsEnqueuedTotal,
		ModelTokensTotal,
		ServiceUp,
	)
}

// ObserveTokens adds a response's token usage.
func ObserveTokens(model string, input, output int) {
	ModelTokensTotal.WithLabelValues(model, "input").Add(float64(input))
	ModelTokensTotal.WithLabelValues(model, "output").Add(float64(output))
}
