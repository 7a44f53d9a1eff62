package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/user/clawterm/internal/bus"
)

var (
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawterm_turns_total",
			Help: "Turns that reached Terminal, by reason.",
		},
		[]string{"reason"},
	)

	turnIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clawterm_turn_iterations",
			Help:    "Tool cycles per completed turn.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
		},
	)

	llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawterm_llm_requests_total",
			Help: "LLM requests by outcome.",
		},
		[]string{"outcome"},
	)

	llmRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clawterm_llm_request_seconds",
			Help:    "LLM request latency including retries.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)

	protocolErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clawterm_protocol_errors_total",
			Help: "Responses whose tool-call envelope failed validation.",
		},
	)
)

func recordTurn(reason bus.TurnReason, iterations int) {
	turnsTotal.WithLabelValues(string(reason)).Inc()
	turnIterations.Observe(float64(iterations))
}
