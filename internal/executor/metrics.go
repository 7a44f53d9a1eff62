package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// executionsTotal counts tool calls by tool and resolution.
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clawterm",
		Subsystem: "tool",
		Name:      "executions_total",
		Help:      "Tool executions by tool and status",
	}, []string{"tool", "status"})

	// violationsTotal counts safety gate rejections by kind.
	violationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clawterm",
		Subsystem: "tool",
		Name:      "safety_violations_total",
		Help:      "Tool calls rejected by the safety gate",
	}, []string{"tool", "kind"})

	executionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clawterm",
		Subsystem: "tool",
		Name:      "execution_seconds",
		Help:      "Wall-clock time from validation to result",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 180},
	}, []string{"tool"})
)

func recordOutcome(o Outcome) {
	executionsTotal.WithLabelValues(o.Tool, string(o.Status)).Inc()
	executionSeconds.WithLabelValues(o.Tool).Observe(o.Duration.Seconds())
	if o.Violation != nil {
		violationsTotal.WithLabelValues(o.Tool, string(o.Violation.Kind)).Inc()
	}
}
