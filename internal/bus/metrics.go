package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clawterm",
		Subsystem: "bus",
		Name:      "events_sent_total",
		Help:      "Events accepted onto a channel queue",
	}, []string{"channel"})

	eventsDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clawterm",
		Subsystem: "bus",
		Name:      "events_delivered_total",
		Help:      "Events pulled off a channel queue and handed to handlers",
	}, []string{"channel"})

	handlerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clawterm",
		Subsystem: "bus",
		Name:      "handler_errors_total",
		Help:      "Handler invocations that returned an error or panicked",
	}, []string{"channel", "panicked"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "clawterm",
		Subsystem: "bus",
		Name:      "queue_depth",
		Help:      "Events waiting in a channel queue",
	}, []string{"channel"})
)

func recordSent(c Channel, depth int) {
	eventsSentTotal.WithLabelValues(c.String()).Inc()
	queueDepth.WithLabelValues(c.String()).Set(float64(depth))
}

func recordDelivered(c Channel, depth int) {
	eventsDeliveredTotal.WithLabelValues(c.String()).Inc()
	queueDepth.WithLabelValues(c.String()).Set(float64(depth))
}

func recordHandlerError(c Channel, panicked bool) {
	p := "false"
	if panicked {
		p = "true"
	}
	handlerErrorsTotal.WithLabelValues(c.String(), p).Inc()
}
