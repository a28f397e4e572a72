package sse

import "github.com/prometheus/client_golang/prometheus"

var eventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "foundrygate",
		Subsystem: "http",
		Name:      "sse_events_total",
		Help:      "Server-sent events written, by endpoint",
	},
	[]string{"endpoint"},
)

func init() {
	prometheus.MustRegister(eventsTotal)
}
