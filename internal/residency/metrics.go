package residency

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "foundrygate",
		Subsystem: "residency",
		Name:      "loads_total",
		Help:      "Load commands issued to the engine",
	})
	unloadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "foundrygate",
		Subsystem: "residency",
		Name:      "unloads_total",
		Help:      "Unload commands issued to the engine",
	})
	convergenceTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foundrygate",
		Subsystem: "residency",
		Name:      "convergence_timeouts_total",
		Help:      "Polling ceilings that expired before the engine converged",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(loadsTotal, unloadsTotal, convergenceTimeouts)
}
