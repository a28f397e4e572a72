package download

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foundrygate",
		Subsystem: "download",
		Name:      "jobs_total",
		Help:      "Download jobs by terminal result",
	}, []string{"result"})
	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "foundrygate",
		Subsystem: "download",
		Name:      "retries_total",
		Help:      "Download attempts retried after a transient failure",
	})
)

func init() {
	prometheus.MustRegister(jobsTotal, retriesTotal)
}
