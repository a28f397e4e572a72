package foundry

import "github.com/prometheus/client_golang/prometheus"

var cliCommandsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "foundrygate",
		Subsystem: "cli",
		Name:      "commands_total",
		Help:      "Control-binary invocations by command group and outcome",
	},
	[]string{"command", "outcome"},
)

func init() {
	prometheus.MustRegister(cliCommandsTotal)
}

// commandLabel keeps metric cardinality down to the command group, never
// arguments like model ids.
func commandLabel(args []string) string {
	if len(args) >= 2 {
		return args[0] + " " + args[1]
	}
	if len(args) == 1 {
		return args[0]
	}
	return "(none)"
}

func observeCommand(args []string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	cliCommandsTotal.WithLabelValues(commandLabel(args), outcome).Inc()
}
