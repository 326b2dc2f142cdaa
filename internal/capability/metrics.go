package capability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var toolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cerise",
	Subsystem: "capability",
	Name:      "executions_total",
	Help:      "Ability executions through the scheduler, by ability and outcome.",
}, []string{"ability", "outcome"})
