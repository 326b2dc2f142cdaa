package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cerise",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events accepted onto the bus queue, by type.",
	}, []string{"type"})

	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cerise",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because the queue was full, by type.",
	}, []string{"type"})

	handlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cerise",
		Subsystem: "events",
		Name:      "handler_errors_total",
		Help:      "Handler errors and panics, by event type.",
	}, []string{"type"})
)
