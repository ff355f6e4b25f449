// ABOUTME: Prometheus metrics for the event processor
// ABOUTME: Counts event expansions and listener runs by outcome

package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsExpanded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_engine",
		Subsystem: "events",
		Name:      "expanded_total",
		Help:      "Events expanded into listener work items, labeled by outcome.",
	}, []string{"outcome"})

	listenersProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_engine",
		Subsystem: "events",
		Name:      "listeners_processed_total",
		Help:      "Listener runs, labeled by outcome.",
	}, []string{"outcome"})
)
