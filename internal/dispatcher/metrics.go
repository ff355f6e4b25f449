// ABOUTME: Prometheus metrics for the conversation dispatcher
// ABOUTME: Counts processed messages by outcome and times the respond path

package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_engine",
		Subsystem: "dispatcher",
		Name:      "messages_processed_total",
		Help:      "Inbound messages processed, labeled by outcome.",
	}, []string{"outcome"})

	respondDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chat_engine",
		Subsystem: "dispatcher",
		Name:      "respond_duration_seconds",
		Help:      "Time to handle one inbound message, including the send.",
		Buckets:   prometheus.DefBuckets,
	})
)
