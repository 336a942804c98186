package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesConsumed tracks every acknowledgment decision the gateway takes
	// Labels allow filtering by queue and outcome (ack/requeue/reject/dropped)
	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_messages_consumed_total",
		Help: "Total number of messages consumed by the broker gateway",
	}, []string{"queue", "outcome"})

	// TerminalDrops counts poison messages acknowledged after exhausting retries
	// If this number grows, the dead-letter cycle needs manual inspection
	TerminalDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_terminal_drops_total",
		Help: "Messages permanently dropped after exhausting delivery attempts",
	}, []string{"queue"})

	// Reconnections counts how many times the gateway had to restore the link
	Reconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_rabbitmq_reconnections_total",
		Help: "Total number of RabbitMQ reconnection attempts",
	})

	// HealthStatus provides a binary 0/1 signal for the service's health
	// 1 = Healthy (consuming), 0 = Unhealthy (connection to RabbitMQ is down)
	HealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "catalog_healthy",
		Help: "Current health status of the catalog consumer (1 for healthy)",
	})
)
