// Package bus provides the topic-based pub/sub fabric that glues the pipeline
// stages together. Two transports exist behind one interface: an in-process
// transport with bounded per-subscription queues, and a redis-backed broker
// transport that transparently degrades to the in-process transport while the
// broker is unreachable.
//
// Delivery is at-least-once within a process and best-effort across
// processes; subscribers must be idempotent against replays. Ordering is FIFO
// per (topic, publisher) only.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Topic names used by the pipeline.
const (
	TopicAlerts         = "alerts"
	TopicInvestigations = "investigations"
	TopicActions        = "actions"
	TopicStats          = "stats"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("bus: closed")

// ErrQueueFull is returned when a publish could not be enqueued for every
// subscriber before the publish timeout elapsed.
var ErrQueueFull = errors.New("bus: queue full")

// Handler consumes one serialized payload. Invocations are serialized per
// subscription: at most one call is in flight at a time.
type Handler func(ctx context.Context, payload []byte)

// Subscription is the cancellation handle returned by Subscribe.
type Subscription interface {
	Cancel()
}

// Bus is the transport contract shared by the memory and broker variants.
type Bus interface {
	// Publish serializes payload as JSON and enqueues it for every current
	// subscriber of topic. It blocks at most the configured publish timeout;
	// on timeout the payload is dropped for the lagging subscriber and the
	// drop counter is incremented.
	Publish(ctx context.Context, topic string, payload any) error
	// Subscribe registers a handler for topic.
	Subscribe(topic string, h Handler) (Subscription, error)
	// Close cancels all subscriptions and drains queued payloads up to the
	// drain timeout.
	Close() error
}

var (
	metricsOnce sync.Once

	droppedTotal   *prometheus.CounterVec
	publishedTotal *prometheus.CounterVec
	degradedGauge  prometheus.Gauge
)

func initMetrics() {
	droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Payloads dropped because a subscriber queue stayed full past the publish timeout.",
		},
		[]string{"topic"},
	)
	publishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Payloads accepted for delivery.",
		},
		[]string{"topic"},
	)
	degradedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "aegis",
			Subsystem: "bus",
			Name:      "broker_degraded",
			Help:      "1 while the broker transport is running on its in-memory fallback.",
		},
	)
	prometheus.MustRegister(droppedTotal, publishedTotal, degradedGauge)
}

func ensureMetrics() {
	metricsOnce.Do(initMetrics)
}
