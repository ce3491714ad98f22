package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "eventcentric"

var (
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventstore",
		Name:      "events_appended_total",
		Help:      "Number of events appended to the event store.",
	}, []string{"stream_type"})
	ConcurrencyConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventstore",
		Name:      "concurrency_conflicts_total",
		Help:      "Number of saves rejected because of a stream version conflict.",
	}, []string{"stream_type"})
	SnapshotCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventstore",
		Name:      "snapshot_cache_hits_total",
		Help:      "Number of aggregates rebuilt from a fresh cached snapshot.",
	}, []string{"stream_type"})

	PublisherVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "publisher",
		Name:      "tracked_version",
		Help:      "Global event store version tracked by the publisher.",
	})
	PublisherPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "publisher",
		Name:      "polls_total",
		Help:      "Number of served polls by result.",
	}, []string{"result"})
	PublisherEventsServed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "publisher",
		Name:      "events_served_total",
		Help:      "Number of events returned to pollers.",
	})

	PollerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "errors_total",
		Help:      "Number of failed poll requests.",
	}, []string{"stream_type"})
	PollerEventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "events_received_total",
		Help:      "Number of events received from publishers.",
	}, []string{"stream_type"})
	BufferQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "queued_events",
		Help:      "Number of events waiting to be flushed.",
	}, []string{"stream_type"})
	BufferFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "flushes_total",
		Help:      "Number of buffer flushes by result.",
	}, []string{"stream_type", "result"})
	SubscriptionCursor = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "cursor",
		Help:      "Last committed received version per source stream type.",
	}, []string{"stream_type"})

	ProcessorHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "processor",
		Name:      "events_handled_total",
		Help:      "Number of inbox events handled by result.",
	}, []string{"result"})
)

// Handler returns the prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
